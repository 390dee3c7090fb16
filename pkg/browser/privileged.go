package browser

import (
	"net/url"
	"strings"
)

var privilegedSchemes = map[string]bool{
	"chrome":           true,
	"chrome-extension": true,
	"chrome-search":    true,
	"chrome-untrusted": true,
	"devtools":         true,
	"edge":             true,
	"brave":            true,
	"about":            true,
	"view-source":      true,
}

var webStoreHosts = []string{
	"chrome.google.com/webstore",
	"chromewebstore.google.com",
	"microsoftedge.microsoft.com/addons",
}

// IsPrivileged reports whether u is a browser-internal surface that must not
// be navigated in place, captured, or scripted.
func IsPrivileged(u string) bool {
	u = strings.TrimSpace(u)
	if u == "" {
		return false
	}
	lower := strings.ToLower(u)
	for _, h := range webStoreHosts {
		if strings.HasPrefix(lower, "https://"+h) {
			return true
		}
	}
	parsed, err := url.Parse(lower)
	if err != nil {
		scheme, _, ok := strings.Cut(lower, ":")
		return ok && privilegedSchemes[scheme]
	}
	return privilegedSchemes[parsed.Scheme]
}

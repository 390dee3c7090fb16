package browser

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
)

func TestIsPrivileged(t *testing.T) {
	cases := map[string]bool{
		"chrome://settings":                            true,
		"chrome-extension://abcdef/options.html":       true,
		"about:blank":                                  true,
		"edge://extensions":                            true,
		"devtools://devtools/bundled/inspector.html":   true,
		"view-source:https://example.com":              true,
		"https://chromewebstore.google.com/detail/x":   true,
		"https://chrome.google.com/webstore/category/": true,
		"CHROME://FLAGS":                               true,
		"https://example.com":                          false,
		"http://localhost:8080/app":                    false,
		"file:///tmp/index.html":                       false,
		"":                                             false,
	}
	for in, want := range cases {
		if got := IsPrivileged(in); got != want {
			t.Errorf("IsPrivileged(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	got, err := ParseFlags(`--user-data-dir="/tmp/my profile" --lang=en --disable-gpu`)
	if err != nil {
		t.Fatal(err)
	}
	want := []Switch{
		{Name: "user-data-dir", Value: "/tmp/my profile"},
		{Name: "lang", Value: "en"},
		{Name: "disable-gpu"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d switches, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("switch %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseFlags_Empty(t *testing.T) {
	got, err := ParseFlags("   ")
	if err != nil || got != nil {
		t.Errorf("ParseFlags(blank) = %v, %v", got, err)
	}
}

func TestParseFlags_Unbalanced(t *testing.T) {
	if _, err := ParseFlags(`--user-data-dir="/tmp`); err == nil {
		t.Error("expected error for unbalanced quote")
	}
}

func TestPickActive(t *testing.T) {
	targets := []*proto.TargetTargetInfo{
		{TargetID: "a", URL: "https://a.test"},
		{TargetID: "b", URL: "https://b.test"},
	}
	if got := pickActive(targets, "b"); got.TargetID != "b" {
		t.Errorf("last focused tab not preferred: %s", got.TargetID)
	}
	if got := pickActive(targets, "gone"); got.TargetID != "a" {
		t.Errorf("fallback = %s, want first target", got.TargetID)
	}
	if got := pickActive(nil, "a"); got != nil {
		t.Errorf("expected nil for no targets, got %+v", got)
	}
}

func TestManager_NotRunning(t *testing.T) {
	m := New()
	if m.Running() {
		t.Fatal("new manager must not be running")
	}
	if _, err := m.Tabs(t.Context()); err != ErrNotRunning {
		t.Errorf("Tabs = %v, want ErrNotRunning", err)
	}
	if _, err := m.Attach(t.Context(), "x"); err != ErrNotRunning {
		t.Errorf("Attach = %v, want ErrNotRunning", err)
	}
	if st := m.Status(t.Context()); st.Running {
		t.Error("status reports running")
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/browserbridge/internal/resolve"
	"github.com/nextlevelbuilder/browserbridge/pkg/browser"
	"github.com/nextlevelbuilder/browserbridge/pkg/protocol"
)

const defaultNavigationTimeout = 30 * time.Second

// Host is the browser surface the handlers drive.
type Host interface {
	Tabs(ctx context.Context) ([]browser.Tab, error)
	Tab(ctx context.Context, tabID string) (*browser.Tab, error)
	CreateTab(ctx context.Context, url string, timeout time.Duration) (*browser.Tab, error)
	Navigate(ctx context.Context, tabID, url string, timeout time.Duration) (*browser.Tab, error)
	CaptureVisible(ctx context.Context, tabID, format string, quality int) (*browser.Capture, error)
	PageScope(tabID string) resolve.Scope
}

// Synthesizer fires trusted input and privileged evaluation on a tab.
type Synthesizer interface {
	Click(ctx context.Context, tabID string, x, y float64) error
	Hover(ctx context.Context, tabID string, x, y float64) error
	Type(ctx context.Context, tabID string, x, y float64, text string) error
	Fill(ctx context.Context, tabID string, x, y float64, value string) error
	Press(ctx context.Context, tabID, key string) error
	Evaluate(ctx context.Context, tabID, script string) (json.RawMessage, error)
}

// NewHost adapts a browser.Manager to Host.
func NewHost(m *browser.Manager) Host {
	return managerHost{m}
}

type managerHost struct {
	*browser.Manager
}

func (h managerHost) PageScope(tabID string) resolve.Scope {
	return h.Manager.Scope(tabID)
}

// Service implements the server methods.
type Service struct {
	host       Host
	resolver   *resolve.Engine
	synth      Synthesizer
	navTimeout time.Duration
}

// NewService creates a Service. navTimeout <= 0 uses 30s.
func NewService(host Host, resolver *resolve.Engine, synth Synthesizer, navTimeout time.Duration) *Service {
	if navTimeout <= 0 {
		navTimeout = defaultNavigationTimeout
	}
	return &Service{host: host, resolver: resolver, synth: synth, navTimeout: navTimeout}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func restricted(format string, args ...any) error {
	return protocol.NewError(protocol.ErrRestricted, fmt.Sprintf(format, args...))
}

// GetTabs lists open tabs.
func (s *Service) GetTabs(ctx context.Context, _ json.RawMessage) (any, error) {
	tabs, err := s.host.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabs": tabs}, nil
}

type navigateParams struct {
	URL   string `json:"url"`
	TabID string `json:"tab_id,omitempty"`
}

// Navigate loads a URL and waits for load complete. A privileged target tab
// is never navigated in place; a new tab is opened instead.
func (s *Service) Navigate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p navigateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.URL) == "" {
		return nil, invalidParams("url is required")
	}
	if browser.IsPrivileged(p.URL) {
		return nil, restricted("refusing to navigate to privileged page %s", p.URL)
	}
	url := normalizeURL(p.URL)

	tab, err := s.host.Tab(ctx, p.TabID)
	if err != nil && !(p.TabID == "" && ErrorCode(err) == protocol.ErrNotFound) {
		return nil, err
	}

	if tab == nil || browser.IsPrivileged(tab.URL) {
		from := ""
		if tab != nil {
			from = tab.URL
		}
		slog.Info("navigate: opening new tab", "url", url, "from", from)
		created, err := s.host.CreateTab(ctx, url, s.navTimeout)
		if err != nil {
			return nil, err
		}
		return navigateResult(created, true), nil
	}

	nav, err := s.host.Navigate(ctx, tab.ID, url, s.navTimeout)
	if err != nil {
		return nil, err
	}
	return navigateResult(nav, false), nil
}

func navigateResult(t *browser.Tab, newTab bool) map[string]any {
	return map[string]any{
		"tab_id":  t.ID,
		"url":     t.URL,
		"title":   t.Title,
		"new_tab": newTab,
	}
}

// normalizeURL adds https:// to bare hosts ("example.com/x").
func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.Contains(u, "://") || strings.HasPrefix(u, "data:") || strings.HasPrefix(u, "javascript:") {
		return u
	}
	return "https://" + u
}

// ExecAction resolves an action in the page and, when the resolution asks
// for it, synthesizes input or escalates evaluation over the debugger.
func (s *Service) ExecAction(ctx context.Context, raw json.RawMessage) (any, error) {
	var a resolve.Action
	if err := decodeParams(raw, &a); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	tab, err := s.host.Tab(ctx, a.TabID)
	if err != nil {
		return nil, err
	}
	if browser.IsPrivileged(tab.URL) {
		return nil, restricted("cannot run %s on privileged page %s", a.Kind, tab.URL)
	}

	out, err := s.resolver.Resolve(ctx, s.host.PageScope(tab.ID), a)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"success": true, "action": a.Kind, "tab_id": tab.ID}
	switch {
	case out.Blocked:
		slog.Info("evaluate blocked by page policy, using debugger", "tab", tab.ID)
		v, err := s.synth.Evaluate(ctx, tab.ID, a.Script)
		if err != nil {
			return nil, err
		}
		result["result"] = v
		result["privileged"] = true

	case out.Directive != nil:
		d := out.Directive
		if err := s.perform(ctx, tab.ID, d); err != nil {
			return nil, err
		}
		if d.HasTarget {
			result["selector"] = d.Selector
			result["x"] = d.X
			result["y"] = d.Y
		}

	default:
		for k, v := range out.Value {
			result[k] = v
		}
	}
	return result, nil
}

func (s *Service) perform(ctx context.Context, tabID string, d *resolve.Directive) error {
	switch d.Kind {
	case resolve.DirectiveClick:
		return s.synth.Click(ctx, tabID, d.X, d.Y)
	case resolve.DirectiveHover:
		return s.synth.Hover(ctx, tabID, d.X, d.Y)
	case resolve.DirectiveType:
		return s.synth.Type(ctx, tabID, d.X, d.Y, d.Text)
	case resolve.DirectiveFill:
		return s.synth.Fill(ctx, tabID, d.X, d.Y, d.Text)
	case resolve.DirectivePress:
		if d.HasTarget {
			if err := s.synth.Click(ctx, tabID, d.X, d.Y); err != nil {
				return err
			}
		}
		n := d.Count
		if n <= 0 {
			n = 1
		}
		for range n {
			if err := s.synth.Press(ctx, tabID, d.Key); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: directive %s", resolve.ErrUnsupportedAction, d.Kind)
}

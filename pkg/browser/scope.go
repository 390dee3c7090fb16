package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
)

// PageScope runs functions in a tab's main world, like a content script
// sharing the page's DOM. It satisfies resolve.Scope.
type PageScope struct {
	m     *Manager
	tabID string
}

// Scope returns the page scope of tabID.
func (m *Manager) Scope(tabID string) *PageScope {
	return &PageScope{m: m, tabID: tabID}
}

// TabID returns the tab this scope evaluates in.
func (s *PageScope) TabID() string { return s.tabID }

// Call invokes fn (a JS function expression) with args and returns its
// JSON-encoded result, awaiting promises.
func (s *PageScope) Call(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	p, err := s.m.page(ctx, s.tabID)
	if err != nil {
		return nil, err
	}
	res, err := p.Evaluate(&rod.EvalOptions{
		JS:           fn,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("page scope %s: %w", s.tabID, err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return raw, nil
}

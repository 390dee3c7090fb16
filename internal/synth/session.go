// Package synth drives low-level input and privileged script evaluation over
// one Chrome DevTools Protocol session per tab.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/singleflight"
)

// Attacher opens and closes debugging sessions on tabs.
type Attacher interface {
	Attach(ctx context.Context, tabID string) (proto.Client, error)
	Detach(tabID string) error
}

// Sessions is the registry of attached debugging sessions, keyed by tab id.
// A tab is either attached or not; there is no other state.
type Sessions struct {
	attacher Attacher
	group    singleflight.Group

	mu      sync.Mutex
	targets map[string]proto.Client
}

// NewSessions creates an empty registry backed by attacher.
func NewSessions(attacher Attacher) *Sessions {
	return &Sessions{attacher: attacher, targets: make(map[string]proto.Client)}
}

// Attach returns the session for tabID, attaching on first use. Concurrent
// and repeated attaches for the same tab share a single attach.
func (s *Sessions) Attach(ctx context.Context, tabID string) (proto.Client, error) {
	if c, ok := s.get(tabID); ok {
		return c, nil
	}
	v, err, _ := s.group.Do(tabID, func() (any, error) {
		if c, ok := s.get(tabID); ok {
			return c, nil
		}
		c, err := s.attacher.Attach(ctx, tabID)
		if err != nil {
			return nil, fmt.Errorf("attach debugger to tab %s: %w", tabID, err)
		}
		s.mu.Lock()
		s.targets[tabID] = c
		s.mu.Unlock()
		slog.Debug("synth session attached", "tab", tabID)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(proto.Client), nil
}

// Detach closes the session for tabID. Detaching an unattached tab is a no-op.
func (s *Sessions) Detach(tabID string) error {
	if !s.Forget(tabID) {
		return nil
	}
	return s.attacher.Detach(tabID)
}

// Forget drops tabID without talking to the browser. Used when the tab is
// gone or the session was detached from outside (e.g. DevTools opened).
func (s *Sessions) Forget(tabID string) bool {
	s.mu.Lock()
	_, ok := s.targets[tabID]
	delete(s.targets, tabID)
	s.mu.Unlock()
	if ok {
		slog.Debug("synth session forgotten", "tab", tabID)
	}
	return ok
}

// Attached reports whether tabID has a live session.
func (s *Sessions) Attached(tabID string) bool {
	_, ok := s.get(tabID)
	return ok
}

// Len returns the number of attached tabs.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

// DetachAll closes every session.
func (s *Sessions) DetachAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Detach(id); err != nil {
			slog.Debug("synth detach failed", "tab", id, "error", err)
		}
	}
}

func (s *Sessions) get(tabID string) (proto.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.targets[tabID]
	return c, ok
}

// staleSession reports CDP errors that mean the session no longer exists.
func staleSession(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Session with given id not found") ||
		strings.Contains(msg, "No target with given id") ||
		strings.Contains(msg, "Target closed")
}

// boundClient carries a per-call context into proto commands.
type boundClient struct {
	ctx context.Context
	c   proto.Client
}

func (b boundClient) Call(ctx context.Context, sessionID, method string, params any) ([]byte, error) {
	return b.c.Call(ctx, sessionID, method, params)
}

func (b boundClient) GetContext() context.Context { return b.ctx }

func (b boundClient) GetSessionID() proto.TargetSessionID {
	if s, ok := b.c.(proto.Sessionable); ok {
		return s.GetSessionID()
	}
	return ""
}

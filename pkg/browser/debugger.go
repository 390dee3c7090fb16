package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// debugSession is a dedicated flat CDP session on one tab, separate from
// the page handle used for page-scope evaluation.
type debugSession struct {
	b         *rod.Browser
	sessionID proto.TargetSessionID
}

func (d *debugSession) Call(ctx context.Context, _ string, method string, params any) ([]byte, error) {
	return d.b.Call(ctx, string(d.sessionID), method, params)
}

func (d *debugSession) GetSessionID() proto.TargetSessionID { return d.sessionID }

// Attach opens a debugger session on tabID. Callers dedupe; each call opens
// a new session.
func (m *Manager) Attach(ctx context.Context, tabID string) (proto.Client, error) {
	b, err := m.current()
	if err != nil {
		return nil, err
	}
	if _, err := m.targetInfo(ctx, tabID); err != nil {
		return nil, err
	}
	res, err := proto.TargetAttachToTarget{
		TargetID: proto.TargetTargetID(tabID),
		Flatten:  true,
	}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("attach to target: %w", err)
	}

	m.sessMu.Lock()
	m.sessions[res.SessionID] = tabID
	m.sessMu.Unlock()
	m.logger.Debug("debugger attached", "tab", tabID, "session", res.SessionID)
	return &debugSession{b: b, sessionID: res.SessionID}, nil
}

// Detach closes every debugger session this Manager opened on tabID.
func (m *Manager) Detach(tabID string) error {
	b, err := m.current()
	if err != nil {
		return nil
	}
	var firstErr error
	for _, sid := range m.takeSessions(tabID) {
		if err := (proto.TargetDetachFromTarget{SessionID: sid}).Call(b); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("detach from tab %s: %w", tabID, err)
		}
	}
	return firstErr
}

func (m *Manager) takeSessions(tabID string) []proto.TargetSessionID {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	var out []proto.TargetSessionID
	for sid, tid := range m.sessions {
		if tid == tabID {
			out = append(out, sid)
			delete(m.sessions, sid)
		}
	}
	return out
}

// sessionTab maps a detached session back to its tab. The second result is
// false for sessions this Manager did not open (rod's own page sessions).
func (m *Manager) sessionTab(sid proto.TargetSessionID) (string, bool) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	tid, ok := m.sessions[sid]
	if ok {
		delete(m.sessions, sid)
	}
	return tid, ok
}

// TabEvents receives tab lifecycle notifications from Watch.
type TabEvents struct {
	// Closed is called when a tab is destroyed.
	Closed func(tabID string)
	// Detached is called when a debugger session opened by Attach is
	// detached by someone else (DevTools opened, tab crashed, ...).
	Detached func(tabID string)
}

// Watch subscribes to target lifecycle events until ctx is done.
func (m *Manager) Watch(ctx context.Context, ev TabEvents) error {
	b, err := m.current()
	if err != nil {
		return err
	}
	b = b.Context(ctx)
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}

	wait := b.EachEvent(
		func(e *proto.TargetTargetDestroyed) {
			id := string(e.TargetID)
			m.forgetPage(id)
			m.takeSessions(id)
			m.logger.Debug("tab closed", "tab", id)
			if ev.Closed != nil {
				ev.Closed(id)
			}
		},
		func(e *proto.TargetDetachedFromTarget) {
			id, ours := m.sessionTab(e.SessionID)
			if !ours {
				return
			}
			m.logger.Info("debugger detached externally", "tab", id)
			if ev.Detached != nil {
				ev.Detached(id)
			}
		},
	)
	go wait()
	return nil
}

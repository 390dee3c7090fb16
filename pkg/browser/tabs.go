package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// pageTargets lists the page targets Chrome currently reports.
func (m *Manager) pageTargets(ctx context.Context) ([]*proto.TargetTargetInfo, error) {
	b, err := m.current()
	if err != nil {
		return nil, err
	}
	res, err := proto.TargetGetTargets{}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]*proto.TargetTargetInfo, 0, len(res.TargetInfos))
	for _, t := range res.TargetInfos {
		if t.Type == proto.TargetTargetInfoTypePage {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Manager) targetInfo(ctx context.Context, targetID string) (*proto.TargetTargetInfo, error) {
	targets, err := m.pageTargets(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if string(t.TargetID) == targetID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTabNotFound, targetID)
}

// pickActive chooses the foreground tab: the last tab focused through the
// Manager if it still exists, otherwise the first page target (Chrome lists
// most recently used first).
func pickActive(targets []*proto.TargetTargetInfo, last string) *proto.TargetTargetInfo {
	if len(targets) == 0 {
		return nil
	}
	if last != "" {
		for _, t := range targets {
			if string(t.TargetID) == last {
				return t
			}
		}
	}
	return targets[0]
}

func (m *Manager) lastActive() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) setActive(targetID string) {
	m.mu.Lock()
	m.active = targetID
	m.mu.Unlock()
}

// Tabs returns every open tab, marking the active one.
func (m *Manager) Tabs(ctx context.Context) ([]Tab, error) {
	targets, err := m.pageTargets(ctx)
	if err != nil {
		return nil, err
	}
	active := pickActive(targets, m.lastActive())
	tabs := make([]Tab, 0, len(targets))
	for _, t := range targets {
		tabs = append(tabs, Tab{
			ID:     string(t.TargetID),
			URL:    t.URL,
			Title:  t.Title,
			Active: active != nil && t.TargetID == active.TargetID,
		})
	}
	return tabs, nil
}

// ActiveTab returns the foreground tab.
func (m *Manager) ActiveTab(ctx context.Context) (*Tab, error) {
	targets, err := m.pageTargets(ctx)
	if err != nil {
		return nil, err
	}
	t := pickActive(targets, m.lastActive())
	if t == nil {
		return nil, ErrNoTabs
	}
	return &Tab{ID: string(t.TargetID), URL: t.URL, Title: t.Title, Active: true}, nil
}

// Tab returns the tab with the given id; an empty id means the active tab.
func (m *Manager) Tab(ctx context.Context, tabID string) (*Tab, error) {
	if tabID == "" {
		return m.ActiveTab(ctx)
	}
	t, err := m.targetInfo(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return &Tab{ID: tabID, URL: t.URL, Title: t.Title, Active: tabID == m.lastActive()}, nil
}

// CreateTab opens a new foreground tab and navigates it to url, waiting for
// load complete up to timeout.
func (m *Manager) CreateTab(ctx context.Context, url string, timeout time.Duration) (*Tab, error) {
	b, err := m.current()
	if err != nil {
		return nil, err
	}
	p, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	id := string(p.TargetID)
	m.pages.Add(id, p)
	m.setActive(id)
	if _, err := p.Activate(); err != nil {
		m.logger.Debug("activate new tab failed", "tab", id, "error", err)
	}
	m.logger.Info("tab created", "tab", id, "url", url)
	return m.Navigate(ctx, id, url, timeout)
}

// Navigate loads url in tabID and waits for the load event, bounded by
// timeout. The tab becomes the active tab.
func (m *Manager) Navigate(ctx context.Context, tabID, url string, timeout time.Duration) (*Tab, error) {
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := m.page(nctx, tabID)
	if err != nil {
		return nil, err
	}

	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := p.Navigate(url); err != nil {
		if errors.Is(nctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrNavigationTimeout, url, timeout)
		}
		return nil, fmt.Errorf("navigate: %w", err)
	}
	wait()
	if errors.Is(nctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s after %s", ErrNavigationTimeout, url, timeout)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.setActive(tabID)
	tab := &Tab{ID: tabID, URL: url, Active: true}
	if info, err := p.Context(ctx).Info(); err == nil && info != nil {
		tab.URL = info.URL
		tab.Title = info.Title
	}
	return tab, nil
}

// Focus brings tabID to the foreground.
func (m *Manager) Focus(ctx context.Context, tabID string) error {
	p, err := m.page(ctx, tabID)
	if err != nil {
		return err
	}
	if _, err := p.Activate(); err != nil {
		return fmt.Errorf("activate tab %s: %w", tabID, err)
	}
	m.setActive(tabID)
	return nil
}

// CloseTab closes tabID.
func (m *Manager) CloseTab(ctx context.Context, tabID string) error {
	p, err := m.page(ctx, tabID)
	if err != nil {
		return err
	}
	m.forgetPage(tabID)
	return p.Close()
}

// CaptureVisible screenshots the viewport of tabID (the active tab when
// empty). format is "png" or "jpeg"; quality applies to jpeg only.
func (m *Manager) CaptureVisible(ctx context.Context, tabID, format string, quality int) (*Capture, error) {
	tab, err := m.Tab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	if IsPrivileged(tab.URL) {
		return nil, fmt.Errorf("%w: cannot capture %s", ErrRestrictedURL, tab.URL)
	}
	p, err := m.page(ctx, tab.ID)
	if err != nil {
		return nil, err
	}
	if _, err := p.Activate(); err != nil {
		m.logger.Debug("activate before capture failed", "tab", tab.ID, "error", err)
	}

	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if format == "jpeg" {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if quality > 0 {
			req.Quality = &quality
		}
	} else {
		format = "png"
	}
	data, err := p.Screenshot(false, req)
	if err != nil {
		return nil, fmt.Errorf("capture tab %s: %w", tab.ID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("capture tab %s: empty image", tab.ID)
	}
	return &Capture{Data: data, Format: format, Tab: *tab}, nil
}

// Status returns current browser status.
func (m *Manager) Status(ctx context.Context) *StatusInfo {
	if !m.Running() {
		return &StatusInfo{}
	}
	info := &StatusInfo{Running: true}
	targets, err := m.pageTargets(ctx)
	if err != nil {
		return info
	}
	info.Tabs = len(targets)
	if t := pickActive(targets, m.lastActive()); t != nil {
		info.Active = string(t.TargetID)
		info.URL = t.URL
	}
	return info
}

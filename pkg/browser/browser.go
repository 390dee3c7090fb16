package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-shellwords"
)

var (
	ErrNotRunning        = errors.New("browser not running")
	ErrTabNotFound       = errors.New("tab not found")
	ErrNoTabs            = errors.New("no tabs open")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrRestrictedURL     = errors.New("restricted page")
)

const defaultPageCacheSize = 64

var defaultLaunchSwitches = []string{"no-first-run", "no-default-browser-check"}

// Manager is the browser host: tabs, capture, page scope and debugger
// sessions, backed by a Chrome reached over CDP.
type Manager struct {
	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	pages    *lru.Cache[string, *rod.Page] // targetID → page
	active   string                        // last tab focused through the manager

	sessMu   sync.Mutex
	sessions map[proto.TargetSessionID]string // debugger session → targetID

	controlURL string
	bin        string
	flags      string
	headless   bool
	cacheSize  int
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeadless sets headless mode for a launched Chrome (default false).
func WithHeadless(h bool) Option {
	return func(m *Manager) { m.headless = h }
}

// WithControlURL connects to an already running Chrome instead of launching
// one. Accepts a ws:// debugger URL or an http://host:port address.
func WithControlURL(u string) Option {
	return func(m *Manager) { m.controlURL = u }
}

// WithBin sets the Chrome binary used when launching.
func WithBin(path string) Option {
	return func(m *Manager) { m.bin = path }
}

// WithFlags sets extra Chrome command-line flags, shell-quoted
// (e.g. `--user-data-dir="/tmp/my profile" --lang=en`).
func WithFlags(s string) Option {
	return func(m *Manager) { m.flags = s }
}

// WithPageCacheSize bounds the number of cached page handles.
func WithPageCacheSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cacheSize = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager with options.
func New(opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[proto.TargetSessionID]string),
		cacheSize: defaultPageCacheSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.pages, _ = lru.New[string, *rod.Page](m.cacheSize)
	return m
}

// Start connects to (or launches) Chrome.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		return fmt.Errorf("browser already running")
	}

	wsURL := m.controlURL
	if wsURL != "" {
		u, err := launcher.ResolveURL(wsURL)
		if err != nil {
			return fmt.Errorf("resolve debugger url %s: %w", wsURL, err)
		}
		wsURL = u
	} else {
		switches, err := ParseFlags(m.flags)
		if err != nil {
			return err
		}
		l := launcher.New().Context(ctx).Headless(m.headless)
		if m.bin != "" {
			l = l.Bin(m.bin)
		}
		for _, s := range defaultLaunchSwitches {
			l = l.Set(flags.Flag(s))
		}
		for _, s := range switches {
			if s.Value == "" {
				l = l.Set(flags.Flag(s.Name))
			} else {
				l = l.Set(flags.Flag(s.Name), s.Value)
			}
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch Chrome: %w", err)
		}
		m.launcher = l
		wsURL = u
		m.logger.Info("Chrome launched", "cdp", wsURL, "headless", m.headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to Chrome: %w", err)
	}
	m.browser = b
	m.logger.Info("Chrome connected", "cdp", wsURL)
	return nil
}

// Stop disconnects from Chrome, closing it if this Manager launched it.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil
	}

	var err error
	if m.launcher != nil {
		err = m.browser.Close()
		m.launcher.Cleanup()
		m.launcher = nil
	}
	m.browser = nil
	m.active = ""
	m.pages.Purge()

	m.sessMu.Lock()
	m.sessions = make(map[proto.TargetSessionID]string)
	m.sessMu.Unlock()
	return err
}

// Close shuts down the browser connection.
func (m *Manager) Close() error {
	return m.Stop(context.Background())
}

// Running reports whether the Manager holds a browser connection.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

func (m *Manager) current() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil, ErrNotRunning
	}
	return m.browser, nil
}

// page returns a page handle for targetID, attaching rod to it on first use.
func (m *Manager) page(ctx context.Context, targetID string) (*rod.Page, error) {
	b, err := m.current()
	if err != nil {
		return nil, err
	}
	if p, ok := m.pages.Get(targetID); ok {
		return p.Context(ctx), nil
	}
	if _, err := m.targetInfo(ctx, targetID); err != nil {
		return nil, err
	}
	p, err := b.Context(ctx).PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to tab %s: %w", targetID, err)
	}
	m.pages.Add(targetID, p)
	return p.Context(ctx), nil
}

func (m *Manager) forgetPage(targetID string) {
	m.pages.Remove(targetID)
	m.mu.Lock()
	if m.active == targetID {
		m.active = ""
	}
	m.mu.Unlock()
}

// Switch is one parsed Chrome command-line flag.
type Switch struct {
	Name  string
	Value string
}

// ParseFlags splits a shell-quoted flag string into switches. Leading dashes
// are stripped; "--name=value" carries a value.
func ParseFlags(s string) ([]Switch, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	words, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse chrome flags: %w", err)
	}
	out := make([]Switch, 0, len(words))
	for _, w := range words {
		w = strings.TrimLeft(w, "-")
		if w == "" {
			continue
		}
		name, value, _ := strings.Cut(w, "=")
		out = append(out, Switch{Name: name, Value: value})
	}
	return out, nil
}

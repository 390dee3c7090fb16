// Package keepalive keeps the bridge connection alive with two independent
// loops: a short heartbeat that pings the transport, and a longer alarm that
// reconnects a dropped socket.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultHeartbeatInterval = 20 * time.Second
	defaultAlarmInterval     = 30 * time.Second
)

// Target is the connection the loops keep alive.
type Target interface {
	// Heartbeat pings the transport; a no-op when not connected.
	Heartbeat()
	// EnsureConnected connects only when the socket is down.
	EnsureConnected(ctx context.Context) error
}

// Config holds the loop intervals. Zero values use the defaults (20s, 30s).
type Config struct {
	HeartbeatInterval time.Duration
	AlarmInterval     time.Duration
}

// Service runs the heartbeat and alarm loops.
type Service struct {
	cfg    Config
	target Target

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a keep-alive service for target.
func NewService(cfg Config, target Target) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.AlarmInterval <= 0 {
		cfg.AlarmInterval = defaultAlarmInterval
	}
	return &Service{cfg: cfg, target: target}
}

// Start launches both loops. Calling Start on a running service is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.HeartbeatInterval, s.heartbeat)
	go s.loop(ctx, s.cfg.AlarmInterval, s.alarm)
	slog.Info("keepalive started",
		"heartbeat", s.cfg.HeartbeatInterval,
		"alarm", s.cfg.AlarmInterval,
	)
}

// Stop halts both loops and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("keepalive stopped")
}

// IsRunning reports whether the loops are active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

func (s *Service) heartbeat(context.Context) {
	s.target.Heartbeat()
}

func (s *Service) alarm(ctx context.Context) {
	if err := s.target.EnsureConnected(ctx); err != nil {
		slog.Debug("keepalive reconnect failed", "error", err)
	}
}

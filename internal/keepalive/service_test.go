package keepalive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTarget struct {
	beats   atomic.Int32
	ensures atomic.Int32
	err     error
}

func (f *fakeTarget) Heartbeat() { f.beats.Add(1) }

func (f *fakeTarget) EnsureConnected(context.Context) error {
	f.ensures.Add(1)
	return f.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_LoopsTick(t *testing.T) {
	target := &fakeTarget{err: errors.New("dial refused")}
	s := NewService(Config{HeartbeatInterval: 10 * time.Millisecond, AlarmInterval: 15 * time.Millisecond}, target)
	s.Start()
	defer s.Stop()

	waitFor(t, func() bool { return target.beats.Load() >= 3 && target.ensures.Load() >= 2 })
}

func TestService_StartStopIdempotent(t *testing.T) {
	target := &fakeTarget{}
	s := NewService(Config{HeartbeatInterval: time.Hour, AlarmInterval: time.Hour}, target)

	s.Stop()
	s.Start()
	s.Start()
	if !s.IsRunning() {
		t.Fatal("service not running after Start")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatal("service still running after Stop")
	}

	s.Start()
	s.Stop()
}

func TestService_NoTicksAfterStop(t *testing.T) {
	target := &fakeTarget{}
	s := NewService(Config{HeartbeatInterval: 5 * time.Millisecond, AlarmInterval: 5 * time.Millisecond}, target)
	s.Start()
	waitFor(t, func() bool { return target.beats.Load() > 0 })
	s.Stop()

	beats, ensures := target.beats.Load(), target.ensures.Load()
	time.Sleep(30 * time.Millisecond)
	if target.beats.Load() != beats || target.ensures.Load() != ensures {
		t.Error("loops kept ticking after Stop")
	}
}

func TestNewService_Defaults(t *testing.T) {
	s := NewService(Config{}, &fakeTarget{})
	if s.cfg.HeartbeatInterval != 20*time.Second || s.cfg.AlarmInterval != 30*time.Second {
		t.Errorf("defaults = %+v", s.cfg)
	}
}

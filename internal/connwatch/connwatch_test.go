package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func TestBackoff_StreamSchedule(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second, 2)

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("delay[%d] = %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}

	b.Reset()
	if got := b.Next(); got != 5*time.Second {
		t.Errorf("after Reset, delay = %v, want 5s", got)
	}
	if b.Peek() != 10*time.Second {
		t.Errorf("Peek() = %v, want 10s", b.Peek())
	}
}

func TestBackoff_Clamps(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Second, 0)
	if got := b.Next(); got != 10*time.Second {
		t.Errorf("first delay = %v, want 10s", got)
	}
	if got := b.Next(); got != 10*time.Second {
		t.Errorf("second delay = %v, want 10s (max raised to initial)", got)
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	if cfg.InitialDelay != 2*time.Second || cfg.MaxDelay != 60*time.Second {
		t.Errorf("delays = %v..%v, want 2s..60s", cfg.InitialDelay, cfg.MaxDelay)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "redis",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)

	if !w.IsReady() {
		t.Error("expected IsReady() == true after successful probe")
	}
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
	if st := w.Status(); st.LastError != "" || st.Name != "redis" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	probe := func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("service down")
		}
		return nil
	}

	m := NewManager(nil)
	w := m.Watch(ctx, WatcherConfig{Name: "ollama", Probe: probe, Backoff: testBackoff()})

	time.Sleep(100 * time.Millisecond)

	if !w.IsReady() {
		t.Error("expected IsReady() == true after probe recovered")
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	var downCalled, readyCalled atomic.Int32

	m := NewManager(nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "homeassistant",
		Probe: func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("unreachable")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(error) { downCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)
	failing.Store(true)
	time.Sleep(30 * time.Millisecond)
	if w.IsReady() {
		t.Error("expected not ready while probe fails")
	}
	if downCalled.Load() != 1 {
		t.Errorf("OnDown called %d times, want 1", downCalled.Load())
	}

	failing.Store(false)
	time.Sleep(30 * time.Millisecond)
	if !w.IsReady() {
		t.Error("expected ready after recovery")
	}
	if readyCalled.Load() != 2 {
		t.Errorf("OnReady called %d times, want 2", readyCalled.Load())
	}
}

func TestManager_StatusAndStop(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	m.Watch(ctx, WatcherConfig{Name: "a", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	m.Watch(ctx, WatcherConfig{Name: "b", Probe: func(context.Context) error { return errors.New("x") }, Backoff: testBackoff()})

	time.Sleep(20 * time.Millisecond)
	st := m.Status()
	if len(st) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(st))
	}
	if !st["a"].Ready {
		t.Error("a should be ready")
	}
	if st["b"].Ready || st["b"].LastError == "" {
		t.Errorf("b status = %+v, want not ready with error", st["b"])
	}

	m.Stop()
}

func TestManager_WatchPanics(t *testing.T) {
	m := NewManager(nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for empty name")
		}
	}()
	m.Watch(context.Background(), WatcherConfig{Probe: func(context.Context) error { return nil }})
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if SleepCtx(ctx, time.Hour) {
		t.Error("SleepCtx should return false on cancelled context")
	}
}

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/BTreeMap/Respite/internal/testutil"
)

type fakeTicker struct {
	mu      sync.Mutex
	ticks   map[string]int
	delay   time.Duration
	err     error
	active  int32
	maxSeen int32
	gcCalls int32
	block   chan struct{}
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ticks: map[string]int{}}
}

func (f *fakeTicker) Tick(ctx context.Context, userID string, now time.Time) (*engine.TickReport, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.ticks[userID]++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &engine.TickReport{UserID: userID, At: now}, nil
}

func (f *fakeTicker) GarbageCollect(ctx context.Context, now time.Time) (int, error) {
	atomic.AddInt32(&f.gcCalls, 1)
	return 0, nil
}

func (f *fakeTicker) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks[userID]
}

func quietLogger() *slog.Logger {
	return testutil.DiscardLogger()
}

func newTestScheduler(t *testing.T, ft *fakeTicker, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(ft, cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	ft := newFakeTicker()
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil ticker")
	}
	if _, err := New(ft, Config{}); err == nil {
		t.Error("Expected error for zero interval")
	}
	cfg := DefaultConfig()
	cfg.GCSchedule = "not a schedule"
	if _, err := New(ft, cfg); err == nil {
		t.Error("Expected error for invalid gc schedule")
	}
}

func TestSessions(t *testing.T) {
	s := newTestScheduler(t, newFakeTicker(), DefaultConfig())
	if !s.StartUser("b") || !s.StartUser("a") {
		t.Fatal("Expected new sessions to start")
	}
	if s.StartUser("a") {
		t.Error("Expected duplicate StartUser to report false")
	}
	if got := s.Sessions(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected sorted sessions [a b], got %v", got)
	}
	if !s.StopUser("a") || s.StopUser("a") {
		t.Error("Expected StopUser to succeed once")
	}
	if s.HasSession("a") || !s.HasSession("b") {
		t.Error("Unexpected session membership after StopUser")
	}
}

func TestSweepTicksEverySession(t *testing.T) {
	ft := newFakeTicker()
	s := newTestScheduler(t, ft, DefaultConfig())
	for _, id := range []string{"u1", "u2", "u3"} {
		s.StartUser(id)
	}
	s.Sweep()
	for _, id := range []string{"u1", "u2", "u3"} {
		if got := ft.count(id); got != 1 {
			t.Errorf("Expected one tick for %s, got %d", id, got)
		}
	}
}

func TestSweepRespectsConcurrencyLimit(t *testing.T) {
	ft := newFakeTicker()
	ft.delay = 20 * time.Millisecond
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	s := newTestScheduler(t, ft, cfg)
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		s.StartUser(id)
	}
	s.Sweep()
	if peak := atomic.LoadInt32(&ft.maxSeen); peak > 2 {
		t.Errorf("Expected at most 2 concurrent ticks, saw %d", peak)
	}
}

func TestSweepSkipsBusyUser(t *testing.T) {
	ft := newFakeTicker()
	ft.block = make(chan struct{})
	s := newTestScheduler(t, ft, DefaultConfig())
	s.StartUser("u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.TickNow(context.Background(), "u1")
	}()
	for atomic.LoadInt32(&ft.active) == 0 {
		time.Sleep(time.Millisecond)
	}

	s.Sweep()
	close(ft.block)
	<-done
	if got := ft.count("u1"); got != 1 {
		t.Errorf("Expected the sweep to skip the busy user, got %d ticks", got)
	}
}

func TestStopUserCancelsInFlightTick(t *testing.T) {
	ft := newFakeTicker()
	ft.block = make(chan struct{})
	defer close(ft.block)
	s := newTestScheduler(t, ft, DefaultConfig())
	s.StartUser("u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Sweep()
	}()
	for atomic.LoadInt32(&ft.active) == 0 {
		time.Sleep(time.Millisecond)
	}
	s.StopUser("u1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected StopUser to cancel the running tick")
	}
}

func TestTickLocksAreForgotten(t *testing.T) {
	s := newTestScheduler(t, newFakeTicker(), DefaultConfig())
	lockCount := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.locks)
	}

	s.StartUser("u1")
	s.Sweep()
	if _, err := s.TickNow(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if got := lockCount(); got != 1 {
		t.Fatalf("Expected the open session to keep its lock, got %d locks", got)
	}
	s.StopUser("u1")
	if got := lockCount(); got != 0 {
		t.Errorf("Expected StopUser to forget the lock, got %d locks", got)
	}

	if _, err := s.TickNow(context.Background(), "no-session"); err != nil {
		t.Fatal(err)
	}
	if got := lockCount(); got != 0 {
		t.Errorf("Expected no lock left after a manual tick without session, got %d", got)
	}
}

func TestTickNowReturnsError(t *testing.T) {
	ft := newFakeTicker()
	ft.err = errors.New("context provider down")
	s := newTestScheduler(t, ft, DefaultConfig())
	if _, err := s.TickNow(context.Background(), "u1"); err == nil {
		t.Error("Expected tick error to be returned")
	}
}

func TestCronDrivesSweepAndCollect(t *testing.T) {
	ft := newFakeTicker()
	cfg := DefaultConfig()
	cfg.TickInterval = time.Second
	cfg.GCSchedule = "@every 1s"
	s := newTestScheduler(t, ft, cfg)
	s.StartUser("u1")
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && (ft.count("u1") == 0 || atomic.LoadInt32(&ft.gcCalls) == 0) {
		time.Sleep(50 * time.Millisecond)
	}
	if ft.count("u1") == 0 {
		t.Error("Expected cron to tick the session")
	}
	if atomic.LoadInt32(&ft.gcCalls) == 0 {
		t.Error("Expected cron to run garbage collection")
	}
}

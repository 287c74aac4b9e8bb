// Package scheduler drives recurring evaluation ticks for Respite users.
//
// One cron entry sweeps every open session each tick interval. Ticks of
// different users run in parallel on a bounded pool; ticks of the same user
// never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Defaults for Config.
const (
	DefaultTickInterval = time.Minute
	DefaultTickTimeout  = 30 * time.Second
	DefaultConcurrency  = 8
	DefaultGCSchedule   = "@hourly"
)

// Ticker runs ticks and garbage collection; *engine.Dispatcher implements it.
type Ticker interface {
	Tick(ctx context.Context, userID string, now time.Time) (*engine.TickReport, error)
	GarbageCollect(ctx context.Context, now time.Time) (int, error)
}

var _ Ticker = (*engine.Dispatcher)(nil)

// Config controls the sweep.
type Config struct {
	TickInterval time.Duration
	TickTimeout  time.Duration
	Concurrency  int
	GCSchedule   string // cron expression or descriptor
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: DefaultTickInterval,
		TickTimeout:  DefaultTickTimeout,
		Concurrency:  DefaultConcurrency,
		GCSchedule:   DefaultGCSchedule,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now as the tick instant source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

// Scheduler provides cron-driven per-user tick sessions.
type Scheduler struct {
	cron   *cron.Cron
	ticker Ticker
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*sync.Mutex
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// New creates a Scheduler. Call Start to begin sweeping.
func New(t Ticker, cfg Config, opts ...Option) (*Scheduler, error) {
	if t == nil {
		return nil, errors.New("scheduler: ticker is required")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("scheduler: tick interval must be positive, got %s", cfg.TickInterval)
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = DefaultGCSchedule
	}

	s := &Scheduler{
		ticker:   t,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logger := cronLogger{l: s.logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc("@every "+cfg.TickInterval.String(), s.Sweep); err != nil {
		return nil, fmt.Errorf("scheduler: add sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.GCSchedule, s.collect); err != nil {
		return nil, fmt.Errorf("scheduler: invalid gc schedule %q: %w", cfg.GCSchedule, err)
	}
	return s, nil
}

// Start begins the recurring sweep.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler.Start: sweeping sessions", "interval", s.cfg.TickInterval, "concurrency", s.cfg.Concurrency)
}

// Stop cancels every in-flight tick and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.cancel()
		delete(s.sessions, id)
	}
	s.mu.Unlock()
}

// StartUser opens a tick session for userID. It reports false if one was
// already open.
func (s *Scheduler) StartUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.sessions[userID] = &session{ctx: ctx, cancel: cancel, started: s.now()}
	s.logger.Info("Scheduler.StartUser: session opened", "user_id", userID)
	return true
}

// StopUser closes the session of userID and cancels its in-flight tick.
// It reports false if there was no session.
func (s *Scheduler) StopUser(userID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.cancel()
	s.dropLock(userID)
	s.logger.Info("Scheduler.StopUser: session closed", "user_id", userID)
	return true
}

// HasSession reports whether userID has an open session.
func (s *Scheduler) HasSession(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[userID]
	return ok
}

// Sessions returns the users with an open session, sorted.
func (s *Scheduler) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dropLock forgets the tick lock of a user without a session unless a tick
// currently holds it.
func (s *Scheduler) dropLock(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.sessions[userID]; open {
		return
	}
	l, ok := s.locks[userID]
	if !ok || !l.TryLock() {
		return
	}
	delete(s.locks, userID)
	l.Unlock()
}

func (s *Scheduler) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Sweep ticks every open session once. A user whose previous tick is still
// running is skipped until the next sweep.
func (s *Scheduler) Sweep() {
	now := s.now()
	s.mu.Lock()
	sessions := make(map[string]*session, len(s.sessions))
	for id, sess := range s.sessions {
		sessions[id] = sess
	}
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for userID, sess := range sessions {
		lock := s.lockFor(userID)
		g.Go(func() error {
			if !lock.TryLock() {
				s.logger.Debug("Scheduler.Sweep: previous tick still running, skipping", "user_id", userID)
				return nil
			}
			defer lock.Unlock()
			s.run(sess.ctx, userID, now)
			return nil
		})
	}
	_ = g.Wait()
}

// TickNow runs a tick for userID immediately, waiting for any running tick
// of the same user to finish first.
func (s *Scheduler) TickNow(ctx context.Context, userID string) (*engine.TickReport, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	report, err := s.run(ctx, userID, s.now())
	lock.Unlock()
	s.dropLock(userID)
	return report, err
}

func (s *Scheduler) run(parent context.Context, userID string, now time.Time) (*engine.TickReport, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.TickTimeout)
	defer cancel()
	report, err := s.ticker.Tick(ctx, userID, now)
	if err != nil {
		s.logger.Warn("Scheduler.run: tick failed, retrying next interval", "user_id", userID, "error", err)
		return report, err
	}
	return report, nil
}

func (s *Scheduler) collect() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TickTimeout)
	defer cancel()
	if _, err := s.ticker.GarbageCollect(ctx, s.now()); err != nil {
		s.logger.Error("Scheduler.collect: garbage collection failed", "error", err)
	}
}

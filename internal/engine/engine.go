// Package engine runs evaluation ticks: it turns a user's rules, preferences
// and context into intervention state transitions and delivery commands.
//
// The Dispatcher is safe for concurrent use across users. Ticks for the same
// user must be serialized by the caller; the versioned state store rejects
// any write that races anyway.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
	"github.com/BTreeMap/Respite/internal/reminder"
	"github.com/BTreeMap/Respite/internal/trigger"
)

// Defaults for dispatcher configuration.
const (
	DefaultCollaboratorTimeout = 10 * time.Second
	DefaultAnalysisTimeout     = 5 * time.Second
	DefaultSendTimeout         = 10 * time.Second
	DefaultMaxDeliveryAttempts = 3
	DefaultStateRetention      = 7 * 24 * time.Hour
)

// RuleStore supplies the rule set and preferences of a user.
type RuleStore interface {
	GetActiveRules(ctx context.Context, userID string) ([]models.InterventionRule, error)
	GetPreferences(ctx context.Context, userID string) (models.UserPreferences, error)
}

// ContextProvider supplies the live context of a user.
type ContextProvider interface {
	GetContext(ctx context.Context, userID string, asOf time.Time) (models.Snapshot, error)
}

// StateStore persists intervention states with optimistic versioning.
type StateStore interface {
	GetState(ctx context.Context, key models.StateKey) (models.InterventionState, error)
	ListStates(ctx context.Context, userID string) ([]models.InterventionState, error)
	ListStatesBySubject(ctx context.Context, userID, subjectKey string) ([]models.InterventionState, error)
	CreateState(ctx context.Context, s models.InterventionState) (models.InterventionState, error)
	UpdateState(ctx context.Context, s models.InterventionState) (models.InterventionState, error)
	DeleteStatesNotSeenSince(ctx context.Context, cutoff time.Time) (int, error)
}

// Transport hands a command to a device channel.
type Transport interface {
	Send(ctx context.Context, cmd models.DeliveryCommand) error
}

// Analyzer optionally rewrites the message and scores risk.
type Analyzer interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error)
}

// ReceiptLog records delivery outcomes.
type ReceiptLog interface {
	AddReceipt(ctx context.Context, r models.Receipt) error
}

// Deps are the collaborators a Dispatcher cannot run without.
type Deps struct {
	Rules     RuleStore
	Context   ContextProvider
	States    StateStore
	Transport Transport
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAnalyzer enables AI enrichment for users who opted in.
func WithAnalyzer(a Analyzer) Option {
	return func(d *Dispatcher) { d.analyzer = a }
}

// WithReceiptLog records every send attempt.
func WithReceiptLog(r ReceiptLog) Option {
	return func(d *Dispatcher) { d.receipts = r }
}

// WithObserver sets the tick observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the logger; ticks log through it scoped by user.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithReminderScheduler overrides the calendar scheduler.
func WithReminderScheduler(s *reminder.Scheduler) Option {
	return func(d *Dispatcher) { d.scheduler = s }
}

// WithCompiler shares a rule compiler between dispatchers.
func WithCompiler(c *trigger.Compiler) Option {
	return func(d *Dispatcher) { d.compiler = c }
}

// WithCollaboratorTimeout bounds the rules/preferences/context fetch.
func WithCollaboratorTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.collaboratorTimeout = t }
}

// WithAnalysisTimeout bounds one enrichment call.
func WithAnalysisTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.analysisTimeout = t }
}

// WithMaxDeliveryAttempts sets how many failed sends expire an intervention.
func WithMaxDeliveryAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithStateRetention sets how long unproduced states are kept.
func WithStateRetention(r time.Duration) Option {
	return func(d *Dispatcher) { d.retention = r }
}

// Dispatcher orchestrates evaluation ticks and user actions.
type Dispatcher struct {
	rules     RuleStore
	context   ContextProvider
	states    StateStore
	transport Transport
	analyzer  Analyzer
	receipts  ReceiptLog
	observer  Observer
	logger    *slog.Logger
	scheduler *reminder.Scheduler
	compiler  *trigger.Compiler

	collaboratorTimeout time.Duration
	analysisTimeout     time.Duration
	maxAttempts         int
	retention           time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps, opts ...Option) (*Dispatcher, error) {
	if deps.Rules == nil || deps.Context == nil || deps.States == nil || deps.Transport == nil {
		return nil, errors.New("engine: rules, context, states and transport are required")
	}
	d := &Dispatcher{
		rules:               deps.Rules,
		context:             deps.Context,
		states:              deps.States,
		transport:           deps.Transport,
		collaboratorTimeout: DefaultCollaboratorTimeout,
		analysisTimeout:     DefaultAnalysisTimeout,
		maxAttempts:         DefaultMaxDeliveryAttempts,
		retention:           DefaultStateRetention,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.observer == nil {
		d.observer = NopObserver{}
	}
	if d.scheduler == nil {
		d.scheduler = reminder.New(reminder.DefaultConfig())
	}
	if d.compiler == nil {
		c, err := trigger.NewCompiler(trigger.DefaultCompilerCacheSize)
		if err != nil {
			return nil, err
		}
		d.compiler = c
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultMaxDeliveryAttempts
	}
	if d.retention <= 0 {
		d.retention = DefaultStateRetention
	}
	return d, nil
}

// seenRefresh is how stale LastSeenAt may get before a tick rewrites it.
func (d *Dispatcher) seenRefresh() time.Duration {
	if r := d.retention / 4; r < time.Hour {
		return r
	}
	return time.Hour
}

// Outcome records what a tick did with one candidate or state.
type Outcome struct {
	Key      models.StateKey  `json:"key"`
	Status   models.Status    `json:"status"`
	Decision *models.Decision `json:"decision,omitempty"`
	Note     string           `json:"note,omitempty"`
}

// TickReport summarizes one tick.
type TickReport struct {
	UserID      string                   `json:"user_id"`
	At          time.Time                `json:"at"`
	Candidates  int                      `json:"candidates"`
	Quarantined []string                 `json:"quarantined,omitempty"`
	Outcomes    []Outcome                `json:"outcomes"`
	Commands    []models.DeliveryCommand `json:"commands"`
	Failed      int                      `json:"failed"`
	Expired     int                      `json:"expired"`
	Conflicts   int                      `json:"conflicts"`
}

func (r *TickReport) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

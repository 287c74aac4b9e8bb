// Package store provides storage backends for Respite.
//
// It persists intervention rules, user preferences, delivery receipts and the
// versioned intervention state that prevents duplicate delivery. Backends:
// in-memory (tests and ephemeral runs), SQLite and PostgreSQL.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the path of the SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// StateRepo persists intervention states with optimistic concurrency.
// Every successful write increments Version; a write carrying a stale version
// fails with models.ErrStateConflict.
type StateRepo interface {
	// GetState returns the state for key or models.ErrStateNotFound.
	GetState(ctx context.Context, key models.StateKey) (models.InterventionState, error)
	// ListStates returns all states of a user ordered by subject then rule.
	ListStates(ctx context.Context, userID string) ([]models.InterventionState, error)
	// ListStatesBySubject returns the user's states for one subject across rules.
	ListStatesBySubject(ctx context.Context, userID, subjectKey string) ([]models.InterventionState, error)
	// CreateState inserts s with Version 1. It fails with models.ErrStateConflict
	// when the key already exists.
	CreateState(ctx context.Context, s models.InterventionState) (models.InterventionState, error)
	// UpdateState writes s if the stored version equals s.Version and returns
	// the state with its new version.
	UpdateState(ctx context.Context, s models.InterventionState) (models.InterventionState, error)
	// DeleteStatesNotSeenSince removes states whose subject was last produced
	// before cutoff and returns how many were removed.
	DeleteStatesNotSeenSince(ctx context.Context, cutoff time.Time) (int, error)
}

// RuleRepo persists rules and preferences.
type RuleRepo interface {
	SaveRule(ctx context.Context, r models.InterventionRule) error
	ListRules(ctx context.Context, userID string) ([]models.InterventionRule, error)
	// GetActiveRules returns the user's active rules in creation order.
	GetActiveRules(ctx context.Context, userID string) ([]models.InterventionRule, error)
	DeleteRule(ctx context.Context, userID, ruleID string) error
	SavePreferences(ctx context.Context, p models.UserPreferences) error
	// GetPreferences returns stored preferences or the defaults.
	GetPreferences(ctx context.Context, userID string) (models.UserPreferences, error)
	// ListUsersWithActiveRules returns the ids of users owning an active rule.
	ListUsersWithActiveRules(ctx context.Context) ([]string, error)
}

// ReceiptRepo persists the delivery log.
type ReceiptRepo interface {
	AddReceipt(ctx context.Context, r models.Receipt) error
	// ListReceipts returns the user's newest receipts first, at most limit (0 = all).
	ListReceipts(ctx context.Context, userID string, limit int) ([]models.Receipt, error)
}

// Store is implemented by every backend.
type Store interface {
	StateRepo
	RuleRepo
	ReceiptRepo
	Close() error
}

// New creates a store from options: PostgreSQL or SQLite depending on the
// DSN, or an in-memory store when no DSN is set.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

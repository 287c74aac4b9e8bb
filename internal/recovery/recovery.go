// Package recovery restores runtime state after an application restart.
// Intervention states are durable in the store; what is lost on restart is
// the set of users being ticked, so recovery reopens their sessions.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can restore its state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// UserLister lists users that own at least one active rule.
type UserLister interface {
	ListUsersWithActiveRules(ctx context.Context) ([]string, error)
}

// SessionStarter opens a tick session for a user. It reports false when the
// session was already open.
type SessionStarter interface {
	StartUser(userID string) bool
}

// SessionRecovery reopens a tick session for every user with active rules.
type SessionRecovery struct {
	users    UserLister
	sessions SessionStarter
}

var _ Recoverable = (*SessionRecovery)(nil)

// NewSessionRecovery creates a SessionRecovery.
func NewSessionRecovery(users UserLister, sessions SessionStarter) *SessionRecovery {
	return &SessionRecovery{users: users, sessions: sessions}
}

// RecoverState implements Recoverable.
func (r *SessionRecovery) RecoverState(ctx context.Context) error {
	users, err := r.users.ListUsersWithActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list users with active rules: %w", err)
	}
	started := 0
	for _, userID := range users {
		if r.sessions.StartUser(userID) {
			started++
		}
	}
	slog.Info("SessionRecovery.RecoverState: sessions restored", "users", len(users), "started", started)
	return nil
}

// RecoveryManager orchestrates recovery of all registered components.
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component that can be recovered.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll recovers every registered component. A failing component does
// not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0
	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

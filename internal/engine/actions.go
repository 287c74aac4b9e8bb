package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

// Snooze postpones every live intervention of subjectKey by minutes from now.
// The latest snooze wins: snoozing 10 then 5 minutes leaves now+5.
//
// It returns models.ErrStateNotFound when the subject has no state and
// models.ErrInvalidTransition when every state is dismissed or expired.
func (d *Dispatcher) Snooze(ctx context.Context, userID, subjectKey string, minutes int, now time.Time) ([]models.InterventionState, error) {
	if minutes <= 0 {
		return nil, models.ErrInvalidSnoozeMinutes
	}
	until := now.Add(time.Duration(minutes) * time.Minute)
	updated, err := d.applyAction(ctx, userID, subjectKey, now, func(st *models.InterventionState) (bool, error) {
		switch st.Status {
		case models.StatusPending, models.StatusDelivered, models.StatusSnoozed:
		default:
			return false, models.ErrInvalidTransition
		}
		if st.Status == models.StatusSnoozed && timePtrEqual(st.SnoozeUntil, &until) {
			return false, nil
		}
		st.Status = models.StatusSnoozed
		st.SnoozeUntil = &until
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("Dispatcher.Snooze: subject snoozed", "user_id", userID, "subject_key", subjectKey, "until", until)
	return updated, nil
}

// Dismiss ends every live intervention of subjectKey until the subject
// produces a new instance. Dismissing a dismissed subject is a no-op.
func (d *Dispatcher) Dismiss(ctx context.Context, userID, subjectKey string, now time.Time) ([]models.InterventionState, error) {
	updated, err := d.applyAction(ctx, userID, subjectKey, now, func(st *models.InterventionState) (bool, error) {
		switch st.Status {
		case models.StatusPending, models.StatusDelivered, models.StatusSnoozed:
			st.Status = models.StatusDismissed
			st.SnoozeUntil = nil
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("Dispatcher.Dismiss: subject dismissed", "user_id", userID, "subject_key", subjectKey)
	return updated, nil
}

// applyAction runs mutate against each state of the subject under the
// version check. A state whose mutate reports no change is returned as is.
// The action fails only if it fails for every state.
func (d *Dispatcher) applyAction(ctx context.Context, userID, subjectKey string, now time.Time, mutate func(*models.InterventionState) (bool, error)) ([]models.InterventionState, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	if subjectKey == "" {
		return nil, fmt.Errorf("%w: empty subject key", models.ErrStateNotFound)
	}
	states, err := d.states.ListStatesBySubject(ctx, userID, subjectKey)
	if err != nil {
		return nil, &models.CollaboratorError{Collaborator: "state_store", UserID: userID, Err: err}
	}
	if len(states) == 0 {
		return nil, models.ErrStateNotFound
	}

	var out []models.InterventionState
	var lastErr error
	for _, st := range states {
		var result models.InterventionState
		err := d.retryOnConflict(ctx, st.Key(), &st, func(cur *models.InterventionState) error {
			if cur == nil {
				return models.ErrStateNotFound
			}
			next := *cur
			changed, err := mutate(&next)
			if err != nil {
				return err
			}
			if !changed {
				result = next
				return nil
			}
			next.UpdatedAt = now
			saved, err := d.states.UpdateState(ctx, next)
			if err != nil {
				return err
			}
			result = saved
			return nil
		})
		if err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				d.observer.StateConflict(st.Key())
			}
			lastErr = err
			continue
		}
		out = append(out, result)
	}
	if len(out) == 0 {
		return nil, lastErr
	}
	return out, nil
}

// GarbageCollect deletes states no tick has produced for the retention period.
func (d *Dispatcher) GarbageCollect(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-d.retention)
	n, err := d.states.DeleteStatesNotSeenSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("garbage collect states: %w", err)
	}
	if n > 0 {
		d.logger.Info("Dispatcher.GarbageCollect: removed stale states", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

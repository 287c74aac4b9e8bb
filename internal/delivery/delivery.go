// Package delivery decides whether, when and through which channel a
// candidate is surfaced.
package delivery

import (
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

// ResolveMethod picks the channel for a candidate: the rule's own method,
// then the user's per-rule override, then the user's preferred channel. An
// unset chain resolves to NONE.
func ResolveMethod(c models.Candidate, prefs models.UserPreferences) models.Method {
	if c.SuggestedMethod != "" {
		return c.SuggestedMethod
	}
	if m, ok := prefs.MethodOverrides[c.RuleID]; ok && m != "" {
		return m
	}
	if prefs.PreferredMethod != "" {
		return prefs.PreferredMethod
	}
	return models.MethodNone
}

// Resolve returns the delivery decision for c at now.
//
// Expired candidates are dropped. Candidates resolving to NONE are dropped
// with NO_CHANNEL. A candidate not yet due is deferred to its fire instant,
// and a due candidate inside quiet hours is deferred to the quiet-hours end.
func Resolve(c models.Candidate, prefs models.UserPreferences, now time.Time) models.Decision {
	if c.ExpiredAt(now) {
		return models.Drop(models.ReasonExpired)
	}
	method := ResolveMethod(c, prefs)
	if method == models.MethodNone {
		return models.Drop(models.ReasonNoChannel)
	}
	if c.FireAt.After(now) {
		return models.DeferUntil(method, c.FireAt, models.ReasonNotYetDue)
	}
	loc := prefs.Location()
	if prefs.QuietHours.Contains(now, loc) {
		return models.DeferUntil(method, prefs.QuietHours.EndAfter(now, loc), models.ReasonQuietHours)
	}
	return models.DeliverNow(method)
}

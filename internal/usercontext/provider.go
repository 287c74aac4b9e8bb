// Package usercontext holds the live context pushed by clients (calendar,
// activity metrics, external events, behavior signals) and serves snapshots
// to the engine.
package usercontext

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/BTreeMap/Respite/internal/models"
)

// Default retention of appended events and signals.
const DefaultEventRetention = 24 * time.Hour

// Update is one context push. Calendar and metrics replace what is stored
// when non-nil; events and signals are appended.
type Update struct {
	CalendarEvents  []models.CalendarEvent  `json:"calendar_events,omitempty"`
	Metrics         map[string]float64      `json:"metrics,omitempty"`
	ExternalEvents  []models.ExternalEvent  `json:"external_events,omitempty"`
	BehaviorSignals []models.BehaviorSignal `json:"behavior_signals,omitempty"`
}

type userContext struct {
	calendar []models.CalendarEvent
	metrics  map[string]float64
	events   []models.ExternalEvent
	signals  []models.BehaviorSignal
}

// MemoryProvider is an in-process ContextProvider.
type MemoryProvider struct {
	mu        sync.RWMutex
	users     map[string]*userContext
	retention time.Duration
}

var _ engine.ContextProvider = (*MemoryProvider)(nil)

// NewMemoryProvider creates a provider that forgets events and signals older
// than retention (DefaultEventRetention when <= 0).
func NewMemoryProvider(retention time.Duration) *MemoryProvider {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &MemoryProvider{users: make(map[string]*userContext), retention: retention}
}

// Apply merges u into the context of userID. Events are deduplicated by id;
// events and signals without a timestamp are stamped with now.
func (p *MemoryProvider) Apply(userID string, u Update, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	uc, ok := p.users[userID]
	if !ok {
		uc = &userContext{metrics: make(map[string]float64)}
		p.users[userID] = uc
	}
	if u.CalendarEvents != nil {
		uc.calendar = slices.Clone(u.CalendarEvents)
	}
	if u.Metrics != nil {
		uc.metrics = maps.Clone(u.Metrics)
	}
	for _, ev := range u.ExternalEvents {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = now
		}
		if !slices.ContainsFunc(uc.events, func(e models.ExternalEvent) bool { return e.ID == ev.ID }) {
			uc.events = append(uc.events, ev)
		}
	}
	for _, sig := range u.BehaviorSignals {
		if sig.DetectedAt.IsZero() {
			sig.DetectedAt = now
		}
		uc.signals = append(uc.signals, sig)
	}

	cutoff := now.Add(-p.retention)
	uc.events = slices.DeleteFunc(uc.events, func(e models.ExternalEvent) bool { return e.OccurredAt.Before(cutoff) })
	uc.signals = slices.DeleteFunc(uc.signals, func(s models.BehaviorSignal) bool { return s.DetectedAt.Before(cutoff) })
}

// GetContext implements engine.ContextProvider. A user without pushed context
// gets an empty snapshot.
func (p *MemoryProvider) GetContext(ctx context.Context, userID string, asOf time.Time) (models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := models.Snapshot{UserID: userID, AsOf: asOf, Metrics: map[string]float64{}}
	uc, ok := p.users[userID]
	if !ok {
		return snap, nil
	}
	snap.CalendarEvents = slices.Clone(uc.calendar)
	snap.Metrics = maps.Clone(uc.metrics)
	for _, ev := range uc.events {
		if !ev.OccurredAt.After(asOf) {
			ev.Fields = maps.Clone(ev.Fields)
			snap.ExternalEvents = append(snap.ExternalEvents, ev)
		}
	}
	for _, s := range uc.signals {
		if !s.DetectedAt.After(asOf) {
			snap.BehaviorSignals = append(snap.BehaviorSignals, s)
		}
	}
	return snap, nil
}

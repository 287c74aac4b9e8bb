package models

import "time"

// CalendarEvent is a calendar entry supplied by the context provider.
// The engine never mutates it.
type CalendarEvent struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	Location           string    `json:"location,omitempty"`
	AttendeeCount      int       `json:"attendee_count"`
	PreparationNeeded  bool      `json:"preparation_needed"`
	PreparationMinutes int       `json:"preparation_minutes"`
}

// Duration returns the event length, never negative.
func (e CalendarEvent) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}

// ExternalEvent is one entry of the context event stream.
type ExternalEvent struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// BehaviorSignal is a pattern reported by the behavior-pattern detector.
type BehaviorSignal struct {
	PatternID  string    `json:"pattern_id"`
	DetectedAt time.Time `json:"detected_at"`
	Confidence float64   `json:"confidence"`
}

// Snapshot is the context of one user at one instant. A tick reads exactly
// one snapshot.
type Snapshot struct {
	UserID          string             `json:"user_id"`
	AsOf            time.Time          `json:"as_of"`
	CalendarEvents  []CalendarEvent    `json:"calendar_events"`
	Metrics         map[string]float64 `json:"metrics"`
	ExternalEvents  []ExternalEvent    `json:"external_events"`
	BehaviorSignals []BehaviorSignal   `json:"behavior_signals"`
}

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the lifecycle status of an intervention state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusSnoozed   Status = "SNOOZED"
	StatusDismissed Status = "DISMISSED"
	StatusExpired   Status = "EXPIRED"
)

// IsValidStatus checks if the given status is known.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusDelivered, StatusSnoozed, StatusDismissed, StatusExpired:
		return true
	default:
		return false
	}
}

// StateKey identifies one intervention state.
type StateKey struct {
	UserID     string `json:"user_id"`
	SubjectKey string `json:"subject_key"`
	RuleID     string `json:"rule_id"`
}

func (k StateKey) String() string {
	return k.UserID + "/" + k.SubjectKey + "/" + k.RuleID
}

// InterventionState is the persisted lifecycle of one (user, subject, rule).
type InterventionState struct {
	UserID          string     `json:"user_id"`
	SubjectKey      string     `json:"subject_key"`
	RuleID          string     `json:"rule_id"`
	Status          Status     `json:"status"`
	Instance        time.Time  `json:"instance"` // version of the subject this state tracks
	FireAt          time.Time  `json:"fire_at"`
	SnoozeUntil     *time.Time `json:"snooze_until,omitempty"`
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`
	Attempts        int        `json:"attempts"` // failed sends for the current instance
	Held            bool       `json:"held"`     // condition still true since the instance began
	LastSeenAt      time.Time  `json:"last_seen_at"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Key returns the state's identity.
func (s *InterventionState) Key() StateKey {
	return StateKey{UserID: s.UserID, SubjectKey: s.SubjectKey, RuleID: s.RuleID}
}

// Candidate is a provisional intervention produced by evaluating one rule.
type Candidate struct {
	RuleID          string            `json:"rule_id"`
	RuleName        string            `json:"rule_name"`
	UserID          string            `json:"user_id"`
	SubjectKey      string            `json:"subject_key"`
	Instance        time.Time         `json:"instance"`
	FireAt          time.Time         `json:"fire_at"`
	ExpiresAt       time.Time         `json:"expires_at,omitempty"` // zero means no relevance window
	Payload         map[string]string `json:"payload,omitempty"`
	Template        string            `json:"template"`
	SuggestedMethod Method            `json:"suggested_method,omitempty"`
	Event           *CalendarEvent    `json:"event,omitempty"`
	OffsetMinutes   int               `json:"offset_minutes,omitempty"`
	StressScore     float64           `json:"stress_score,omitempty"`
	Expired         bool              `json:"expired"`
	Held            bool              `json:"held"`
	Order           int               `json:"order"`
}

// Key returns the state key the candidate reconciles against.
func (c *Candidate) Key() StateKey {
	return StateKey{UserID: c.UserID, SubjectKey: c.SubjectKey, RuleID: c.RuleID}
}

// IsCalendar reports whether the candidate is anchored to a calendar event.
func (c *Candidate) IsCalendar() bool { return c.Event != nil }

// ExpiredAt reports whether the candidate's relevance window has passed at now.
func (c *Candidate) ExpiredAt(now time.Time) bool {
	if c.Expired {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// DeliveryCommand is handed to a notification transport.
type DeliveryCommand struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	RuleID      string    `json:"rule_id"`
	SubjectKey  string    `json:"subject_key"`
	Method      Method    `json:"method"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Recipient   string    `json:"recipient,omitempty"`
	StressScore float64   `json:"stress_score,omitempty"`
	RiskScore   *float64  `json:"risk_score,omitempty"`
	FireAt      time.Time `json:"fire_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// CommandID derives a stable command id so transports can dedup resends.
// previous is the state's last delivery before this one (zero if none); it
// tells a redelivery after snooze apart from a retry of the same delivery.
func CommandID(key StateKey, instance, previous time.Time, attempt int) string {
	var prev int64
	if !previous.IsZero() {
		prev = previous.UnixNano()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d", key, instance.UnixNano(), prev, attempt)))
	return "cmd_" + hex.EncodeToString(sum[:10])
}

// Action is the outcome kind of a delivery decision.
type Action string

const (
	ActionDeliverNow Action = "deliver_now"
	ActionDefer      Action = "defer_until"
	ActionDrop       Action = "drop"
)

// Decision reasons.
const (
	ReasonExpired    = "EXPIRED"
	ReasonNoChannel  = "NO_CHANNEL"
	ReasonQuietHours = "QUIET_HOURS"
	ReasonNotYetDue  = "NOT_YET_DUE"
)

// Decision is the delivery policy's verdict for one candidate.
type Decision struct {
	Action Action    `json:"action"`
	Method Method    `json:"method,omitempty"`
	Until  time.Time `json:"until,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// DeliverNow returns a deliver decision on method.
func DeliverNow(m Method) Decision {
	return Decision{Action: ActionDeliverNow, Method: m}
}

// DeferUntil returns a deferral to t.
func DeferUntil(m Method, t time.Time, reason string) Decision {
	return Decision{Action: ActionDefer, Method: m, Until: t, Reason: reason}
}

// Drop returns a drop decision.
func Drop(reason string) Decision {
	return Decision{Action: ActionDrop, Reason: reason}
}

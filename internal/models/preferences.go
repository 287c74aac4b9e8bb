package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeOfDay is a local wall-clock time with minute resolution, stored as
// minutes since midnight and encoded as "HH:MM".
type TimeOfDay int

// ParseTimeOfDay parses an "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || len(s) < 4 || len(s) > 5 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay is ParseTimeOfDay for constants and tests.
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On returns the instant of t on the local calendar day of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	local := day.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

// MarshalJSON encodes the time as "HH:MM".
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes an "HH:MM" string.
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// QuietHours is a half-open local time-of-day interval [Start, End) that may
// wrap midnight. It is disabled unless both endpoints are set and differ.
type QuietHours struct {
	Start *TimeOfDay `json:"start,omitempty"`
	End   *TimeOfDay `json:"end,omitempty"`
}

// Enabled reports whether the interval is non-empty.
func (q QuietHours) Enabled() bool {
	return q.Start != nil && q.End != nil && *q.Start != *q.End
}

// Contains reports whether t falls inside the interval, evaluated in loc.
func (q QuietHours) Contains(t time.Time, loc *time.Location) bool {
	if !q.Enabled() {
		return false
	}
	local := t.In(loc)
	x := local.Hour()*3600 + local.Minute()*60 + local.Second()
	start := int(*q.Start) * 60
	end := int(*q.End) * 60
	if start < end {
		return x >= start && x < end
	}
	return x >= start || x < end
}

// EndAfter returns the first quiet-hours end instant strictly after t.
func (q QuietHours) EndAfter(t time.Time, loc *time.Location) time.Time {
	end := q.End.On(t, loc)
	if !end.After(t) {
		local := t.In(loc)
		end = q.End.On(time.Date(local.Year(), local.Month(), local.Day()+1, 12, 0, 0, 0, loc), loc)
	}
	return end
}

// UserPreferences holds per-user delivery preferences.
type UserPreferences struct {
	UserID            string            `json:"user_id"`
	PreferredMethod   Method            `json:"preferred_method,omitempty"`
	QuietHours        QuietHours        `json:"quiet_hours"`
	Timezone          string            `json:"timezone,omitempty"`         // IANA name, empty means UTC
	ReminderFrequency int               `json:"reminder_frequency"`         // minutes between two deliveries of the same rule
	Tone              string            `json:"tone,omitempty"`             // whitelisted tone tag
	AIEnabled         bool              `json:"ai_interventions_enabled"`   // enrich messages with the analysis collaborator
	MethodOverrides   map[string]Method `json:"method_overrides,omitempty"` // rule id -> method
	ContactPhone      string            `json:"contact_phone,omitempty"`    // E.164, used by phone transports
	UpdatedAt         time.Time         `json:"updated_at"`
}

// DefaultPreferences returns the preferences used when a user has none stored.
func DefaultPreferences(userID string) UserPreferences {
	return UserPreferences{
		UserID:          userID,
		PreferredMethod: MethodInAppMessage,
	}
}

// Validate checks the preference invariants.
func (p *UserPreferences) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.PreferredMethod != "" && !IsValidMethod(p.PreferredMethod) {
		return ErrInvalidMethod
	}
	if p.ReminderFrequency < 0 {
		return ErrNegativeFrequency
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimezone, p.Timezone)
		}
	}
	for ruleID, m := range p.MethodOverrides {
		if !IsValidMethod(m) {
			return fmt.Errorf("%w for rule %s: %q", ErrInvalidMethod, ruleID, m)
		}
	}
	return nil
}

// Location returns the user's timezone, falling back to UTC.
func (p *UserPreferences) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FrequencyCap returns the minimum spacing between deliveries of the same rule.
func (p *UserPreferences) FrequencyCap() time.Duration {
	return time.Duration(p.ReminderFrequency) * time.Minute
}

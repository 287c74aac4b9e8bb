package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TriggerCondition is the parsed, typed form of a rule's trigger condition.
// There is exactly one implementation per TriggerType.
type TriggerCondition interface {
	Type() TriggerType
	Validate() error
}

// Condition schema errors.
var (
	ErrEmptyCondition        = errors.New("trigger condition is empty")
	ErrAmbiguousTimeTrigger  = errors.New("time trigger needs exactly one of at, cron or offsetMinutes")
	ErrNegativeOffset        = errors.New("offsetMinutes cannot be negative")
	ErrInvalidWeekday        = errors.New("invalid weekday")
	ErrMissingMetric         = errors.New("metric is required")
	ErrInvalidComparator     = errors.New("invalid comparator")
	ErrMissingThreshold      = errors.New("threshold is required")
	ErrMissingEventType      = errors.New("eventType is required")
	ErrMissingPatternID      = errors.New("patternId is required")
	ErrInvalidLookback       = errors.New("lookbackMinutes must be positive")
	ErrInvalidConfidence     = errors.New("minConfidence must be between 0 and 1")
	ErrNegativeGrace         = errors.New("graceMinutes cannot be negative")
	ErrNegativeAttendeeLimit = errors.New("minAttendees cannot be negative")
)

// DefaultGraceMinutes is how long a wall-clock occurrence stays deliverable.
const DefaultGraceMinutes = 60

// TimeCondition fires at a wall-clock time (At + Days, or Cron) or OffsetMinutes
// before each qualifying calendar event.
type TimeCondition struct {
	At            string   `json:"at,omitempty"`   // "HH:MM" in the user's timezone
	Days          []string `json:"days,omitempty"` // mon..sun, empty = every day
	Cron          string   `json:"cron,omitempty"` // 5-field cron expression
	OffsetMinutes *int     `json:"offsetMinutes,omitempty"`
	TitleContains string   `json:"titleContains,omitempty"`
	MinAttendees  int      `json:"minAttendees,omitempty"`
	GraceMinutes  int      `json:"graceMinutes,omitempty"`
}

// Type implements TriggerCondition.
func (c *TimeCondition) Type() TriggerType { return TriggerTimeBased }

// IsEventRelative reports whether the condition is anchored to calendar events.
func (c *TimeCondition) IsEventRelative() bool { return c.OffsetMinutes != nil }

// Grace returns the relevance window for wall-clock occurrences in minutes.
func (c *TimeCondition) Grace() int {
	if c.GraceMinutes == 0 {
		return DefaultGraceMinutes
	}
	return c.GraceMinutes
}

// Validate implements TriggerCondition.
func (c *TimeCondition) Validate() error {
	set := 0
	if c.At != "" {
		set++
		if _, err := ParseTimeOfDay(c.At); err != nil {
			return err
		}
	}
	if c.Cron != "" {
		set++
	}
	if c.OffsetMinutes != nil {
		set++
		if *c.OffsetMinutes < 0 {
			return ErrNegativeOffset
		}
	}
	if set != 1 {
		return ErrAmbiguousTimeTrigger
	}
	for _, d := range c.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidWeekday, d)
		}
	}
	if c.GraceMinutes < 0 {
		return ErrNegativeGrace
	}
	if c.MinAttendees < 0 {
		return ErrNegativeAttendeeLimit
	}
	return nil
}

// CronSpec returns a 5-field cron expression for wall-clock conditions.
// At + Days is translated; Cron is returned as is.
func (c *TimeCondition) CronSpec() (string, error) {
	if c.Cron != "" {
		return c.Cron, nil
	}
	tod, err := ParseTimeOfDay(c.At)
	if err != nil {
		return "", err
	}
	dow := "*"
	if len(c.Days) > 0 {
		nums := make([]string, 0, len(c.Days))
		for _, d := range c.Days {
			n, ok := weekdays[strings.ToLower(d)]
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrInvalidWeekday, d)
			}
			nums = append(nums, fmt.Sprint(n))
		}
		dow = strings.Join(nums, ",")
	}
	return fmt.Sprintf("%d %d * * %s", tod.Minute(), tod.Hour(), dow), nil
}

// MatchesEvent applies the optional event filters.
func (c *TimeCondition) MatchesEvent(ev CalendarEvent) bool {
	if c.TitleContains != "" && !strings.Contains(strings.ToLower(ev.Title), strings.ToLower(c.TitleContains)) {
		return false
	}
	return ev.AttendeeCount >= c.MinAttendees
}

var weekdays = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// Comparator is the direction an activity metric must cross its threshold in.
type Comparator string

const (
	ComparatorGT  Comparator = "gt"
	ComparatorGTE Comparator = "gte"
	ComparatorLT  Comparator = "lt"
	ComparatorLTE Comparator = "lte"
	ComparatorEQ  Comparator = "eq"
)

var comparatorAliases = map[string]Comparator{
	">": ComparatorGT, ">=": ComparatorGTE, "<": ComparatorLT, "<=": ComparatorLTE, "==": ComparatorEQ, "=": ComparatorEQ,
}

// ActivityCondition fires when Metric crosses Threshold in the Comparator's direction.
type ActivityCondition struct {
	Metric     string     `json:"metric"`
	Comparator Comparator `json:"comparator"`
	Threshold  *float64   `json:"threshold"`
}

// Type implements TriggerCondition.
func (c *ActivityCondition) Type() TriggerType { return TriggerActivityBased }

// Validate implements TriggerCondition.
func (c *ActivityCondition) Validate() error {
	if strings.TrimSpace(c.Metric) == "" {
		return ErrMissingMetric
	}
	switch c.Comparator {
	case ComparatorGT, ComparatorGTE, ComparatorLT, ComparatorLTE, ComparatorEQ:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidComparator, c.Comparator)
	}
	if c.Threshold == nil {
		return ErrMissingThreshold
	}
	return nil
}

// Crossed reports whether value is on the firing side of the threshold.
func (c *ActivityCondition) Crossed(value float64) bool {
	t := *c.Threshold
	switch c.Comparator {
	case ComparatorGT:
		return value > t
	case ComparatorGTE:
		return value >= t
	case ComparatorLT:
		return value < t
	case ComparatorLTE:
		return value <= t
	case ComparatorEQ:
		return value == t
	}
	return false
}

// ExternalEventCondition fires for each context event of EventType whose
// fields equal every entry of Filters.
type ExternalEventCondition struct {
	EventType string            `json:"eventType"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// Type implements TriggerCondition.
func (c *ExternalEventCondition) Type() TriggerType { return TriggerExternalEvent }

// Validate implements TriggerCondition.
func (c *ExternalEventCondition) Validate() error {
	if strings.TrimSpace(c.EventType) == "" {
		return ErrMissingEventType
	}
	return nil
}

// Matches reports whether ev satisfies the condition.
func (c *ExternalEventCondition) Matches(ev ExternalEvent) bool {
	if !strings.EqualFold(ev.Type, c.EventType) {
		return false
	}
	for k, v := range c.Filters {
		if ev.Fields[k] != v {
			return false
		}
	}
	return true
}

// BehaviorPatternCondition fires when the detector reported PatternID within
// the last LookbackMinutes with at least MinConfidence.
type BehaviorPatternCondition struct {
	PatternID       string  `json:"patternId"`
	LookbackMinutes int     `json:"lookbackMinutes"`
	MinConfidence   float64 `json:"minConfidence,omitempty"`
}

// Type implements TriggerCondition.
func (c *BehaviorPatternCondition) Type() TriggerType { return TriggerBehaviorPattern }

// Validate implements TriggerCondition.
func (c *BehaviorPatternCondition) Validate() error {
	if strings.TrimSpace(c.PatternID) == "" {
		return ErrMissingPatternID
	}
	if c.LookbackMinutes <= 0 {
		return ErrInvalidLookback
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return ErrInvalidConfidence
	}
	return nil
}

// ParseCondition decodes and validates a rule's raw condition against the
// schema for its trigger type. Unknown fields are rejected. Every failure is
// returned as *InvalidRuleConditionError.
func ParseCondition(rule InterventionRule) (TriggerCondition, error) {
	wrap := func(err error) error {
		return &InvalidRuleConditionError{RuleID: rule.ID, TriggerType: rule.TriggerType, Err: err}
	}
	raw := bytes.TrimSpace(rule.Condition)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, wrap(ErrEmptyCondition)
	}

	var cond TriggerCondition
	switch rule.TriggerType {
	case TriggerTimeBased:
		cond = &TimeCondition{}
	case TriggerActivityBased:
		cond = &ActivityCondition{}
	case TriggerExternalEvent:
		cond = &ExternalEventCondition{}
	case TriggerBehaviorPattern:
		cond = &BehaviorPatternCondition{}
	default:
		return nil, wrap(ErrInvalidTriggerType)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cond); err != nil {
		return nil, wrap(fmt.Errorf("decode: %w", err))
	}

	if ac, ok := cond.(*ActivityCondition); ok {
		if alias, ok := comparatorAliases[string(ac.Comparator)]; ok {
			ac.Comparator = alias
		}
		ac.Comparator = Comparator(strings.ToLower(string(ac.Comparator)))
	}

	if err := cond.Validate(); err != nil {
		return nil, wrap(err)
	}
	return cond, nil
}

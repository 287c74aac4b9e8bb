package models

import (
	"encoding/json"
	"sort"
	"time"
)

// InterventionRule is a user-configured rule deciding when to interrupt the user.
// Condition holds the raw JSON payload as stored; it is parsed into a
// TriggerCondition by ParseCondition when the rule is loaded.
type InterventionRule struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Name            string          `json:"name"`
	TriggerType     TriggerType     `json:"trigger_type"`
	Condition       json.RawMessage `json:"trigger_condition"`
	MessageTemplate string          `json:"message_template"`
	Method          Method          `json:"method,omitempty"` // empty means no rule-level override
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate checks the structural fields of a rule. The trigger condition itself
// is validated separately by ParseCondition so that a bad payload quarantines
// the rule instead of rejecting the whole rule set.
func (r *InterventionRule) Validate() error {
	if r.ID == "" {
		return ErrEmptyRuleID
	}
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidTriggerType(r.TriggerType) {
		return ErrInvalidTriggerType
	}
	if r.Method != "" && !IsValidMethod(r.Method) {
		return ErrInvalidMethod
	}
	return nil
}

// CompiledRule pairs a rule with its parsed trigger condition.
type CompiledRule struct {
	Rule      InterventionRule
	Condition TriggerCondition
}

// SortRulesByCreation orders rules by creation time, then id, so that
// evaluation order inside a tick is deterministic.
func SortRulesByCreation(rules []InterventionRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return ruleLess(rules[i], rules[j])
	})
}

func ruleLess(a, b InterventionRule) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

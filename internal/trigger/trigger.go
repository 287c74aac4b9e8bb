// Package trigger matches intervention rules against a user's context snapshot.
//
// Evaluate is a pure function: it reads the rule, the snapshot and the prior
// intervention states and returns candidates. It performs no I/O and never
// mutates its inputs.
package trigger

import (
	"sort"
	"strconv"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
	"github.com/robfig/cron/v3"
)

// CalendarLookahead bounds how far ahead calendar events produce candidates.
const CalendarLookahead = 24 * time.Hour

const maxOccurrenceSteps = 1440

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Input is everything one evaluation may read.
type Input struct {
	Snapshot models.Snapshot
	// Prior holds the user's stored states; it is consulted read-only to tell
	// "newly crossed" from "still crossed".
	Prior    map[models.StateKey]models.InterventionState
	Location *time.Location
	Now      time.Time
}

// Evaluate returns the candidates rule produces for in. Inactive rules and
// rules without a parsed condition produce nothing.
func Evaluate(rule models.CompiledRule, in Input) []models.Candidate {
	if !rule.Rule.IsActive || rule.Condition == nil {
		return nil
	}
	if in.Location == nil {
		in.Location = time.UTC
	}

	switch cond := rule.Condition.(type) {
	case *models.TimeCondition:
		if cond.IsEventRelative() {
			return evaluateEventOffset(rule.Rule, cond, in)
		}
		return evaluateWallClock(rule.Rule, cond, in)
	case *models.ActivityCondition:
		return evaluateActivity(rule.Rule, cond, in)
	case *models.ExternalEventCondition:
		return evaluateExternal(rule.Rule, cond, in)
	case *models.BehaviorPatternCondition:
		return evaluateBehavior(rule.Rule, cond, in)
	}
	return nil
}

func baseCandidate(rule models.InterventionRule, subject string) models.Candidate {
	return models.Candidate{
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		UserID:          rule.UserID,
		SubjectKey:      subject,
		Template:        rule.MessageTemplate,
		SuggestedMethod: rule.Method,
		Payload:         map[string]string{"rule_name": rule.Name},
	}
}

// parkedUntil returns when a state held back by a deferral or a snooze becomes
// due again. It reports false for any other state.
func parkedUntil(st models.InterventionState) (time.Time, bool) {
	switch st.Status {
	case models.StatusSnoozed:
		if st.SnoozeUntil != nil {
			return *st.SnoozeUntil, true
		}
	case models.StatusPending:
		if st.FireAt.After(st.Instance) {
			return st.FireAt, true
		}
	}
	return time.Time{}, false
}

// evaluateWallClock emits the current occurrence of an at/cron schedule while
// it is inside its grace window. An occurrence whose state was deferred or
// snoozed past the window keeps being emitted until grace after it is due.
func evaluateWallClock(rule models.InterventionRule, cond *models.TimeCondition, in Input) []models.Candidate {
	spec, err := cond.CronSpec()
	if err != nil {
		return nil
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil
	}
	grace := time.Duration(cond.Grace()) * time.Minute
	occurrence := sched.Next(in.Now.In(in.Location).Add(-grace))
	if occurrence.IsZero() || occurrence.After(in.Now) {
		return carryParked(rule, in, grace)
	}
	// Advance to the latest occurrence that is not in the future.
	for i := 0; i < maxOccurrenceSteps; i++ {
		next := sched.Next(occurrence)
		if next.IsZero() || next.After(in.Now) {
			break
		}
		occurrence = next
	}

	c := baseCandidate(rule, rule.ID)
	c.Instance = occurrence
	c.FireAt = occurrence
	c.ExpiresAt = occurrence.Add(grace)
	c.Payload["scheduled_time"] = occurrence.In(in.Location).Format("15:04")
	return []models.Candidate{c}
}

func carryParked(rule models.InterventionRule, in Input, grace time.Duration) []models.Candidate {
	c := baseCandidate(rule, rule.ID)
	prior, ok := in.Prior[c.Key()]
	if !ok || prior.Instance.IsZero() || prior.Instance.After(in.Now) {
		return nil
	}
	due, parked := parkedUntil(prior)
	if !parked || !in.Now.Before(due.Add(grace)) {
		return nil
	}
	c.Instance = prior.Instance
	c.FireAt = prior.Instance
	c.ExpiresAt = due.Add(grace)
	c.Payload["scheduled_time"] = prior.Instance.In(in.Location).Format("15:04")
	return []models.Candidate{c}
}

// evaluateEventOffset emits one calendar candidate per qualifying event that
// has not ended and starts within the lookahead. The preparation flag is not
// consulted here.
func evaluateEventOffset(rule models.InterventionRule, cond *models.TimeCondition, in Input) []models.Candidate {
	var out []models.Candidate
	horizon := in.Now.Add(CalendarLookahead)
	for _, ev := range in.Snapshot.CalendarEvents {
		if ev.ID == "" || !ev.End.After(in.Now) || ev.Start.After(horizon) {
			continue
		}
		if !cond.MatchesEvent(ev) {
			continue
		}
		event := ev
		c := baseCandidate(rule, ev.ID)
		c.Instance = ev.Start
		c.ExpiresAt = ev.Start
		c.Event = &event
		c.OffsetMinutes = *cond.OffsetMinutes
		out = append(out, c)
	}
	return out
}

// heldInstance returns the instance of a condition that is still held from a
// previous tick, or crossedAt when the crossing is new.
func heldInstance(in Input, key models.StateKey, crossedAt time.Time) time.Time {
	if prior, ok := in.Prior[key]; ok && prior.Held {
		return prior.Instance
	}
	return crossedAt
}

func evaluateActivity(rule models.InterventionRule, cond *models.ActivityCondition, in Input) []models.Candidate {
	value, ok := in.Snapshot.Metrics[cond.Metric]
	if !ok || !cond.Crossed(value) {
		return nil
	}
	c := baseCandidate(rule, rule.ID)
	c.Instance = heldInstance(in, c.Key(), in.Now)
	c.FireAt = c.Instance
	c.Held = true
	c.Payload["metric"] = cond.Metric
	c.Payload["value"] = strconv.FormatFloat(value, 'f', -1, 64)
	c.Payload["threshold"] = strconv.FormatFloat(*cond.Threshold, 'f', -1, 64)
	return []models.Candidate{c}
}

func evaluateExternal(rule models.InterventionRule, cond *models.ExternalEventCondition, in Input) []models.Candidate {
	var out []models.Candidate
	for _, ev := range in.Snapshot.ExternalEvents {
		if ev.ID == "" || !cond.Matches(ev) {
			continue
		}
		c := baseCandidate(rule, "ext:"+ev.ID)
		c.Instance = ev.OccurredAt
		c.FireAt = ev.OccurredAt
		for k, v := range ev.Fields {
			c.Payload[k] = v
		}
		c.Payload["event_type"] = ev.Type
		c.Payload["event_id"] = ev.ID
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubjectKey < out[j].SubjectKey })
	return out
}

func evaluateBehavior(rule models.InterventionRule, cond *models.BehaviorPatternCondition, in Input) []models.Candidate {
	windowStart := in.Now.Add(-time.Duration(cond.LookbackMinutes) * time.Minute)
	var latest *models.BehaviorSignal
	for i := range in.Snapshot.BehaviorSignals {
		sig := &in.Snapshot.BehaviorSignals[i]
		if sig.PatternID != cond.PatternID || sig.Confidence < cond.MinConfidence {
			continue
		}
		if !sig.DetectedAt.After(windowStart) || sig.DetectedAt.After(in.Now) {
			continue
		}
		if latest == nil || sig.DetectedAt.After(latest.DetectedAt) {
			latest = sig
		}
	}
	if latest == nil {
		return nil
	}
	c := baseCandidate(rule, rule.ID)
	c.Instance = heldInstance(in, c.Key(), latest.DetectedAt)
	c.FireAt = c.Instance
	c.Held = true
	c.Payload["pattern_id"] = cond.PatternID
	c.Payload["confidence"] = strconv.FormatFloat(latest.Confidence, 'f', 2, 64)
	return []models.Candidate{c}
}

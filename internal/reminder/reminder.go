// Package reminder computes stress scores and fire instants for candidates
// anchored to calendar events.
package reminder

import (
	"math"
	"strconv"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

// Scheduler derives calendar-specific timing for candidates.
type Scheduler struct {
	cfg Config
}

// New creates a Scheduler. The config is assumed valid.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// Config returns the scheduler's configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// StressScore rates ev on a 0-100 scale. calendar is the user's full event
// list and is used to find the preceding event.
func (s *Scheduler) StressScore(ev models.CalendarEvent, calendar []models.CalendarEvent) float64 {
	w, caps := s.cfg.Weights, s.cfg.Caps
	total := w.Attendees + w.Duration + w.BackToBack + w.Preparation
	if total <= 0 {
		return 0
	}
	attendees := ratio(float64(ev.AttendeeCount), float64(caps.Attendees))
	duration := ratio(ev.Duration().Minutes(), float64(caps.DurationMinutes))
	backToBack := backToBackFactor(ev, calendar, time.Duration(caps.BackToBackGapMinutes)*time.Minute)
	prep := ratio(float64(preparationMinutes(ev)), float64(caps.PreparationMinutes))

	sum := w.Attendees*attendees + w.Duration*duration + w.BackToBack*backToBack + w.Preparation*prep
	return math.Round(sum/total*1000) / 10
}

// LeadTime is how long before the event start the reminder fires.
func LeadTime(ev models.CalendarEvent, offsetMinutes int) time.Duration {
	lead := preparationMinutes(ev)
	if offsetMinutes > lead {
		lead = offsetMinutes
	}
	return time.Duration(lead) * time.Minute
}

// Schedule fills in the fire instant, stress score and template variables of
// a calendar candidate. Non-calendar candidates are returned unchanged.
//
// The fire instant is never earlier than now: a reminder computed late fires
// immediately. A candidate whose event has already started is marked expired.
func (s *Scheduler) Schedule(c models.Candidate, calendar []models.CalendarEvent, loc *time.Location, now time.Time) models.Candidate {
	if c.Event == nil {
		return c
	}
	if loc == nil {
		loc = time.UTC
	}
	ev := *c.Event

	c.StressScore = s.StressScore(ev, calendar)
	if !ev.Start.After(now) {
		c.Expired = true
		c.FireAt = ev.Start
	} else {
		c.FireAt = ev.Start.Add(-LeadTime(ev, c.OffsetMinutes))
		if c.FireAt.Before(now) {
			c.FireAt = now
		}
	}

	payload := make(map[string]string, len(c.Payload)+6)
	for k, v := range c.Payload {
		payload[k] = v
	}
	payload["event_title"] = ev.Title
	payload["start_time"] = ev.Start.In(loc).Format("15:04")
	payload["minutes_until"] = strconv.Itoa(minutesUntil(ev.Start, now))
	payload["stress_score"] = strconv.Itoa(int(math.Round(c.StressScore)))
	payload["attendees"] = strconv.Itoa(ev.AttendeeCount)
	payload["location"] = ev.Location
	c.Payload = payload
	return c
}

func preparationMinutes(ev models.CalendarEvent) int {
	if !ev.PreparationNeeded || ev.PreparationMinutes < 0 {
		return 0
	}
	return ev.PreparationMinutes
}

// backToBackFactor is 1 when ev starts right after (or overlaps) another
// event and falls linearly to 0 at a gap of threshold.
func backToBackFactor(ev models.CalendarEvent, calendar []models.CalendarEvent, threshold time.Duration) float64 {
	var prevEnd time.Time
	found := false
	for _, other := range calendar {
		if other.ID == ev.ID || !other.Start.Before(ev.Start) {
			continue
		}
		if !found || other.End.After(prevEnd) {
			prevEnd = other.End
			found = true
		}
	}
	if !found {
		return 0
	}
	gap := ev.Start.Sub(prevEnd)
	if gap <= 0 {
		return 1
	}
	return 1 - ratio(float64(gap), float64(threshold))
}

func minutesUntil(start, now time.Time) int {
	if !start.After(now) {
		return 0
	}
	return int(math.Ceil(start.Sub(now).Minutes()))
}

func ratio(v, limit float64) float64 {
	if limit <= 0 || v <= 0 {
		return 0
	}
	if v >= limit {
		return 1
	}
	return v / limit
}

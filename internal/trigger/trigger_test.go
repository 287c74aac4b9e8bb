package trigger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

var testNow = time.Date(2025, 3, 3, 13, 0, 0, 0, time.UTC) // a Monday

func compiled(t *testing.T, tt models.TriggerType, cond string) models.CompiledRule {
	t.Helper()
	rule := models.InterventionRule{
		ID:              "rule-1",
		UserID:          "user-1",
		Name:            "test rule",
		TriggerType:     tt,
		Condition:       json.RawMessage(cond),
		MessageTemplate: "hello",
		IsActive:        true,
	}
	parsed, err := models.ParseCondition(rule)
	if err != nil {
		t.Fatalf("ParseCondition() error = %v", err)
	}
	return models.CompiledRule{Rule: rule, Condition: parsed}
}

func TestEvaluateInactiveRuleProducesNothing(t *testing.T) {
	in := Input{
		Snapshot: models.Snapshot{
			CalendarEvents: []models.CalendarEvent{{ID: "e1", Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour)}},
			Metrics:        map[string]float64{"screen_minutes": 500},
			ExternalEvents: []models.ExternalEvent{{ID: "x1", Type: "deadline", OccurredAt: testNow}},
			BehaviorSignals: []models.BehaviorSignal{
				{PatternID: "late_night", DetectedAt: testNow.Add(-time.Minute), Confidence: 1},
			},
		},
		Now: testNow,
	}
	rules := []models.CompiledRule{
		compiled(t, models.TriggerTimeBased, `{"offsetMinutes":30}`),
		compiled(t, models.TriggerTimeBased, `{"at":"12:30"}`),
		compiled(t, models.TriggerActivityBased, `{"metric":"screen_minutes","comparator":"gt","threshold":1}`),
		compiled(t, models.TriggerExternalEvent, `{"eventType":"deadline"}`),
		compiled(t, models.TriggerBehaviorPattern, `{"patternId":"late_night","lookbackMinutes":60}`),
	}
	for _, r := range rules {
		if got := Evaluate(r, in); len(got) == 0 {
			t.Fatalf("active %s rule produced nothing", r.Rule.TriggerType)
		}
		r.Rule.IsActive = false
		if got := Evaluate(r, in); len(got) != 0 {
			t.Errorf("inactive %s rule produced %d candidates", r.Rule.TriggerType, len(got))
		}
	}
}

func TestEvaluateEventOffset(t *testing.T) {
	rule := compiled(t, models.TriggerTimeBased, `{"offsetMinutes":30,"minAttendees":2}`)
	in := Input{
		Snapshot: models.Snapshot{CalendarEvents: []models.CalendarEvent{
			{ID: "planning", Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour), AttendeeCount: 4},
			{ID: "solo", Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour), AttendeeCount: 1},
			{ID: "ended", Start: testNow.Add(-2 * time.Hour), End: testNow.Add(-time.Hour), AttendeeCount: 4},
			{ID: "far", Start: testNow.Add(48 * time.Hour), End: testNow.Add(49 * time.Hour), AttendeeCount: 4},
		}},
		Now: testNow,
	}
	got := Evaluate(rule, in)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	c := got[0]
	if c.SubjectKey != "planning" || c.Event == nil || c.OffsetMinutes != 30 {
		t.Errorf("unexpected candidate %+v", c)
	}
	if !c.Instance.Equal(testNow.Add(time.Hour)) {
		t.Errorf("Instance = %v, want event start", c.Instance)
	}
	if c.Event.PreparationNeeded {
		t.Error("fixture event should not need preparation")
	}
}

func TestEvaluateWallClock(t *testing.T) {
	tests := []struct {
		name     string
		cond     string
		now      time.Time
		wantFire *time.Time
	}{
		{"inside grace", `{"at":"12:30"}`, testNow, ptr(time.Date(2025, 3, 3, 12, 30, 0, 0, time.UTC))},
		{"exactly at", `{"at":"13:00"}`, testNow, ptr(testNow)},
		{"not yet", `{"at":"13:30"}`, testNow, nil},
		{"grace passed", `{"at":"11:30"}`, testNow, nil},
		{"short grace", `{"at":"12:30","graceMinutes":15}`, testNow, nil},
		{"wrong day", `{"at":"12:30","days":["tue"]}`, testNow, nil},
		{"right day", `{"at":"12:30","days":["mon"]}`, testNow, ptr(time.Date(2025, 3, 3, 12, 30, 0, 0, time.UTC))},
		{"cron", `{"cron":"*/15 * * * *"}`, testNow.Add(7 * time.Minute), ptr(testNow)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(compiled(t, models.TriggerTimeBased, tt.cond), Input{Now: tt.now})
			if tt.wantFire == nil {
				if len(got) != 0 {
					t.Fatalf("got %+v, want none", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("got %d candidates, want 1", len(got))
			}
			if !got[0].FireAt.Equal(*tt.wantFire) || !got[0].Instance.Equal(*tt.wantFire) {
				t.Errorf("FireAt = %v, want %v", got[0].FireAt, *tt.wantFire)
			}
			if got[0].SubjectKey != "rule-1" {
				t.Errorf("SubjectKey = %q, want rule id", got[0].SubjectKey)
			}
		})
	}
}

func TestEvaluateWallClockUsesUserTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 13:00 UTC is 14:00 in Berlin in March before DST.
	rule := compiled(t, models.TriggerTimeBased, `{"at":"13:45"}`)
	got := Evaluate(rule, Input{Now: testNow, Location: loc})
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if want := time.Date(2025, 3, 3, 12, 45, 0, 0, time.UTC); !got[0].FireAt.Equal(want) {
		t.Errorf("FireAt = %v, want %v", got[0].FireAt, want)
	}
}

func TestEvaluateActivityHeld(t *testing.T) {
	rule := compiled(t, models.TriggerActivityBased, `{"metric":"focus_minutes","comparator":"gte","threshold":90}`)
	in := Input{Snapshot: models.Snapshot{Metrics: map[string]float64{"focus_minutes": 95}}, Now: testNow}

	first := Evaluate(rule, in)
	if len(first) != 1 || !first[0].Held || !first[0].Instance.Equal(testNow) {
		t.Fatalf("first crossing = %+v", first)
	}

	crossedAt := testNow.Add(-10 * time.Minute)
	in.Prior = map[models.StateKey]models.InterventionState{
		first[0].Key(): {UserID: "user-1", SubjectKey: "rule-1", RuleID: "rule-1", Held: true, Instance: crossedAt},
	}
	second := Evaluate(rule, in)
	if len(second) != 1 || !second[0].Instance.Equal(crossedAt) {
		t.Errorf("still-crossed candidate should reuse prior instance, got %+v", second)
	}

	in.Prior[first[0].Key()] = models.InterventionState{Held: false, Instance: crossedAt}
	third := Evaluate(rule, in)
	if len(third) != 1 || !third[0].Instance.Equal(testNow) {
		t.Errorf("re-crossing should start a new instance, got %+v", third)
	}

	in.Snapshot.Metrics["focus_minutes"] = 10
	if got := Evaluate(rule, in); len(got) != 0 {
		t.Errorf("uncrossed metric produced %+v", got)
	}
	delete(in.Snapshot.Metrics, "focus_minutes")
	if got := Evaluate(rule, in); len(got) != 0 {
		t.Errorf("missing metric produced %+v", got)
	}
}

func TestEvaluateExternalEvent(t *testing.T) {
	rule := compiled(t, models.TriggerExternalEvent, `{"eventType":"deadline","filters":{"severity":"high"}}`)
	in := Input{Snapshot: models.Snapshot{ExternalEvents: []models.ExternalEvent{
		{ID: "b", Type: "deadline", OccurredAt: testNow, Fields: map[string]string{"severity": "high", "project": "atlas"}},
		{ID: "a", Type: "deadline", OccurredAt: testNow, Fields: map[string]string{"severity": "high"}},
		{ID: "c", Type: "deadline", OccurredAt: testNow, Fields: map[string]string{"severity": "low"}},
		{ID: "d", Type: "standup", OccurredAt: testNow},
	}}, Now: testNow}
	got := Evaluate(rule, in)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].SubjectKey != "ext:a" || got[1].SubjectKey != "ext:b" {
		t.Errorf("subjects = %s, %s", got[0].SubjectKey, got[1].SubjectKey)
	}
	if got[1].Payload["project"] != "atlas" {
		t.Errorf("event fields missing from payload: %v", got[1].Payload)
	}
}

func TestEvaluateBehaviorPattern(t *testing.T) {
	rule := compiled(t, models.TriggerBehaviorPattern, `{"patternId":"skipped_lunch","lookbackMinutes":60,"minConfidence":0.6}`)
	tests := []struct {
		name    string
		signals []models.BehaviorSignal
		want    int
	}{
		{"inside window", []models.BehaviorSignal{{PatternID: "skipped_lunch", DetectedAt: testNow.Add(-30 * time.Minute), Confidence: 0.8}}, 1},
		{"outside window", []models.BehaviorSignal{{PatternID: "skipped_lunch", DetectedAt: testNow.Add(-90 * time.Minute), Confidence: 0.8}}, 0},
		{"low confidence", []models.BehaviorSignal{{PatternID: "skipped_lunch", DetectedAt: testNow.Add(-5 * time.Minute), Confidence: 0.2}}, 0},
		{"other pattern", []models.BehaviorSignal{{PatternID: "late_night", DetectedAt: testNow.Add(-5 * time.Minute), Confidence: 0.9}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(rule, Input{Snapshot: models.Snapshot{BehaviorSignals: tt.signals}, Now: testNow})
			if len(got) != tt.want {
				t.Errorf("got %d candidates, want %d", len(got), tt.want)
			}
		})
	}
}

func TestEvaluateDoesNotMutatePrior(t *testing.T) {
	rule := compiled(t, models.TriggerActivityBased, `{"metric":"m","comparator":"gt","threshold":1}`)
	key := models.StateKey{UserID: "user-1", SubjectKey: "rule-1", RuleID: "rule-1"}
	prior := map[models.StateKey]models.InterventionState{key: {Held: true, Instance: testNow.Add(-time.Hour), Version: 3}}
	Evaluate(rule, Input{Snapshot: models.Snapshot{Metrics: map[string]float64{"m": 2}}, Prior: prior, Now: testNow})
	if prior[key].Version != 3 || !prior[key].Held {
		t.Errorf("prior state mutated: %+v", prior[key])
	}
}

func TestEvaluateWallClockCarriesParkedOccurrence(t *testing.T) {
	rule := compiled(t, models.TriggerTimeBased, `{"at":"13:00"}`)
	key := models.StateKey{UserID: "user-1", SubjectKey: "rule-1", RuleID: "rule-1"}
	tests := []struct {
		name  string
		state models.InterventionState
		now   time.Time
		want  bool
	}{
		{"deferred past grace", models.InterventionState{Status: models.StatusPending, Instance: testNow, FireAt: testNow.Add(2 * time.Hour)}, testNow.Add(2 * time.Hour), true},
		{"deferred, not yet due", models.InterventionState{Status: models.StatusPending, Instance: testNow, FireAt: testNow.Add(2 * time.Hour)}, testNow.Add(90 * time.Minute), true},
		{"deferred, grace after due passed", models.InterventionState{Status: models.StatusPending, Instance: testNow, FireAt: testNow.Add(2 * time.Hour)}, testNow.Add(3 * time.Hour), false},
		{"snoozed past grace", models.InterventionState{Status: models.StatusSnoozed, Instance: testNow, FireAt: testNow, SnoozeUntil: ptr(testNow.Add(95 * time.Minute))}, testNow.Add(95 * time.Minute), true},
		{"pending, never deferred", models.InterventionState{Status: models.StatusPending, Instance: testNow, FireAt: testNow}, testNow.Add(2 * time.Hour), false},
		{"delivered", models.InterventionState{Status: models.StatusDelivered, Instance: testNow, FireAt: testNow}, testNow.Add(2 * time.Hour), false},
		{"dismissed", models.InterventionState{Status: models.StatusDismissed, Instance: testNow, FireAt: testNow.Add(2 * time.Hour)}, testNow.Add(2 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prior := map[models.StateKey]models.InterventionState{key: tt.state}
			got := Evaluate(rule, Input{Prior: prior, Now: tt.now})
			if !tt.want {
				if len(got) != 0 {
					t.Fatalf("got %+v, want none", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("got %d candidates, want 1", len(got))
			}
			if !got[0].Instance.Equal(testNow) {
				t.Errorf("Instance = %v, want %v", got[0].Instance, testNow)
			}
			if got[0].ExpiredAt(tt.now) {
				t.Errorf("candidate expired at %v, ExpiresAt = %v", tt.now, got[0].ExpiresAt)
			}
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }

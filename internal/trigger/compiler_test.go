package trigger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

func TestCompilerQuarantinesInvalidRules(t *testing.T) {
	c, err := NewCompiler(16)
	if err != nil {
		t.Fatalf("NewCompiler() error = %v", err)
	}
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	rules := []models.InterventionRule{
		{ID: "good", UserID: "u", TriggerType: models.TriggerTimeBased, Condition: json.RawMessage(`{"offsetMinutes":15}`), IsActive: true, UpdatedAt: created},
		{ID: "bad-json", UserID: "u", TriggerType: models.TriggerActivityBased, Condition: json.RawMessage(`{"metric":`), IsActive: true, UpdatedAt: created},
		{ID: "bad-cron", UserID: "u", TriggerType: models.TriggerTimeBased, Condition: json.RawMessage(`{"cron":"every tuesday"}`), IsActive: true, UpdatedAt: created},
	}
	ok, invalid := c.CompileAll(rules)
	if len(ok) != 1 || ok[0].Rule.ID != "good" {
		t.Fatalf("compiled = %+v", ok)
	}
	if len(invalid) != 2 {
		t.Fatalf("invalid = %v, want 2 errors", invalid)
	}
	for _, err := range invalid {
		if !models.IsInvalidRuleCondition(err) {
			t.Errorf("error %v is not an InvalidRuleConditionError", err)
		}
	}

	// Same revision is served from cache, still quarantined.
	if _, err := c.Compile(rules[1]); err == nil {
		t.Error("cached invalid rule compiled")
	}

	// A new revision is parsed again.
	fixed := rules[1]
	fixed.Condition = json.RawMessage(`{"metric":"m","comparator":"lt","threshold":3}`)
	fixed.UpdatedAt = created.Add(time.Minute)
	cr, err := c.Compile(fixed)
	if err != nil {
		t.Fatalf("Compile(fixed) error = %v", err)
	}
	if cr.Condition.Type() != models.TriggerActivityBased {
		t.Errorf("Type() = %s", cr.Condition.Type())
	}
}

func TestCompiledRuleCarriesCurrentRuleFields(t *testing.T) {
	c, _ := NewCompiler(0)
	rule := models.InterventionRule{ID: "r", UserID: "u", TriggerType: models.TriggerExternalEvent, Condition: json.RawMessage(`{"eventType":"x"}`), IsActive: true}
	if _, err := c.Compile(rule); err != nil {
		t.Fatal(err)
	}
	rule.IsActive = false
	cr, err := c.Compile(rule)
	if err != nil {
		t.Fatal(err)
	}
	if cr.Rule.IsActive {
		t.Error("compiled rule should reflect the rule passed in")
	}
}

func TestCheckParsesSchedule(t *testing.T) {
	tests := []struct {
		cond    string
		wantErr bool
	}{
		{`{"cron":"*/15 * * * *"}`, false},
		{`{"at":"09:00","days":["mon"]}`, false},
		{`{"cron":"bogus"}`, true},
		{`{"cron":"0 0 9 * * *"}`, true},
	}
	for _, tt := range tests {
		rule := models.InterventionRule{ID: "r", UserID: "u", TriggerType: models.TriggerTimeBased, Condition: json.RawMessage(tt.cond)}
		err := Check(rule)
		if (err != nil) != tt.wantErr {
			t.Errorf("Check(%s) error = %v, wantErr %v", tt.cond, err, tt.wantErr)
		}
		if err != nil && !models.IsInvalidRuleCondition(err) {
			t.Errorf("Check(%s) error %v is not an InvalidRuleConditionError", tt.cond, err)
		}
	}
}

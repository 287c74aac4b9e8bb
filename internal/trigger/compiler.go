package trigger

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/Respite/internal/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCompilerCacheSize is the number of rule revisions kept compiled.
const DefaultCompilerCacheSize = 4096

type compileKey struct {
	ruleID    string
	updatedAt int64
}

type compileEntry struct {
	cond models.TriggerCondition
	err  error
}

// Compiler parses rule conditions once per rule revision. Invalid revisions
// are cached too, so a broken rule is reported once and stays quarantined
// until it is edited.
type Compiler struct {
	cache *lru.Cache[compileKey, compileEntry]
}

// NewCompiler creates a compiler with room for size rule revisions.
func NewCompiler(size int) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCompilerCacheSize
	}
	cache, err := lru.New[compileKey, compileEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule cache: %w", err)
	}
	return &Compiler{cache: cache}, nil
}

// Compile returns the parsed rule or an *models.InvalidRuleConditionError.
func (c *Compiler) Compile(rule models.InterventionRule) (models.CompiledRule, error) {
	key := compileKey{ruleID: rule.ID, updatedAt: rule.UpdatedAt.UnixNano()}
	entry, ok := c.cache.Get(key)
	if !ok {
		entry.cond, entry.err = compile(rule)
		if entry.err != nil {
			slog.Warn("Compiler.Compile: rule quarantined", "rule_id", rule.ID, "user_id", rule.UserID, "error", entry.err)
		}
		c.cache.Add(key, entry)
	}
	if entry.err != nil {
		return models.CompiledRule{}, entry.err
	}
	return models.CompiledRule{Rule: rule, Condition: entry.cond}, nil
}

// CompileAll compiles rules in order, returning the valid ones and the
// quarantine errors separately.
func (c *Compiler) CompileAll(rules []models.InterventionRule) ([]models.CompiledRule, []error) {
	compiled := make([]models.CompiledRule, 0, len(rules))
	var invalid []error
	for _, r := range rules {
		cr, err := c.Compile(r)
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		compiled = append(compiled, cr)
	}
	return compiled, invalid
}

// Check parses rule's condition, including its schedule, without caching.
func Check(rule models.InterventionRule) error {
	_, err := compile(rule)
	return err
}

func compile(rule models.InterventionRule) (models.TriggerCondition, error) {
	cond, err := models.ParseCondition(rule)
	if err != nil {
		return nil, err
	}
	if tc, ok := cond.(*models.TimeCondition); ok && !tc.IsEventRelative() {
		spec, err := tc.CronSpec()
		if err == nil {
			_, err = cronParser.Parse(spec)
		}
		if err != nil {
			return nil, &models.InvalidRuleConditionError{RuleID: rule.ID, TriggerType: rule.TriggerType, Err: err}
		}
	}
	return cond, nil
}

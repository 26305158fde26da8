package policy

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Rule combines conditions and yields Action when they match.
type Rule struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Priority   int               `json:"priority" yaml:"priority"`
	Conditions []Condition       `json:"conditions" yaml:"conditions"`
	Logic      Logic             `json:"logic" yaml:"logic"`
	Action     Action            `json:"action" yaml:"action"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewRule returns an enabled AND rule with a generated id.
func NewRule(name string, priority int, action Action, conditions ...Condition) Rule {
	now := time.Now()
	return Rule{
		ID:         uuid.NewString(),
		Name:       name,
		Priority:   priority,
		Conditions: append([]Condition(nil), conditions...),
		Logic:      LogicAnd,
		Action:     action,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// UnmarshalYAML defaults omitted fields of bundle rules: enabled, AND logic
// and a generated id.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	raw := plain{Enabled: true, Logic: LogicAnd}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw.ID) == "" {
		raw.ID = uuid.NewString()
	}
	*r = Rule(raw)
	return nil
}

// ConditionResult records how a single condition evaluated.
type ConditionResult struct {
	Field    string        `json:"field"`
	Operator Operator      `json:"operator"`
	Matched  bool          `json:"matched"`
	Weight   float64       `json:"weight"`
	Duration time.Duration `json:"duration"`
}

// RuleResult is the outcome of evaluating one rule.
type RuleResult struct {
	RuleID        string            `json:"rule_id"`
	RuleName      string            `json:"rule_name"`
	Priority      int               `json:"priority"`
	Matched       bool              `json:"matched"`
	Action        Action            `json:"action"`
	Score         float64           `json:"score"`
	Conditions    []ConditionResult `json:"conditions,omitempty"`
	ExecutionTime time.Duration     `json:"execution_time"`
}

// Validate checks the action, logic and every condition.
func (r Rule) Validate() error {
	if !r.Action.Valid() {
		return invalidPolicy(fmt.Sprintf("unknown action %q", r.Action)).WithContext("rule", r.ID)
	}
	switch r.Logic {
	case LogicAnd, LogicOr, "":
	default:
		return invalidPolicy(fmt.Sprintf("unknown logic %q", r.Logic)).WithContext("rule", r.ID)
	}
	for i, cond := range r.Conditions {
		if err := cond.Validate(); err != nil {
			return fmt.Errorf("rule %s condition %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// Evaluate runs every condition of an enabled rule. Matched follows the
// rule's logic (AND over no conditions is true, OR over none is false) while
// Score always sums the weights of the conditions that held.
func (r Rule) Evaluate(ctx Context) (RuleResult, error) {
	result := RuleResult{
		RuleID:   r.ID,
		RuleName: r.Name,
		Priority: r.Priority,
		Action:   ActionAllow,
	}
	if !r.Enabled {
		return result, nil
	}

	start := time.Now()
	result.Action = r.Action
	result.Conditions = make([]ConditionResult, 0, len(r.Conditions))

	matchedAll, matchedAny := true, false
	for _, cond := range r.Conditions {
		condStart := time.Now()
		ok, err := cond.Evaluate(ctx)
		if err != nil {
			return RuleResult{}, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		result.Conditions = append(result.Conditions, ConditionResult{
			Field:    cond.Field,
			Operator: cond.Operator,
			Matched:  ok,
			Weight:   cond.weight(),
			Duration: time.Since(condStart),
		})
		if ok {
			matchedAny = true
			result.Score += cond.weight()
		} else {
			matchedAll = false
		}
	}

	if r.Logic == LogicOr {
		result.Matched = matchedAny
	} else {
		result.Matched = matchedAll
	}
	result.ExecutionTime = time.Since(start)
	return result, nil
}

func (r Rule) clone() Rule {
	r.Conditions = append([]Condition(nil), r.Conditions...)
	r.Tags = append([]string(nil), r.Tags...)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

func (r Rule) references(field string) bool {
	for _, cond := range r.Conditions {
		if cond.Field == field {
			return true
		}
	}
	return false
}

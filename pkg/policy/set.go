package policy

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// HardDenyPriority is the lowest priority at which a matched Deny rule stops
// the scan of its set.
const HardDenyPriority = 100

// Set is an ordered group of rules with a fallback action.
type Set struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Rules         []Rule    `json:"rules" yaml:"rules"`
	DefaultAction Action    `json:"default_action" yaml:"default_action"`
	Enabled       bool      `json:"enabled" yaml:"enabled"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
	Tags          []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// NewSet returns an enabled, empty set with a generated id.
func NewSet(name string, defaultAction Action) *Set {
	now := time.Now()
	return &Set{
		ID:            uuid.NewString(),
		Name:          name,
		DefaultAction: defaultAction,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// UnmarshalYAML defaults omitted fields of bundle sets.
func (s *Set) UnmarshalYAML(node *yaml.Node) error {
	type plain Set
	raw := plain{Enabled: true, DefaultAction: ActionAllow}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw.ID) == "" {
		raw.ID = uuid.NewString()
	}
	*s = Set(raw)
	s.sortRules()
	return nil
}

// AddRule inserts rule keeping rules ordered by descending priority. Rules of
// equal priority keep their insertion order.
func (s *Set) AddRule(rule Rule) *Set {
	s.Rules = append(s.Rules, rule)
	s.sortRules()
	s.UpdatedAt = time.Now()
	return s
}

// SetResult is the outcome of evaluating one set.
type SetResult struct {
	SetID          string        `json:"set_id"`
	SetName        string        `json:"set_name"`
	FinalAction    Action        `json:"final_action"`
	MatchedRules   []RuleResult  `json:"matched_rules"`
	EvaluatedRules int           `json:"evaluated_rules"`
	ShortCircuited bool          `json:"short_circuited"`
	ExecutionTime  time.Duration `json:"execution_time"`
}

// Validate checks the default action and every rule.
func (s *Set) Validate() error {
	if !s.DefaultAction.Valid() {
		return invalidPolicy(fmt.Sprintf("unknown default action %q", s.DefaultAction)).WithContext("set", s.ID)
	}
	for _, rule := range s.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("policy set %s: %w", s.ID, err)
		}
	}
	return nil
}

// Evaluate scans enabled rules from highest to lowest priority. A matched
// Deny rule at HardDenyPriority or above ends the scan. The final action is
// that of the first matched rule in scan order, or DefaultAction when nothing
// matched. A disabled set returns DefaultAction without touching its rules.
func (s *Set) Evaluate(ctx Context) (SetResult, error) {
	result := SetResult{
		SetID:        s.ID,
		SetName:      s.Name,
		FinalAction:  s.DefaultAction,
		MatchedRules: []RuleResult{},
	}
	if !s.Enabled {
		return result, nil
	}

	start := time.Now()
	for _, rule := range s.orderedRules() {
		if !rule.Enabled {
			continue
		}
		result.EvaluatedRules++

		ruleResult, err := rule.Evaluate(ctx)
		if err != nil {
			return SetResult{}, fmt.Errorf("policy set %s: %w", s.ID, err)
		}
		if !ruleResult.Matched {
			continue
		}

		result.MatchedRules = append(result.MatchedRules, ruleResult)
		if rule.Action == ActionDeny && rule.Priority >= HardDenyPriority {
			result.ShortCircuited = true
			break
		}
	}

	if len(result.MatchedRules) > 0 {
		result.FinalAction = result.MatchedRules[0].Action
	}
	result.ExecutionTime = time.Since(start)
	return result, nil
}

func (s *Set) orderedRules() []Rule {
	if slices.IsSortedFunc(s.Rules, compareRulePriority) {
		return s.Rules
	}
	ordered := slices.Clone(s.Rules)
	slices.SortStableFunc(ordered, compareRulePriority)
	return ordered
}

func (s *Set) sortRules() {
	slices.SortStableFunc(s.Rules, compareRulePriority)
}

func compareRulePriority(a, b Rule) int {
	return cmp.Compare(b.Priority, a.Priority)
}

func (s *Set) clone() *Set {
	out := *s
	out.Rules = make([]Rule, len(s.Rules))
	for i, rule := range s.Rules {
		out.Rules[i] = rule.clone()
	}
	out.Tags = append([]string(nil), s.Tags...)
	return &out
}

func (s *Set) references(field string) bool {
	for _, rule := range s.Rules {
		if rule.Enabled && rule.references(field) {
			return true
		}
	}
	return false
}

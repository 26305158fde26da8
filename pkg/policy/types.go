package policy

import (
	"fmt"
	"strings"
)

// Action is the outcome attached to a rule or set.
type Action string

const (
	ActionAllow                 Action = "allow"
	ActionDeny                  Action = "deny"
	ActionRequireAuthentication Action = "require_authentication"
	ActionRestrict              Action = "restrict"
	ActionLog                   Action = "log"
	ActionRequireApproval       Action = "require_approval"
	ActionQuarantine            Action = "quarantine"
)

// actionPrecedence ranks actions for cross-set aggregation; higher wins.
var actionPrecedence = map[Action]int{
	ActionAllow:                 0,
	ActionLog:                   1,
	ActionRequireAuthentication: 2,
	ActionRestrict:              3,
	ActionRequireApproval:       4,
	ActionQuarantine:            5,
	ActionDeny:                  6,
}

// Actions lists every action from least to most restrictive.
func Actions() []Action {
	return []Action{
		ActionAllow,
		ActionLog,
		ActionRequireAuthentication,
		ActionRestrict,
		ActionRequireApproval,
		ActionQuarantine,
		ActionDeny,
	}
}

// Precedence returns the restrictiveness rank of a, or -1 when a is unknown.
func (a Action) Precedence() int {
	if p, ok := actionPrecedence[a]; ok {
		return p
	}
	return -1
}

// MoreRestrictiveThan reports whether a strictly outranks other.
func (a Action) MoreRestrictiveThan(other Action) bool {
	return a.Precedence() > other.Precedence()
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a.Precedence() >= 0
}

// ParseAction normalises user input such as "Deny" or "require-approval".
func ParseAction(value string) (Action, error) {
	action := Action(normalizeName(value))
	if !action.Valid() {
		return "", fmt.Errorf("unknown policy action %q", value)
	}
	return action, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Operator is the comparison applied by a Condition.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpRegex              Operator = "regex"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan,
		OpLessThanOrEqual, OpContains, OpNotContains, OpIn, OpNotIn, OpRegex:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *Operator) UnmarshalText(text []byte) error {
	parsed := Operator(normalizeName(string(text)))
	if !parsed.Valid() {
		return fmt.Errorf("unknown condition operator %q", string(text))
	}
	*op = parsed
	return nil
}

// Logic combines the conditions of a rule.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Logic) UnmarshalText(text []byte) error {
	switch Logic(normalizeName(string(text))) {
	case LogicAnd, "":
		*l = LogicAnd
	case LogicOr:
		*l = LogicOr
	default:
		return fmt.Errorf("unknown rule logic %q", string(text))
	}
	return nil
}

func normalizeName(value string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")
}

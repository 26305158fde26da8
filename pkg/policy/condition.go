package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/polisai/bey-transport/pkg/domain"
)

// DefaultConditionWeight is applied when a condition does not set a weight.
const DefaultConditionWeight = 1.0

// Condition compares one context field against Value.
type Condition struct {
	Field       string   `json:"field" yaml:"field"`
	Operator    Operator `json:"operator" yaml:"operator"`
	Value       any      `json:"value" yaml:"value"`
	Weight      float64  `json:"weight" yaml:"weight"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// NewCondition returns a condition with the default weight.
func NewCondition(field string, op Operator, value any) Condition {
	return Condition{Field: field, Operator: op, Value: value, Weight: DefaultConditionWeight}
}

// UnmarshalYAML defaults the weight to DefaultConditionWeight when omitted.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	type plain Condition
	raw := plain{Weight: DefaultConditionWeight}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = Condition(raw)
	return nil
}

// Validate reports malformed conditions: unknown operators, negative weights,
// non-array In/NotIn values and regular expressions that do not compile.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return invalidPolicy("condition field is required")
	}
	if !c.Operator.Valid() {
		return invalidPolicy(fmt.Sprintf("unknown operator %q", c.Operator)).WithContext("field", c.Field)
	}
	if c.Weight < 0 {
		return invalidPolicy("condition weight must not be negative").
			WithContext("field", c.Field).
			WithContext("weight", c.Weight)
	}
	switch c.Operator {
	case OpIn, OpNotIn:
		if _, ok := asSlice(c.Value); !ok {
			return invalidPolicy(fmt.Sprintf("%s expects an array value", c.Operator)).WithContext("field", c.Field)
		}
	case OpRegex:
		if _, err := compilePattern(c.Value); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate applies the condition to ctx. A missing field never matches, and
// neither does an operand type the operator does not support. The only error
// is ErrInvalidRegex for a Regex condition whose pattern does not compile.
func (c Condition) Evaluate(ctx Context) (bool, error) {
	// The pattern is checked before the field so a malformed condition fails
	// for every context.
	var pattern *regexp.Regexp
	if c.Operator == OpRegex {
		re, err := compilePattern(c.Value)
		if err != nil {
			return false, err
		}
		pattern = re
	}

	actual, ok := ctx.Lookup(c.Field)
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value), nil
	case OpNotEquals:
		return !valuesEqual(actual, c.Value), nil
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return compareNumbers(c.Operator, actual, c.Value), nil
	case OpContains, OpNotContains:
		haystack, ok1 := actual.(string)
		needle, ok2 := c.Value.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		found := strings.Contains(haystack, needle)
		if c.Operator == OpNotContains {
			return !found, nil
		}
		return found, nil
	case OpIn, OpNotIn:
		candidates, ok := asSlice(c.Value)
		if !ok {
			return false, nil
		}
		member := false
		for _, candidate := range candidates {
			if valuesEqual(actual, candidate) {
				member = true
				break
			}
		}
		if c.Operator == OpNotIn {
			return !member, nil
		}
		return member, nil
	case OpRegex:
		text, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return pattern.MatchString(text), nil
	default:
		return false, nil
	}
}

func (c Condition) weight() float64 {
	if c.Weight < 0 {
		return 0
	}
	return c.Weight
}

func compareNumbers(op Operator, actual, expected any) bool {
	left, ok1 := toFloat(actual)
	right, ok2 := toFloat(expected)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case OpGreaterThan:
		return left > right
	case OpGreaterThanOrEqual:
		return left >= right
	case OpLessThan:
		return left < right
	case OpLessThanOrEqual:
		return left <= right
	default:
		return false
	}
}

// valuesEqual is JSON deep equality: numbers compare by value whatever their
// Go type, and slices/maps compare element-wise.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(value any) any {
	if value == nil {
		return nil
	}
	if f, ok := toFloat(value); ok {
		return f
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if raw, isBytes := value.([]byte); isBytes {
			return string(raw)
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return value
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	default:
		return value
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asSlice(value any) ([]any, bool) {
	if value == nil {
		return nil, false
	}
	if _, isBytes := value.([]byte); isBytes {
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// patternCache memoises compiled expressions, including failures, so hot
// Regex conditions compile once per process.
var patternCache sync.Map // string -> patternEntry

type patternEntry struct {
	re  *regexp.Regexp
	err error
}

func compilePattern(value any) (*regexp.Regexp, error) {
	pattern, ok := value.(string)
	if !ok {
		return nil, domain.NewError(domain.CodeInvalidRegex, fmt.Sprintf("regex pattern must be a string, got %T", value))
	}
	if cached, ok := patternCache.Load(pattern); ok {
		entry := cached.(patternEntry)
		return entry.re, entry.err
	}

	re, err := regexp.Compile(pattern)
	entry := patternEntry{re: re}
	if err != nil {
		entry.err = domain.NewErrorWithCause(domain.CodeInvalidRegex, "invalid regex pattern", err).
			WithContext("pattern", pattern)
	}
	patternCache.Store(pattern, entry)
	return entry.re, entry.err
}

func invalidPolicy(message string) *domain.TransportError {
	return domain.NewError(domain.CodeInvalidPolicy, message)
}

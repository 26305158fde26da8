package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/bey-transport/pkg/domain"
)

func ctxWith(fields map[string]any) Context {
	return Context{Fields: fields}
}

func TestConditionEqualsRole(t *testing.T) {
	cond := NewCondition("role", OpEquals, "admin")

	ok, err := cond.Evaluate(ctxWith(map[string]any{"role": "admin"}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Evaluate(ctxWith(map[string]any{"role": "guest"}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionOperators(t *testing.T) {
	fields := map[string]any{
		"role":   "admin",
		"level":  7,
		"score":  2.5,
		"ip":     "10.0.0.5",
		"path":   "/srv/shared/report.pdf",
		"groups": []any{"ops", "dev"},
		"flags":  map[string]any{"beta": true, "rank": 1},
		"active": true,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals int against float", NewCondition("level", OpEquals, 7.0), true},
		{"equals nested array", NewCondition("groups", OpEquals, []string{"ops", "dev"}), true},
		{"equals array order matters", NewCondition("groups", OpEquals, []any{"dev", "ops"}), false},
		{"equals nested map", NewCondition("flags", OpEquals, map[string]any{"rank": 1.0, "beta": true}), true},
		{"equals type mismatch", NewCondition("level", OpEquals, "7"), false},
		{"not equals", NewCondition("role", OpNotEquals, "guest"), true},
		{"greater than", NewCondition("level", OpGreaterThan, 5), true},
		{"greater than equal boundary", NewCondition("level", OpGreaterThanOrEqual, 7), true},
		{"less than float", NewCondition("score", OpLessThan, 3), true},
		{"less than equal false", NewCondition("score", OpLessThanOrEqual, 2.4), false},
		{"numeric op on string", NewCondition("role", OpGreaterThan, 1), false},
		{"numeric op with string expected", NewCondition("level", OpLessThan, "10"), false},
		{"contains", NewCondition("path", OpContains, "/shared/"), true},
		{"contains non string field", NewCondition("level", OpContains, "7"), false},
		{"not contains", NewCondition("path", OpNotContains, "secret"), true},
		{"not contains type mismatch", NewCondition("level", OpNotContains, "x"), false},
		{"in", NewCondition("ip", OpIn, []any{"10.0.0.4", "10.0.0.5"}), true},
		{"in numeric normalised", NewCondition("level", OpIn, []int{1, 7}), true},
		{"in non array", NewCondition("ip", OpIn, "10.0.0.5"), false},
		{"not in", NewCondition("role", OpNotIn, []any{"guest"}), true},
		{"not in member", NewCondition("role", OpNotIn, []any{"admin"}), false},
		{"regex", NewCondition("ip", OpRegex, `^10\.0\.0\.\d+$`), true},
		{"regex no match", NewCondition("role", OpRegex, `^guest`), false},
		{"regex non string field", NewCondition("active", OpRegex, `true`), false},
		{"equals bool", NewCondition("active", OpEquals, true), true},
	}

	ctx := ctxWith(fields)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Evaluate(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionMissingFieldNeverMatches(t *testing.T) {
	ops := []Operator{OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpNotContains, OpIn, OpNotIn, OpRegex}
	for _, op := range ops {
		value := any("x")
		if op == OpIn || op == OpNotIn {
			value = []any{"x"}
		}
		ok, err := NewCondition("absent", op, value).Evaluate(ctxWith(nil))
		require.NoError(t, err, op)
		assert.False(t, ok, op)
	}
}

func TestConditionBuiltinFields(t *testing.T) {
	ctx := NewContext("bey-laptop", "10.0.0.9:7000", "connect").WithTags("trusted", "lan")
	ctx.Timestamp = time.Unix(1_700_000_000, 0)

	tests := []struct {
		cond Condition
		want bool
	}{
		{NewCondition(FieldRequesterID, OpEquals, "bey-laptop"), true},
		{NewCondition(FieldResource, OpContains, ":7000"), true},
		{NewCondition(FieldOperation, OpEquals, "connect"), true},
		{NewCondition(FieldTimestamp, OpGreaterThanOrEqual, 1_700_000_000), true},
		{NewCondition(FieldTags, OpEquals, []any{"trusted", "lan"}), true},
	}
	for _, tt := range tests {
		got, err := tt.cond.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.cond.Field)
	}

	overridden := ctx.With(FieldOperation, "transfer")
	got, err := NewCondition(FieldOperation, OpEquals, "transfer").Evaluate(overridden)
	require.NoError(t, err)
	assert.True(t, got, "explicit fields shadow built-ins")
	assert.NotContains(t, ctx.Fields, FieldOperation, "With copies the field map")
}

func TestConditionInvalidRegex(t *testing.T) {
	cond := NewCondition("name", OpRegex, "([a-z")

	_, err := cond.Evaluate(ctxWith(map[string]any{"name": "abc"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRegex)
	assert.Equal(t, domain.CategoryConfiguration, domain.CategoryOf(err))

	_, err = NewCondition("name", OpRegex, 42).Evaluate(ctxWith(map[string]any{"name": "abc"}))
	assert.True(t, domain.IsCode(err, domain.CodeInvalidRegex))

	assert.True(t, domain.IsCode(cond.Validate(), domain.CodeInvalidRegex))
}

func TestConditionValidate(t *testing.T) {
	assert.NoError(t, NewCondition("ip", OpIn, []any{"a"}).Validate())

	bad := []Condition{
		{Field: "", Operator: OpEquals, Weight: 1},
		{Field: "x", Operator: "approximately", Weight: 1},
		{Field: "x", Operator: OpEquals, Weight: -1},
		{Field: "x", Operator: OpNotIn, Value: "scalar", Weight: 1},
	}
	for _, cond := range bad {
		err := cond.Validate()
		assert.True(t, domain.IsCode(err, domain.CodeInvalidPolicy), "%+v: %v", cond, err)
	}
}

func jsonValue() *rapid.Generator[any] {
	scalar := rapid.OneOf(
		rapid.Just[any](nil),
		rapid.Map(rapid.Bool(), func(v bool) any { return v }),
		rapid.Map(rapid.IntRange(-1000, 1000), func(v int) any { return v }),
		rapid.Map(rapid.Float64Range(-1000, 1000), func(v float64) any { return v }),
		rapid.Map(rapid.StringN(0, 8, -1), func(v string) any { return v }),
	)
	return rapid.OneOf(
		scalar,
		rapid.Map(rapid.SliceOfN(scalar, 0, 4), func(v []any) any { return v }),
		rapid.Map(rapid.MapOfN(rapid.StringN(1, 4, -1), scalar, 0, 3), func(v map[string]any) any { return v }),
	)
}

func TestConditionNeverErrorsOnTypeMismatchProperty(t *testing.T) {
	ops := []Operator{
		OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan,
		OpLessThanOrEqual, OpContains, OpNotContains, OpIn, OpNotIn,
	}
	rapid.Check(t, func(t *rapid.T) {
		actual := jsonValue().Draw(t, "actual")
		expected := jsonValue().Draw(t, "expected")
		op := rapid.SampledFrom(ops).Draw(t, "op")

		_, err := NewCondition("f", op, expected).Evaluate(ctxWith(map[string]any{"f": actual}))
		if err != nil {
			t.Fatalf("operator %s returned error: %v", op, err)
		}
	})
}

func TestConditionEqualsIsDeepEqualityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := jsonValue().Draw(t, "value")
		ctx := ctxWith(map[string]any{"f": value})

		eq, err := NewCondition("f", OpEquals, value).Evaluate(ctx)
		if err != nil || !eq {
			t.Fatalf("value %#v does not equal itself", value)
		}
		neq, _ := NewCondition("f", OpNotEquals, value).Evaluate(ctx)
		if neq {
			t.Fatalf("NotEquals matched identical value %#v", value)
		}
	})
}

func TestInvalidRegexAlwaysFailsProperty(t *testing.T) {
	patterns := []string{"(", "[a-", "*abc", `\`, "(?P<x", "a{2,1}"}
	rapid.Check(t, func(t *rapid.T) {
		pattern := rapid.SampledFrom(patterns).Draw(t, "pattern")
		fields := rapid.MapOfN(rapid.StringN(1, 4, -1), jsonValue(), 0, 4).Draw(t, "fields")

		_, err := NewCondition("name", OpRegex, pattern).Evaluate(ctxWith(fields))
		if !domain.IsCode(err, domain.CodeInvalidRegex) {
			t.Fatalf("pattern %q: expected InvalidRegex, got %v", pattern, err)
		}
	})
}

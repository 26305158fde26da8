package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/domain"
)

func newTestEngine(t *testing.T, mutate ...func(*config.PolicyEngineConfig)) *Engine {
	t.Helper()
	cfg := config.DefaultPolicyEngineConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	return engine
}

func setWithAction(id string, action Action) *Set {
	set := NewSet(id, ActionAllow)
	set.ID = id
	set.AddRule(NewRule(id+"-rule", 10, action))
	return set
}

func TestEngineNoSetsAllows(t *testing.T) {
	engine := newTestEngine(t)

	decision, err := engine.Evaluate(NewContext("me", "peer:1", "connect"))
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)
	assert.True(t, decision.Allowed())
	assert.Empty(t, decision.SetResults)
}

func TestEngineMostRestrictiveWins(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterPolicySet(setWithAction("logging", ActionLog)))
	require.NoError(t, engine.RegisterPolicySet(setWithAction("restrict", ActionRestrict)))
	require.NoError(t, engine.RegisterPolicySet(setWithAction("auth", ActionRequireAuthentication)))

	decision, err := engine.Evaluate(Context{})
	require.NoError(t, err)
	assert.Equal(t, ActionRestrict, decision.Action)
	assert.Equal(t, "restrict", decision.DecidingSet)
	assert.Len(t, decision.SetResults, 3, "every enabled set is reported")

	require.NoError(t, engine.RegisterPolicySet(setWithAction("deny", ActionDeny)))
	decision, err = engine.Evaluate(Context{})
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, decision.Action)
}

func TestEngineTieKeepsFirstRegisteredSet(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterPolicySet(setWithAction("first", ActionQuarantine)))
	require.NoError(t, engine.RegisterPolicySet(setWithAction("second", ActionQuarantine)))

	decision, err := engine.Evaluate(Context{})
	require.NoError(t, err)
	assert.Equal(t, "first", decision.DecidingSet)

	// Re-registering keeps the original position.
	require.NoError(t, engine.RegisterPolicySet(setWithAction("first", ActionQuarantine)))
	decision, err = engine.Evaluate(Context{})
	require.NoError(t, err)
	assert.Equal(t, "first", decision.DecidingSet)
	assert.Equal(t, 2, engine.Stats().RegisteredSets)
}

func TestEngineSkipsDisabledSets(t *testing.T) {
	engine := newTestEngine(t)
	deny := setWithAction("deny", ActionDeny)
	deny.Enabled = false
	require.NoError(t, engine.RegisterPolicySet(deny))
	require.NoError(t, engine.RegisterPolicySet(setWithAction("log", ActionLog)))

	decision, err := engine.Evaluate(Context{})
	require.NoError(t, err)
	assert.Equal(t, ActionLog, decision.Action)
	assert.Len(t, decision.SetResults, 1)
}

func TestEngineStoresCopies(t *testing.T) {
	engine := newTestEngine(t)
	set := setWithAction("mutable", ActionAllow)
	require.NoError(t, engine.RegisterPolicySet(set))

	set.Rules[0].Action = ActionDeny
	decision, err := engine.Evaluate(Context{})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)

	stored, ok := engine.PolicySet("mutable")
	require.True(t, ok)
	stored.DefaultAction = ActionDeny
	again, _ := engine.PolicySet("mutable")
	assert.Equal(t, ActionAllow, again.DefaultAction)
}

func TestEngineRemovePolicySet(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterPolicySet(setWithAction("deny", ActionDeny)))

	assert.True(t, engine.RemovePolicySet("deny"))
	assert.False(t, engine.RemovePolicySet("deny"))
	assert.Empty(t, engine.PolicySets())

	decision, err := engine.Evaluate(Context{})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)
}

func TestEngineRejectsInvalidSet(t *testing.T) {
	engine := newTestEngine(t)
	set := NewSet("bad", ActionAllow)
	set.AddRule(NewRule("regex", 1, ActionDeny, NewCondition("x", OpRegex, "[")))

	err := engine.RegisterPolicySet(set)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidRegex))
	assert.Error(t, engine.RegisterPolicySet(nil))
	assert.Zero(t, engine.Stats().RegisteredSets)
}

func TestEngineDecisionCache(t *testing.T) {
	engine := newTestEngine(t)
	set := NewSet("roles", ActionAllow)
	set.ID = "roles"
	set.AddRule(NewRule("guests", 10, ActionRestrict, NewCondition("role", OpEquals, "guest")))
	require.NoError(t, engine.RegisterPolicySet(set))

	guest := NewContext("a", "peer", "connect").With("role", "guest")
	first, err := engine.Evaluate(guest)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	guest.Timestamp = guest.Timestamp.Add(time.Minute)
	second, err := engine.Evaluate(guest)
	require.NoError(t, err)
	assert.True(t, second.Cached, "timestamps do not take part in the key")
	assert.Equal(t, first.Action, second.Action)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	stats := engine.Stats()
	assert.Equal(t, uint64(2), stats.Evaluations)
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.CacheMisses)
	assert.Equal(t, uint64(2), stats.Decisions[ActionRestrict])

	// Any registration invalidates cached decisions.
	require.NoError(t, engine.RegisterPolicySet(setWithAction("deny", ActionDeny)))
	third, err := engine.Evaluate(guest)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, ActionDeny, third.Action)
}

func TestEngineCacheKeepsInvalidUTF8Distinct(t *testing.T) {
	engine := newTestEngine(t)
	set := NewSet("users", ActionAllow)
	set.AddRule(NewRule("block", 100, ActionDeny, NewCondition("user", OpEquals, "mallory\xff")))
	require.NoError(t, engine.RegisterPolicySet(set))

	other, err := engine.Evaluate(NewContext("a", "peer", "connect").With("user", "mallory\xfe"))
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, other.Action)

	blocked, err := engine.Evaluate(NewContext("a", "peer", "connect").With("user", "mallory\xff"))
	require.NoError(t, err)
	assert.False(t, blocked.Cached)
	assert.Equal(t, ActionDeny, blocked.Action)
}

func TestEngineCacheDistinguishesBytesFromStrings(t *testing.T) {
	engine := newTestEngine(t)
	set := NewSet("users", ActionAllow)
	set.AddRule(NewRule("block", 100, ActionDeny, NewCondition("user", OpEquals, "mallory")))
	require.NoError(t, engine.RegisterPolicySet(set))

	encoded, err := engine.Evaluate(NewContext("a", "peer", "connect").With("user", "bWFsbG9yeQ=="))
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, encoded.Action)

	raw, err := engine.Evaluate(NewContext("a", "peer", "connect").With("user", []byte("mallory")))
	require.NoError(t, err)
	assert.False(t, raw.Cached)
	assert.Equal(t, ActionDeny, raw.Action)
}

func TestContextCacheKey(t *testing.T) {
	base := NewContext("a", "peer", "connect")

	tests := []struct {
		name  string
		a, b  Context
		equal bool
	}{
		{
			name:  "map order does not matter",
			a:     base.With("labels", map[string]any{"x": 1, "y": "z"}),
			b:     base.With("labels", map[string]any{"y": "z", "x": 1}),
			equal: true,
		},
		{name: "invalid utf8 bytes differ", a: base.With("u", "a\xff"), b: base.With("u", "a\xfe")},
		{name: "bytes and string differ", a: base.With("u", []byte("ab")), b: base.With("u", "ab")},
		{name: "int and string differ", a: base.With("n", 1), b: base.With("n", "1")},
		{name: "length prefix separates fields", a: base.With("u", "ab").With("v", "c"), b: base.With("u", "a").With("v", "bc")},
		{name: "tags participate", a: base.WithTags("lan"), b: base.WithTags("wan")},
		{name: "nil and empty string differ", a: base.With("u", nil), b: base.With("u", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyA, ok := contextCacheKey(tt.a, false)
			require.True(t, ok)
			keyB, ok := contextCacheKey(tt.b, false)
			require.True(t, ok)
			if tt.equal {
				assert.Equal(t, keyA, keyB)
			} else {
				assert.NotEqual(t, keyA, keyB)
			}
		})
	}

	_, ok := contextCacheKey(base.With("when", time.Now()), false)
	assert.False(t, ok, "values without a lossless encoding are not cached")
}

func TestEngineCachedDecisionIsIsolated(t *testing.T) {
	engine := newTestEngine(t)
	set := NewSet("roles", ActionAllow)
	set.AddRule(NewRule("guests", 10, ActionRestrict, NewCondition("role", OpEquals, "guest")))
	require.NoError(t, engine.RegisterPolicySet(set))

	guest := NewContext("a", "peer", "connect").With("role", "guest")
	first, err := engine.Evaluate(guest)
	require.NoError(t, err)
	require.NotEmpty(t, first.SetResults[0].MatchedRules)
	first.SetResults[0].FinalAction = ActionAllow
	first.SetResults[0].MatchedRules[0].Action = ActionAllow

	second, err := engine.Evaluate(guest)
	require.NoError(t, err)
	require.True(t, second.Cached)
	second.SetResults[0].FinalAction = ActionLog

	third, err := engine.Evaluate(guest)
	require.NoError(t, err)
	require.True(t, third.Cached)
	assert.Equal(t, ActionRestrict, third.SetResults[0].FinalAction)
	assert.Equal(t, ActionRestrict, third.SetResults[0].MatchedRules[0].Action)
}

func TestEngineCacheRespectsTimestampRules(t *testing.T) {
	engine := newTestEngine(t)
	set := NewSet("window", ActionAllow)
	set.AddRule(NewRule("after", 10, ActionDeny, NewCondition(FieldTimestamp, OpGreaterThan, 2_000_000_000)))
	require.NoError(t, engine.RegisterPolicySet(set))

	ctx := Context{Timestamp: time.Unix(1_000_000_000, 0)}
	decision, err := engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)

	ctx.Timestamp = time.Unix(2_100_000_000, 0)
	decision, err = engine.Evaluate(ctx)
	require.NoError(t, err)
	assert.False(t, decision.Cached)
	assert.Equal(t, ActionDeny, decision.Action)
}

func TestEngineCacheDisabled(t *testing.T) {
	engine := newTestEngine(t, func(c *config.PolicyEngineConfig) { c.EnableCache = false })
	require.NoError(t, engine.RegisterPolicySet(setWithAction("log", ActionLog)))

	for range 3 {
		decision, err := engine.Evaluate(Context{})
		require.NoError(t, err)
		assert.False(t, decision.Cached)
	}
	stats := engine.Stats()
	assert.Zero(t, stats.CacheHits)
	assert.Zero(t, stats.CacheMisses)
}

func TestEngineCacheExpiry(t *testing.T) {
	cache := newDecisionCache(2, time.Minute)
	now := time.Unix(0, 0)
	cache.now = func() time.Time { return now }

	cache.Add("a", Decision{Action: ActionDeny})
	_, ok := cache.Get("a")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = cache.Get("a")
	assert.False(t, ok, "entries expire after the ttl")

	cache.Add("a", Decision{})
	cache.Add("b", Decision{})
	_, _ = cache.Get("a")
	cache.Add("c", Decision{})
	_, ok = cache.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	assert.Equal(t, 2, cache.Len())
}

func TestEngineCountsErrors(t *testing.T) {
	engine := newTestEngine(t)
	broken := &Set{
		ID:            "broken",
		DefaultAction: ActionAllow,
		Enabled:       true,
		Rules:         []Rule{NewRule("r", 1, ActionDeny, NewCondition("x", OpRegex, "("))},
	}
	// Bypass validation to exercise the evaluation-time error path.
	engine.mu.Lock()
	engine.install([]*Set{broken})
	engine.mu.Unlock()

	_, err := engine.Evaluate(Context{})
	require.Error(t, err)
	assert.Equal(t, uint64(1), engine.Stats().Errors)
}

func TestEngineEnforce(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterPolicySet(setWithAction("auth", ActionRequireAuthentication)))

	decision, err := engine.Enforce(NewContext("me", "peer", "connect"))
	require.Error(t, err)
	assert.True(t, IsDenied(err))
	assert.Equal(t, domain.CategoryPolicy, domain.CategoryOf(err))
	assert.Equal(t, ActionRequireAuthentication, decision.Action)
}

func TestEngineConcurrentEvaluateAndRegister(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterPolicySet(setWithAction("base", ActionLog)))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := range 200 {
				if worker == 0 && j%20 == 0 {
					_ = engine.RegisterPolicySet(setWithAction("extra", ActionRestrict))
					continue
				}
				decision, err := engine.Evaluate(NewContext("w", "peer", "connect").With("n", j))
				assert.NoError(t, err)
				assert.Contains(t, []Action{ActionLog, ActionRestrict}, decision.Action)
			}
		}(i)
	}
	wg.Wait()
}

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/domain"
)

// Decision is the aggregated outcome of one engine evaluation.
type Decision struct {
	RequestID     string        `json:"request_id"`
	Action        Action        `json:"action"`
	Reason        string        `json:"reason"`
	DecidingSet   string        `json:"deciding_set,omitempty"`
	SetResults    []SetResult   `json:"set_results"`
	Cached        bool          `json:"cached"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Allowed reports whether the decision permits the request outright.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Evaluations       uint64            `json:"evaluations"`
	CacheHits         uint64            `json:"cache_hits"`
	CacheMisses       uint64            `json:"cache_misses"`
	Errors            uint64            `json:"errors"`
	Decisions         map[Action]uint64 `json:"decisions"`
	AvgEvaluationTime time.Duration     `json:"avg_evaluation_time"`
	RegisteredSets    int               `json:"registered_sets"`
	CachedDecisions   int               `json:"cached_decisions"`
}

// snapshot is the immutable view of registered sets used by evaluations.
type snapshot struct {
	generation    uint64
	sets          []*Set
	usesTimestamp bool
}

// Engine holds registered policy sets and evaluates contexts against them.
type Engine struct {
	cfg    config.PolicyEngineConfig
	logger *slog.Logger
	cache  *decisionCache

	mu      sync.RWMutex
	current *snapshot

	evaluations atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	errors      atomic.Uint64
	totalNanos  atomic.Int64
	timedEvals  atomic.Uint64

	decisionsMu sync.Mutex
	decisions   map[Action]uint64
}

// NewEngine constructs an engine with no registered sets. A nil logger uses
// slog.Default.
func NewEngine(cfg config.PolicyEngineConfig, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "policy"),
		current:   &snapshot{},
		decisions: make(map[Action]uint64),
	}
	if cfg.EnableCache && cfg.MaxCacheEntries > 0 {
		engine.cache = newDecisionCache(cfg.MaxCacheEntries, cfg.CacheTTL)
	}
	return engine, nil
}

// RegisterPolicySet adds set, replacing any set with the same id in place so
// its registration order is kept. The engine stores a copy; later changes to
// set have no effect until it is registered again.
func (e *Engine) RegisterPolicySet(set *Set) error {
	if set == nil {
		return invalidPolicy("policy set is nil")
	}
	if err := set.Validate(); err != nil {
		return err
	}

	registered := set.clone()
	if strings.TrimSpace(registered.ID) == "" {
		registered.ID = uuid.NewString()
	}
	registered.sortRules()

	e.mu.Lock()
	sets := make([]*Set, 0, len(e.current.sets)+1)
	replaced := false
	for _, existing := range e.current.sets {
		if existing.ID == registered.ID {
			sets = append(sets, registered)
			replaced = true
			continue
		}
		sets = append(sets, existing)
	}
	if !replaced {
		sets = append(sets, registered)
	}
	e.install(sets)
	e.mu.Unlock()

	e.logger.LogAttrs(context.Background(), slog.LevelInfo, "Policy set registered",
		slog.String("event", "policy_set_registered"),
		slog.String("set_id", registered.ID),
		slog.String("set_name", registered.Name),
		slog.Int("rules", len(registered.Rules)),
		slog.Bool("replaced", replaced),
	)
	return nil
}

// RemovePolicySet unregisters the set with id and reports whether it existed.
func (e *Engine) RemovePolicySet(id string) bool {
	e.mu.Lock()
	sets := make([]*Set, 0, len(e.current.sets))
	found := false
	for _, existing := range e.current.sets {
		if existing.ID == id {
			found = true
			continue
		}
		sets = append(sets, existing)
	}
	if found {
		e.install(sets)
	}
	e.mu.Unlock()

	if found {
		e.logger.LogAttrs(context.Background(), slog.LevelInfo, "Policy set removed",
			slog.String("event", "policy_set_removed"),
			slog.String("set_id", id),
		)
	}
	return found
}

// install swaps in a new snapshot and drops cached decisions. Callers hold mu.
func (e *Engine) install(sets []*Set) {
	next := &snapshot{generation: e.current.generation + 1, sets: sets}
	for _, set := range sets {
		if set.Enabled && set.references(FieldTimestamp) {
			next.usesTimestamp = true
			break
		}
	}
	e.current = next
	if e.cache != nil {
		e.cache.Clear()
	}
}

// PolicySets returns copies of the registered sets in registration order.
func (e *Engine) PolicySets() []*Set {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Set, len(e.current.sets))
	for i, set := range e.current.sets {
		out[i] = set.clone()
	}
	return out
}

// PolicySet returns a copy of the set registered under id.
func (e *Engine) PolicySet(id string) (*Set, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, set := range e.current.sets {
		if set.ID == id {
			return set.clone(), true
		}
	}
	return nil, false
}

// Evaluate runs ctx through every enabled set and returns the most
// restrictive of their final actions. Ties go to the earliest registered set.
// With no enabled sets the decision is Allow.
func (e *Engine) Evaluate(ctx Context) (Decision, error) {
	start := time.Now()
	e.evaluations.Add(1)

	e.mu.RLock()
	snap := e.current
	e.mu.RUnlock()

	var cacheKey string
	cacheable := false
	if e.cache != nil {
		// The generation keeps evaluations that raced a registration from
		// caching results of the previous snapshot.
		cacheKey, cacheable = contextCacheKey(ctx, snap.usesTimestamp)
		cacheKey = fmt.Sprintf("%d:%s", snap.generation, cacheKey)
		if cacheable {
			if cached, ok := e.cache.Get(cacheKey); ok {
				e.cacheHits.Add(1)
				cached.RequestID = uuid.NewString()
				cached.Cached = true
				cached.EvaluatedAt = start
				cached.ExecutionTime = time.Since(start)
				e.record(cached)
				return cached, nil
			}
			e.cacheMisses.Add(1)
		}
	}

	decision := Decision{
		RequestID:   uuid.NewString(),
		Action:      ActionAllow,
		Reason:      "no enabled policy set",
		SetResults:  make([]SetResult, 0, len(snap.sets)),
		EvaluatedAt: start,
	}

	decided := false
	for _, set := range snap.sets {
		if !set.Enabled {
			continue
		}
		result, err := set.Evaluate(ctx)
		if err != nil {
			e.errors.Add(1)
			e.logger.LogAttrs(context.Background(), slog.LevelError, "Policy evaluation failed",
				slog.String("event", "policy_evaluation_failed"),
				slog.String("set_id", set.ID),
				slog.String("resource", ctx.Resource),
				slog.String("error", err.Error()),
			)
			return Decision{}, err
		}
		decision.SetResults = append(decision.SetResults, result)

		if e.cfg.EnableDetailedLogging {
			e.logger.LogAttrs(context.Background(), slog.LevelDebug, "Policy set evaluated",
				slog.String("event", "policy_set_evaluated"),
				slog.String("set_id", set.ID),
				slog.String("final_action", string(result.FinalAction)),
				slog.Int("matched_rules", len(result.MatchedRules)),
				slog.Bool("short_circuited", result.ShortCircuited),
				slog.Duration("execution_time", result.ExecutionTime),
			)
		}

		if !decided || result.FinalAction.MoreRestrictiveThan(decision.Action) {
			decided = true
			decision.Action = result.FinalAction
			decision.DecidingSet = set.ID
			decision.Reason = describe(set, result)
		}
	}

	decision.ExecutionTime = time.Since(start)
	if cacheable {
		e.cache.Add(cacheKey, decision)
	}
	e.record(decision)

	e.logger.LogAttrs(context.Background(), slog.LevelDebug, "Policy decision",
		slog.String("event", "policy_decision"),
		slog.String("request_id", decision.RequestID),
		slog.String("requester_id", ctx.RequesterID),
		slog.String("resource", ctx.Resource),
		slog.String("operation", ctx.Operation),
		slog.String("action", string(decision.Action)),
		slog.String("deciding_set", decision.DecidingSet),
	)
	return decision, nil
}

func (e *Engine) record(decision Decision) {
	if e.cfg.EnablePerformanceMonitoring {
		e.totalNanos.Add(int64(decision.ExecutionTime))
		e.timedEvals.Add(1)
	}
	e.decisionsMu.Lock()
	e.decisions[decision.Action]++
	e.decisionsMu.Unlock()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	registered := len(e.current.sets)
	e.mu.RUnlock()

	stats := Stats{
		Evaluations:    e.evaluations.Load(),
		CacheHits:      e.cacheHits.Load(),
		CacheMisses:    e.cacheMisses.Load(),
		Errors:         e.errors.Load(),
		RegisteredSets: registered,
		Decisions:      make(map[Action]uint64),
	}
	if timed := e.timedEvals.Load(); timed > 0 {
		stats.AvgEvaluationTime = time.Duration(e.totalNanos.Load() / int64(timed))
	}
	if e.cache != nil {
		stats.CachedDecisions = e.cache.Len()
	}

	e.decisionsMu.Lock()
	for action, count := range e.decisions {
		stats.Decisions[action] = count
	}
	e.decisionsMu.Unlock()
	return stats
}

// IsDenied reports whether err is a policy refusal produced by Enforce.
func IsDenied(err error) bool {
	return domain.IsCode(err, domain.CodePermissionDenied)
}

// Enforce evaluates ctx and converts any non-Allow decision into a
// PermissionDenied error carrying the action and deciding set.
func (e *Engine) Enforce(ctx Context) (Decision, error) {
	decision, err := e.Evaluate(ctx)
	if err != nil {
		return decision, err
	}
	if decision.Allowed() {
		return decision, nil
	}
	return decision, domain.NewError(domain.CodePermissionDenied,
		fmt.Sprintf("policy decision %s for %s on %s", decision.Action, ctx.Operation, ctx.Resource)).
		WithContext("action", string(decision.Action)).
		WithContext("deciding_set", decision.DecidingSet).
		WithContext("requester_id", ctx.RequesterID)
}

func describe(set *Set, result SetResult) string {
	if len(result.MatchedRules) == 0 {
		return fmt.Sprintf("set %q: default action", set.Name)
	}
	first := result.MatchedRules[0]
	return fmt.Sprintf("set %q: rule %q (priority %d)", set.Name, first.RuleName, first.Priority)
}

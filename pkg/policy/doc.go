// Package policy evaluates peer requests against registered policy sets.
//
// A Condition compares one context field against an expected value. A Rule
// combines conditions with AND or OR and carries an Action. A Set orders its
// rules by descending priority, stops at a hard deny (a matched Deny rule with
// priority >= HardDenyPriority) and otherwise settles on the action of the
// highest-priority matched rule. The Engine evaluates every enabled set and
// keeps the most restrictive action, so registering an additional set can only
// tighten a decision.
//
// Evaluation is synchronous and never mutates registered sets. Only malformed
// configuration such as an invalid regular expression surfaces as an error;
// type mismatches and missing fields simply do not match.
//
// Sets can be registered programmatically or loaded from YAML bundles, and a
// BundleWatcher keeps an engine in sync with a bundle on disk.
package policy

// Package governance holds runtime safety controls for outbound dials.
//
// The connection pool keeps one circuit breaker per remote address so a peer
// that keeps refusing connections fails fast instead of tying up dial slots
// and retry budgets.
package governance

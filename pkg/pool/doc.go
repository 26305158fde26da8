// Package pool implements the connection pool used between peer devices.
//
// Connections are grouped per remote address. Each group has its own lock,
// idle deque, dial counter and priority wait queue, and groups live in a
// sharded arena so acquisitions for different addresses never contend. The
// global max_connections bound is an atomic counter reserved before every
// dial.
//
// Acquire lends a connection through a Lease which must be released on every
// path; Pool.With does that for callers. When an address is at capacity the
// caller waits for a release or for connect_timeout, whichever comes first,
// and a waiter that gives up is removed from the queue before it can be
// served.
//
// Start runs the background health checker and a maintenance loop that
// resizes the pool and reaps idle connections. Every state change is
// published to Subscribe channels.
package pool

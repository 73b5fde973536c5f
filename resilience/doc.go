// Package resilience provides the fault-tolerance primitives used around
// flaky dependencies: a three-state circuit breaker, an exponential-backoff
// retry helper, and an Executor that composes the two.
//
// Breaker state is per-process. When many workers consume the same Redis
// streams, each keeps its own breaker view (bulkhead isolation); the Registry
// is an injected object so a shared backend can replace it later.
package resilience

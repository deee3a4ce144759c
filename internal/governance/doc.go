// Package governance holds the runtime safety controls shared by the
// execution core: the jittered exponential backoff used for bounded lock
// waits, and a circuit breaker that stops a failing collaborator from being
// hammered on every stage of every run.
package governance

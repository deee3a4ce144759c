// Package engine runs pipeline instances through the six-phase stage
// lifecycle.
//
// executor.go  - Executor: lease acquisition, stage iteration, audit, rollback, finalization
// scheduler.go - Scheduler: dependency-ordered batch execution in parallel waves
//
// An Executor owns no goroutines between runs. Each Run holds the pipeline's
// lease for its duration, renewing it in the background, and always releases
// it before returning.
package engine

// Package domain defines the core types and collaborator contracts of the
// hexaflow pipeline execution core.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, bus, HTTP, etc.)
// - Shared by the executor, the lock/rollback/audit managers and the adapters
// - Testable in isolation without mocks
//
// Other packages (engine, storage, events, policy, etc.) implement or consume the
// interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain

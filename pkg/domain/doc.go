// Package domain defines the core types shared by the export pipeline.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no HTTP, task queues, processes, etc.)
// - Plain values that are safe to copy between goroutines
// - Stable and unlikely to change frequently
//
// Struct tags on ExportRequest carry validation rules that are enforced by the
// export package; nothing here imports the validator itself. The dependency
// direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain

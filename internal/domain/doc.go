// Package domain contains the core entities and value objects for walvault.
//
// This package represents the innermost layer of the architecture. It has no
// dependencies on infrastructure concerns (object storage, file system,
// logging) and contains only the data model and its invariants.
//
// # Entities
//
//   - [Frame]: one WAL record, a page's new content plus metadata,
//     optionally marking a transaction commit boundary
//   - [Generation]: a bounded epoch of WAL history between two
//     snapshot/checkpoint boundaries
//   - [Manifest]: the durable pointer describing the latest fully
//     recoverable state, stored at a well-known object key
//
// # Design Principles
//
// Domain entities are:
//   - Immutable after construction (where practical)
//   - Free of infrastructure dependencies
//   - Focused on invariants: contiguous sequence numbers, at most one open
//     generation, and a manifest that never references absent data
package domain

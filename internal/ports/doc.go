// Package ports defines the interfaces that connect the replication core to
// infrastructure adapters.
//
// The core packages (buffer, generation, uploader, restore) depend only on
// these interfaces. Adapters under internal/adapters implement them with
// concrete backends (S3, in-memory). This keeps the shipping and restore
// logic testable without a network and lets the embedding process supply its
// own store.
package ports

package domain

import "time"

// GenerationStatus describes where a generation is in its lifecycle.
type GenerationStatus string

const (
	// GenerationOpen accepts new frames. At most one generation is open.
	GenerationOpen GenerationStatus = "open"

	// GenerationSnapshotPending is open and still waiting for its base
	// snapshot to become durable in the object store.
	GenerationSnapshotPending GenerationStatus = "snapshot-pending"

	// GenerationSealed no longer accepts frames and is immutable.
	GenerationSealed GenerationStatus = "sealed"

	// GenerationSuperseded is sealed and fully covered by a newer durable
	// snapshot; its frame objects are eligible for deletion after the
	// retention window.
	GenerationSuperseded GenerationStatus = "superseded"

	// GenerationGarbageCollected had its frame objects deleted. The base
	// snapshot, if any, is never deleted.
	GenerationGarbageCollected GenerationStatus = "gc"
)

// Snapshot describes a full copy of the database file taken at a generation
// boundary and stored as a remote object.
type Snapshot struct {
	// PageCount is the number of pages in the snapshot image.
	PageCount uint32 `json:"page_count"`

	// Checksum is the hex-encoded blake3 sum of the uncompressed image.
	Checksum string `json:"checksum"`

	// CreatedAt is when the snapshot was taken locally.
	CreatedAt time.Time `json:"created_at"`
}

// Generation is a contiguous epoch of WAL history bounded by a base snapshot
// and ended by a checkpoint or restart.
type Generation struct {
	// ID is monotonically increasing, starting at 1.
	ID uint64 `json:"id"`

	Status GenerationStatus `json:"status"`

	// StartSeq is the sequence number of the first frame in this generation.
	StartSeq uint64 `json:"start_seq"`

	// LastSeq is the highest sequence number assigned within this
	// generation. Zero while no frames have been accepted.
	LastSeq uint64 `json:"last_seq"`

	// LastDurableSeq is the highest sequence number confirmed durable in
	// the object store and published in the manifest. Restore never replays
	// past it.
	LastDurableSeq uint64 `json:"last_durable_seq"`

	// Snapshot is the base snapshot this generation starts from, if any.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	SealedAt     time.Time `json:"sealed_at,omitempty"`
	SupersededAt time.Time `json:"superseded_at,omitempty"`
}

// HasFrames reports whether any frames were accepted into the generation.
func (g *Generation) HasFrames() bool {
	return g.LastSeq >= g.StartSeq && g.LastSeq != 0
}

// Durable reports whether seq has been confirmed durable in this generation.
func (g *Generation) Durable(seq uint64) bool {
	return seq >= g.StartSeq && seq <= g.LastDurableSeq
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manifest is the single source of truth for "what is the latest recoverable
// state" of one database. It lives at ManifestKey and is published only after
// every object it references is durably present (write-then-publish).
type Manifest struct {
	// BackupID is a random identity minted on first run. Restore refuses to
	// replay a manifest whose BackupID differs from a locally recorded one,
	// so two databases accidentally sharing a prefix fail loudly.
	BackupID uuid.UUID `json:"backup_id"`

	// DBID names the database; it is the object key prefix.
	DBID string `json:"db_id"`

	// PageSize is the database page size in bytes. Fixed for the lifetime
	// of the backup set.
	PageSize uint32 `json:"page_size"`

	// NextSeq is the next sequence number to assign after the last
	// published state.
	NextSeq uint64 `json:"next_seq"`

	UpdatedAt time.Time `json:"updated_at"`

	// Generations is ordered by ascending ID. The last entry is the open
	// generation.
	Generations []Generation `json:"generations"`
}

// NewManifest creates a first-run manifest with a fresh backup identity and
// a single open generation.
func NewManifest(dbid string, pageSize uint32, now time.Time) *Manifest {
	return &Manifest{
		BackupID:  uuid.New(),
		DBID:      dbid,
		PageSize:  pageSize,
		NextSeq:   1,
		UpdatedAt: now,
		Generations: []Generation{
			{ID: 1, Status: GenerationOpen, StartSeq: 1},
		},
	}
}

// Active returns the open generation, or nil if none.
func (m *Manifest) Active() *Generation {
	if len(m.Generations) == 0 {
		return nil
	}
	g := &m.Generations[len(m.Generations)-1]
	if g.Status == GenerationOpen || g.Status == GenerationSnapshotPending {
		return g
	}
	return nil
}

// Generation returns the generation with the given ID, or nil.
func (m *Manifest) Generation(id uint64) *Generation {
	for i := range m.Generations {
		if m.Generations[i].ID == id {
			return &m.Generations[i]
		}
	}
	return nil
}

// LatestSnapshot returns the newest generation carrying a durable base
// snapshot, or nil if the backup set has never been snapshotted.
func (m *Manifest) LatestSnapshot() *Generation {
	for i := len(m.Generations) - 1; i >= 0; i-- {
		if m.Generations[i].Snapshot != nil {
			return &m.Generations[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Generations = make([]Generation, len(m.Generations))
	copy(out.Generations, m.Generations)
	for i := range out.Generations {
		if s := out.Generations[i].Snapshot; s != nil {
			sc := *s
			out.Generations[i].Snapshot = &sc
		}
	}
	return &out
}

// EncodeManifest serializes a manifest for publication.
func EncodeManifest(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// DecodeManifest parses and validates a manifest fetched from the store.
func DecodeManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	if m.BackupID == uuid.Nil || m.DBID == "" || m.PageSize == 0 {
		return nil, fmt.Errorf("%w: missing identity fields", ErrCorruptManifest)
	}
	var prev uint64
	for _, g := range m.Generations {
		if g.ID <= prev {
			return nil, fmt.Errorf("%w: generation IDs not ascending", ErrCorruptManifest)
		}
		prev = g.ID
	}
	return &m, nil
}

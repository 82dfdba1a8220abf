// Package restore reconstructs a consistent local database image from
// object storage before the host engine is allowed to proceed.
//
// Restore is fail-closed: any I/O error while fetching the manifest,
// snapshot, or frame objects is fatal to open. A corrupt or incomplete
// frame tail, in contrast, is the replication's true high-water mark from a
// crash mid-upload and replay simply stops there.
package restore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"github.com/bft-labs/walvault/internal/codec"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/ports"
	"github.com/bft-labs/walvault/pkg/log"
)

// Result describes the outcome of a successful open.
type Result int

const (
	// ResultRestored means a prior backup was reconstructed.
	ResultRestored Result = iota

	// ResultFirstRun means no manifest exists: there is no prior backup
	// and the database starts from local state only.
	ResultFirstRun
)

// String returns a human-readable result name.
func (r Result) String() string {
	switch r {
	case ResultRestored:
		return "restored"
	case ResultFirstRun:
		return "first-run"
	default:
		return "unknown"
	}
}

// Engine reconstructs a database image from the object store.
type Engine struct {
	store  ports.ObjectStore
	logger log.Logger

	expectedBackupID uuid.UUID
}

// Option configures an Engine.
type Option func(*Engine)

// WithExpectedBackupID makes restore refuse a manifest whose backup
// identity differs, so a database never replays a foreign backup set that
// happens to share its key prefix.
func WithExpectedBackupID(id uuid.UUID) Option {
	return func(e *Engine) { e.expectedBackupID = id }
}

// NewEngine creates a restore engine over the given store.
func NewEngine(store ports.ObjectStore, logger log.Logger, opts ...Option) *Engine {
	e := &Engine{store: store, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run locates the newest recoverable state for dbid and materializes it at
// dbPath. It returns the fetched manifest (nil on first run) and the open
// result. All failures wrap domain.ErrRestoreFailed.
func (e *Engine) Run(ctx context.Context, dbid, dbPath string) (*domain.Manifest, Result, error) {
	man, err := e.fetchManifest(ctx, dbid)
	if errors.Is(err, ports.ErrNotFound) {
		e.logger.Info("no manifest: first run", log.String("db", dbid))
		return nil, ResultFirstRun, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrRestoreFailed, err)
	}

	image, err := e.baseImage(ctx, man)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrRestoreFailed, err)
	}

	image, highWater, err := e.replay(ctx, man, image)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrRestoreFailed, err)
	}

	if err := writeImage(dbPath, image); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrRestoreFailed, err)
	}

	e.logger.Info("restored database",
		log.String("db", dbid),
		log.Uint64("high_water_seq", highWater),
		log.Int("pages", len(image)/int(man.PageSize)),
	)
	return man, ResultRestored, nil
}

func (e *Engine) fetchManifest(ctx context.Context, dbid string) (*domain.Manifest, error) {
	rc, err := e.store.Get(ctx, domain.ManifestKey(dbid))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	man, err := domain.DecodeManifest(b)
	if err != nil {
		return nil, err
	}
	if man.DBID != dbid {
		return nil, fmt.Errorf("%w: manifest names %q, expected %q", domain.ErrCorruptManifest, man.DBID, dbid)
	}
	if e.expectedBackupID != uuid.Nil && man.BackupID != e.expectedBackupID {
		return nil, fmt.Errorf("%w: backup identity %s does not match local %s",
			domain.ErrCorruptManifest, man.BackupID, e.expectedBackupID)
	}
	return man, nil
}

// baseImage downloads and verifies the most recent snapshot, or returns an
// empty image when the backup set was never snapshotted.
func (e *Engine) baseImage(ctx context.Context, man *domain.Manifest) ([]byte, error) {
	g := man.LatestSnapshot()
	if g == nil {
		return nil, nil
	}

	rc, err := e.store.Get(ctx, domain.SnapshotKey(man.DBID, g.ID))
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot for generation %d: %w", g.ID, err)
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("snapshot for generation %d: %w", g.ID, err)
	}
	image, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("snapshot for generation %d: %w", g.ID, err)
	}

	if uint32(len(image)) != g.Snapshot.PageCount*man.PageSize {
		return nil, fmt.Errorf("snapshot for generation %d is %d bytes, manifest says %d pages",
			g.ID, len(image), g.Snapshot.PageCount)
	}
	sum := blake3.Sum256(image)
	if hex.EncodeToString(sum[:]) != g.Snapshot.Checksum {
		return nil, fmt.Errorf("snapshot for generation %d fails checksum verification", g.ID)
	}
	return image, nil
}

// replay applies frame objects of every generation at or after the latest
// snapshot, in sequence order, onto image. Page writes are staged and only
// applied at commit boundaries so a shipped prefix that ends mid
// transaction never surfaces uncommitted pages.
func (e *Engine) replay(ctx context.Context, man *domain.Manifest, image []byte) ([]byte, uint64, error) {
	fromGen := uint64(0)
	if g := man.LatestSnapshot(); g != nil {
		fromGen = g.ID
	}

	var highWater uint64

	for gi := range man.Generations {
		g := &man.Generations[gi]
		if g.ID < fromGen || g.Status == domain.GenerationGarbageCollected {
			continue
		}
		if g.LastDurableSeq == 0 || !g.HasFrames() {
			continue
		}

		// Transactions never span generations: rollover, checkpoint and
		// restart all seal at commit boundaries. A torn tail staged at the
		// end of one generation must not complete in the next.
		staged := map[uint32][]byte{}
		grown, stop, err := e.replayGeneration(ctx, man, g, image, staged, &highWater)
		if err != nil {
			return nil, 0, err
		}
		image = grown
		if stop {
			break
		}
	}
	return image, highWater, nil
}

// replayGeneration replays one generation. It returns stop=true when the
// high-water mark was reached (gap, corrupt tail, or durable limit).
func (e *Engine) replayGeneration(
	ctx context.Context,
	man *domain.Manifest,
	g *domain.Generation,
	image []byte,
	staged map[uint32][]byte,
	highWater *uint64,
) ([]byte, bool, error) {
	keys, err := e.store.List(ctx, domain.GenerationPrefix(man.DBID, g.ID))
	if err != nil {
		return nil, false, fmt.Errorf("list generation %d: %w", g.ID, err)
	}

	type span struct {
		key        string
		start, end uint64
	}
	var spans []span
	for _, key := range keys {
		start, end, perr := domain.ParseFramesKey(key)
		if perr != nil {
			continue // snapshot or unrelated object
		}
		spans = append(spans, span{key: key, start: start, end: end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	expected := g.StartSeq
	for _, sp := range spans {
		if sp.start > g.LastDurableSeq {
			return image, true, nil
		}
		if sp.start != expected {
			// A gap means everything past it was lost mid-upload.
			e.logger.Warn("frame gap in generation",
				log.Uint64("generation", g.ID),
				log.Uint64("expected_seq", expected),
				log.Uint64("found_seq", sp.start),
			)
			return image, true, nil
		}

		rc, err := e.store.Get(ctx, sp.key)
		if err != nil {
			return nil, false, fmt.Errorf("fetch %s: %w", sp.key, err)
		}
		stop, nextSeq, grown, err := applyFrames(rc, man.PageSize, image, staged, expected, g.LastDurableSeq)
		rc.Close()
		if err != nil {
			return nil, false, fmt.Errorf("replay %s: %w", sp.key, err)
		}
		image = grown
		if nextSeq > 0 {
			*highWater = nextSeq - 1
		}
		expected = nextSeq
		if stop {
			return image, true, nil
		}
	}

	if expected <= g.LastDurableSeq {
		// Listing ended before the durable mark: treat like a gap.
		return image, true, nil
	}
	return image, false, nil
}

// applyFrames decodes one frame object, staging page writes and flushing
// them into the image at each commit boundary.
func applyFrames(
	r io.Reader,
	pageSize uint32,
	image []byte,
	staged map[uint32][]byte,
	expected, durable uint64,
) (stop bool, nextSeq uint64, out []byte, err error) {
	zr, zerr := gzip.NewReader(r)
	if zerr != nil {
		// The object body is torn; replay stops here.
		return true, expected, image, nil
	}
	dec := codec.NewDecoder(zr, pageSize)

	for {
		f, derr := dec.Next()
		if derr == io.EOF {
			return false, expected, image, nil
		}
		if derr != nil {
			// Corrupt or truncated tail from a crash mid-upload: the
			// replication's true high-water mark, not a fatal error.
			return true, expected, image, nil
		}
		if f.Seq != expected || f.Seq > durable {
			return true, expected, image, nil
		}

		staged[f.Pgno] = f.Data
		if f.Commit {
			for pgno, data := range staged {
				image = applyPage(image, pgno, data, pageSize)
				delete(staged, pgno)
			}
		}
		expected++
	}
}

func applyPage(image []byte, pgno uint32, data []byte, pageSize uint32) []byte {
	end := int(pgno) * int(pageSize)
	if len(image) < end {
		grown := make([]byte, end)
		copy(grown, image)
		image = grown
	}
	copy(image[end-int(pageSize):end], data)
	return image
}

// writeImage materializes the image at path atomically and clears any stale
// WAL file next to it.
func writeImage(path string, image []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, image, 0o600); err != nil {
		return err
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := os.Remove(path + "-wal"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

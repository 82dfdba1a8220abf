package restore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"github.com/bft-labs/walvault/internal/adapters/memstore"
	"github.com/bft-labs/walvault/internal/codec"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/pkg/log"
)

const (
	testPageSize = 512
	testDBID     = "db-test"
)

func page(fill byte) []byte {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = fill
	}
	return data
}

func frame(seq uint64, pgno uint32, fill byte, commit bool) domain.Frame {
	data := page(fill)
	return domain.Frame{
		Seq:      seq,
		Pgno:     pgno,
		Commit:   commit,
		Checksum: codec.Checksum64(data),
		Data:     data,
	}
}

func putGz(t *testing.T, store *memstore.Store, key string, raw []byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := store.Put(context.Background(), key, &buf); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func putFrames(t *testing.T, store *memstore.Store, genID uint64, frames ...domain.Frame) {
	t.Helper()
	raw, err := codec.EncodeFrames(frames, testPageSize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	key := domain.FramesKey(testDBID, genID, frames[0].Seq, frames[len(frames)-1].Seq)
	putGz(t, store, key, raw)
}

func putSnapshot(t *testing.T, store *memstore.Store, g *domain.Generation, image []byte) {
	t.Helper()
	sum := blake3.Sum256(image)
	g.Snapshot = &domain.Snapshot{
		PageCount: uint32(len(image)) / testPageSize,
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now(),
	}
	putGz(t, store, domain.SnapshotKey(testDBID, g.ID), image)
}

func putManifest(t *testing.T, store *memstore.Store, man *domain.Manifest) {
	t.Helper()
	b, err := domain.EncodeManifest(man)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := store.Put(context.Background(), domain.ManifestKey(testDBID), bytes.NewReader(b)); err != nil {
		t.Fatalf("put manifest: %v", err)
	}
}

func baseManifest() *domain.Manifest {
	return &domain.Manifest{
		BackupID:  uuid.New(),
		DBID:      testDBID,
		PageSize:  testPageSize,
		NextSeq:   1,
		UpdatedAt: time.Now(),
	}
}

func runRestore(t *testing.T, store *memstore.Store, opts ...Option) (*domain.Manifest, Result, string, error) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	e := NewEngine(store, log.NewNoopLogger(), opts...)
	man, res, err := e.Run(context.Background(), testDBID, dbPath)
	return man, res, dbPath, err
}

func TestFirstRunWhenNoManifest(t *testing.T) {
	man, res, dbPath, err := runRestore(t, memstore.New())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res != ResultFirstRun || man != nil {
		t.Fatalf("result = %v, manifest = %v, want first run with no manifest", res, man)
	}
	if _, serr := os.Stat(dbPath); !os.IsNotExist(serr) {
		t.Fatal("first run must not write a database file")
	}
}

func TestRestoreSnapshotPlusFrames(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{{
		ID: 1, Status: domain.GenerationSealed,
		StartSeq: 1, LastSeq: 2, LastDurableSeq: 2,
	}}
	putSnapshot(t, store, &man.Generations[0], append(page(0xA1), page(0xA2)...))
	putFrames(t, store, 1,
		frame(1, 2, 0xB2, false),
		frame(2, 1, 0xB1, true),
	)
	man.NextSeq = 3
	putManifest(t, store, man)

	got, res, dbPath, err := runRestore(t, store)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res != ResultRestored {
		t.Fatalf("result = %v, want restored", res)
	}
	if got.BackupID != man.BackupID {
		t.Fatal("manifest identity lost")
	}

	image, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read restored db: %v", err)
	}
	want := append(page(0xB1), page(0xB2)...)
	if !bytes.Equal(image, want) {
		t.Fatal("restored image differs from snapshot plus replayed frames")
	}
}

func TestReplayCapsAtDurableSeq(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{{
		ID: 1, Status: domain.GenerationSealed,
		StartSeq: 1, LastSeq: 3, LastDurableSeq: 1,
	}}
	// Frames 2..3 are in the store but the published manifest never
	// confirmed them; replay must ignore them.
	putFrames(t, store, 1, frame(1, 1, 0x01, true))
	putFrames(t, store, 1,
		frame(2, 2, 0x02, false),
		frame(3, 3, 0x03, true),
	)
	putManifest(t, store, man)

	_, _, dbPath, err := runRestore(t, store)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	image, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read restored db: %v", err)
	}
	if len(image) != testPageSize {
		t.Fatalf("image = %d bytes, want one page (frames past durable mark applied)", len(image))
	}
}

func TestUncommittedTailNotApplied(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{{
		ID: 1, Status: domain.GenerationSealed,
		StartSeq: 1, LastSeq: 3, LastDurableSeq: 3,
	}}
	// Sequence 3 updates page 1 but is not a commit boundary: its page
	// must not surface in the restored image.
	putFrames(t, store, 1,
		frame(1, 1, 0x01, false),
		frame(2, 2, 0x02, true),
		frame(3, 1, 0xFF, false),
	)
	putManifest(t, store, man)

	_, _, dbPath, err := runRestore(t, store)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	image, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read restored db: %v", err)
	}
	if !bytes.Equal(image[:testPageSize], page(0x01)) {
		t.Fatal("uncommitted page overwrite surfaced in restored image")
	}
}

func TestTornTailDiscardedAtGenerationBoundary(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{
		{
			ID: 1, Status: domain.GenerationSealed,
			StartSeq: 1, LastSeq: 2, LastDurableSeq: 2,
		},
		{
			ID: 2, Status: domain.GenerationSealed,
			StartSeq: 3, LastSeq: 3, LastDurableSeq: 3,
		},
	}
	// Generation 1's durable tail ends mid-transaction: the commit frame
	// was lost with the process. Its staged pages must not be flushed by
	// generation 2's commit boundary.
	putFrames(t, store, 1,
		frame(1, 1, 0x01, false),
		frame(2, 2, 0x02, false),
	)
	putFrames(t, store, 2, frame(3, 2, 0xC2, true))
	man.NextSeq = 4
	putManifest(t, store, man)

	_, _, dbPath, err := runRestore(t, store)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	image, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read restored db: %v", err)
	}
	if len(image) != 2*testPageSize {
		t.Fatalf("image = %d bytes, want two pages", len(image))
	}
	if !bytes.Equal(image[:testPageSize], make([]byte, testPageSize)) {
		t.Fatal("torn transaction pages from generation 1 surfaced in the restored image")
	}
	if !bytes.Equal(image[testPageSize:], page(0xC2)) {
		t.Fatal("generation 2's committed page missing")
	}
}

func TestReplayStopsAtCorruptTail(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{{
		ID: 1, Status: domain.GenerationSealed,
		StartSeq: 1, LastSeq: 2, LastDurableSeq: 2,
	}}
	good := frame(1, 1, 0x01, true)
	bad := frame(2, 2, 0x02, true)
	bad.Data[0] ^= 0xFF // breaks the checksum

	raw := codec.AppendFrame(nil, good)
	raw = codec.AppendFrame(raw, bad)
	putGz(t, store, domain.FramesKey(testDBID, 1, 1, 2), raw)
	putManifest(t, store, man)

	_, res, dbPath, err := runRestore(t, store)
	if err != nil {
		t.Fatalf("corrupt tail must not fail restore: %v", err)
	}
	if res != ResultRestored {
		t.Fatalf("result = %v, want restored", res)
	}
	image, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read restored db: %v", err)
	}
	if len(image) != testPageSize || !bytes.Equal(image, page(0x01)) {
		t.Fatal("restore did not stop cleanly at the corrupt frame")
	}
}

func TestFrameGapStopsReplay(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{{
		ID: 1, Status: domain.GenerationSealed,
		StartSeq: 1, LastSeq: 3, LastDurableSeq: 3,
	}}
	putFrames(t, store, 1, frame(1, 1, 0x01, true))
	// Sequence 2 is missing entirely.
	putFrames(t, store, 1, frame(3, 3, 0x03, true))
	putManifest(t, store, man)

	_, _, dbPath, err := runRestore(t, store)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	image, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read restored db: %v", err)
	}
	if len(image) != testPageSize {
		t.Fatalf("image = %d bytes: frames past the gap were applied", len(image))
	}
}

func TestSnapshotChecksumMismatchFails(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{{
		ID: 1, Status: domain.GenerationSealed,
		StartSeq: 1, LastSeq: 1, LastDurableSeq: 1,
	}}
	putSnapshot(t, store, &man.Generations[0], page(0xA1))
	man.Generations[0].Snapshot.Checksum = "deadbeef"
	putFrames(t, store, 1, frame(1, 1, 0x01, true))
	putManifest(t, store, man)

	_, _, _, err := runRestore(t, store)
	if !errors.Is(err, domain.ErrRestoreFailed) {
		t.Fatalf("err = %v, want RestoreFailed", err)
	}
}

func TestBackupIdentityMismatchFails(t *testing.T) {
	store := memstore.New()
	man := baseManifest()
	man.Generations = []domain.Generation{{
		ID: 1, Status: domain.GenerationSealed,
		StartSeq: 1, LastSeq: 1, LastDurableSeq: 1,
	}}
	putFrames(t, store, 1, frame(1, 1, 0x01, true))
	putManifest(t, store, man)

	_, _, _, err := runRestore(t, store, WithExpectedBackupID(uuid.New()))
	if !errors.Is(err, domain.ErrRestoreFailed) {
		t.Fatalf("err = %v, want RestoreFailed", err)
	}

	// The right identity restores fine.
	if _, _, _, err := runRestore(t, store, WithExpectedBackupID(man.BackupID)); err != nil {
		t.Fatalf("restore with matching identity: %v", err)
	}
}

func TestStoreErrorIsFatal(t *testing.T) {
	store := memstore.New()
	store.GetErr = errors.New("connection refused")

	_, _, _, err := runRestore(t, store)
	if !errors.Is(err, domain.ErrRestoreFailed) {
		t.Fatalf("err = %v, want RestoreFailed", err)
	}
}

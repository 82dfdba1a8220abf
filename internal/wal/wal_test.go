package wal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bft-labs/walvault/internal/buffer"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/generation"
	"github.com/bft-labs/walvault/pkg/log"
)

const testPageSize = 512

func page(fill byte) []byte {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = fill
	}
	return data
}

func frame(pgno uint32, fill byte) domain.Frame {
	return domain.Frame{Pgno: pgno, Data: page(fill)}
}

func openTestWAL(t *testing.T, dbPath string) *FileWAL {
	t.Helper()
	w, err := OpenFileWAL(dbPath, testPageSize, log.NewNoopLogger())
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestCommitMarksBoundaryAndOverlaysReads(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	w := openTestWAL(t, dbPath)

	if err := w.WriteFrames([]domain.Frame{frame(1, 0xAA), frame(2, 0xBB)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames, err := w.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("committed %d frames, want 2", len(frames))
	}
	if frames[0].Commit || !frames[1].Commit {
		t.Fatalf("commit flags = [%v %v], want [false true]", frames[0].Commit, frames[1].Commit)
	}
	if frames[0].Checksum == 0 {
		t.Fatal("checksum was not filled in")
	}

	got, err := w.ReadPage(2)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if !bytes.Equal(got, page(0xBB)) {
		t.Fatal("read did not see committed overlay")
	}
	if _, ok := w.ReadFrame(2); !ok {
		t.Fatal("committed page has no frame in the log")
	}
	if _, ok := w.ReadFrame(9); ok {
		t.Fatal("never-written page has a frame")
	}
}

func TestRollbackDiscardsStagedFrames(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	w := openTestWAL(t, dbPath)

	if err := w.WriteFrames([]domain.Frame{frame(1, 0x01)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Rollback()

	frames, err := w.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if frames != nil {
		t.Fatalf("commit after rollback returned %d frames", len(frames))
	}
}

func TestReopenRecoversCommittedDropsUncommitted(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	w := openTestWAL(t, dbPath)

	_ = w.WriteFrames([]domain.Frame{frame(1, 0x01), frame(2, 0x02)})
	if _, err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Staged but never committed: must not survive a reopen.
	_ = w.WriteFrames([]domain.Frame{frame(3, 0x03)})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2 := openTestWAL(t, dbPath)
	got, err := w2.ReadPage(2)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if !bytes.Equal(got, page(0x02)) {
		t.Fatal("committed page lost across reopen")
	}
	if _, err := w2.ReadPage(3); err == nil {
		t.Fatal("uncommitted page visible after reopen")
	}
}

func TestReopenTruncatesTornTail(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	w := openTestWAL(t, dbPath)

	_ = w.WriteFrames([]domain.Frame{frame(1, 0x01)})
	if _, err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-append: garbage past the last commit boundary.
	f, err := os.OpenFile(dbPath+"-wal", os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open raw wal: %v", err)
	}
	if _, err := f.Write([]byte("torn")); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	w2 := openTestWAL(t, dbPath)
	got, err := w2.ReadPage(1)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if !bytes.Equal(got, page(0x01)) {
		t.Fatal("committed page lost to torn tail truncation")
	}

	info, err := os.Stat(dbPath + "-wal")
	if err != nil {
		t.Fatalf("stat wal: %v", err)
	}
	if want := int64(domain.FrameHeaderSize + testPageSize); info.Size() != want {
		t.Fatalf("wal size = %d after recovery, want %d", info.Size(), want)
	}
}

func TestCheckpointFoldsPagesAndTruncates(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	w := openTestWAL(t, dbPath)

	_ = w.WriteFrames([]domain.Frame{frame(1, 0x01), frame(2, 0x02)})
	if _, err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	image, err := w.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(image) != 2*testPageSize {
		t.Fatalf("image = %d bytes, want %d", len(image), 2*testPageSize)
	}
	if !bytes.Equal(image[testPageSize:], page(0x02)) {
		t.Fatal("image missing committed page 2")
	}

	onDisk, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read db: %v", err)
	}
	if !bytes.Equal(onDisk, image) {
		t.Fatal("database file differs from returned image")
	}
	info, err := os.Stat(dbPath + "-wal")
	if err != nil {
		t.Fatalf("stat wal: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("wal size = %d after checkpoint, want 0", info.Size())
	}

	// Reads fall through to the database file now.
	if _, ok := w.ReadFrame(1); ok {
		t.Fatal("checkpointed page still has a frame in the log")
	}
	got, err := w.ReadPage(1)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if !bytes.Equal(got, page(0x01)) {
		t.Fatal("read after checkpoint lost page 1")
	}
}

func newTestManager(t *testing.T, soft, hard int) *generation.Manager {
	t.Helper()
	man := domain.NewManifest("db-test", testPageSize, time.Now())
	mgr := generation.New(
		log.NewNoopLogger(),
		buffer.New(soft, hard),
		man,
		generation.Tunables{MaxBatchBytes: 1 << 20, BatchInterval: time.Minute, Retention: time.Hour},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return mgr
}

func TestHookForwardsCommittedFrames(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	mgr := newTestManager(t, 1<<20, 2<<20)
	h := NewHook(openTestWAL(t, dbPath), mgr, log.NewNoopLogger())

	_ = h.WriteFrames([]domain.Frame{frame(1, 0x01), frame(2, 0x02)})
	if err := h.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	man := mgr.Manifest()
	if g := man.Active(); g == nil || g.LastSeq != 2 {
		t.Fatalf("active generation = %+v, want last seq 2", g)
	}
}

func TestHookCommitSurvivesBackpressure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	// Soft cap of one byte: every commit trips the busy signal. The hard
	// ceiling is high enough that nothing blocks.
	mgr := newTestManager(t, 1, 1<<20)
	h := NewHook(openTestWAL(t, dbPath), mgr, log.NewNoopLogger())

	for i := byte(1); i <= 3; i++ {
		_ = h.WriteFrames([]domain.Frame{frame(uint32(i), i)})
		if err := h.Commit(context.Background()); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	man := mgr.Manifest()
	if g := man.Active(); g == nil || g.LastSeq != 3 {
		t.Fatalf("active generation = %+v, want last seq 3", g)
	}
}

func TestHookCheckpointSealsGeneration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	mgr := newTestManager(t, 1<<20, 2<<20)
	h := NewHook(openTestWAL(t, dbPath), mgr, log.NewNoopLogger())

	_ = h.WriteFrames([]domain.Frame{frame(1, 0x01)})
	if err := h.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := h.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	man := mgr.Manifest()
	if g := man.Generation(1); g == nil || g.Status != domain.GenerationSealed {
		t.Fatalf("generation 1 = %+v, want sealed", g)
	}
	if len(man.Generations) != 2 {
		t.Fatalf("generations = %d, want 2", len(man.Generations))
	}
}

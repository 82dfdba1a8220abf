// Package wal implements the write-ahead log boundary: a file-backed WAL
// the host engine commits through, and the hook that forwards committed
// frames into the replication pipeline.
//
// Local durability always comes first. A transaction is committed once its
// frames are fsynced to the local WAL file; replication happens after that
// and its failures never fail the transaction.
package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bft-labs/walvault/internal/codec"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/pkg/log"
)

// WAL is the surface the host engine drives. Frames are staged with
// WriteFrames and become durable, and visible to reads, at Commit.
type WAL interface {
	WriteFrames(frames []domain.Frame) error
	Commit() ([]domain.Frame, error)
	Rollback()
	ReadFrame(pgno uint32) ([]byte, bool)
	ReadPage(pgno uint32) ([]byte, error)
	Checkpoint() ([]byte, error)
	Close() error
}

// FileWAL is a file-backed WAL next to the database file. Committed frames
// are appended to <dbPath>-wal and overlay the database file for reads
// until a checkpoint folds them in.
type FileWAL struct {
	mu       sync.Mutex
	dbPath   string
	pageSize uint32
	logger   log.Logger

	f      *os.File
	size   int64 // committed bytes in the WAL file
	staged []domain.Frame
	pages  map[uint32][]byte // committed, not yet checkpointed
}

// OpenFileWAL opens (or creates) the WAL beside dbPath. An existing WAL is
// recovered: committed frames are loaded into the page overlay and any torn
// tail past the last commit boundary is truncated away.
func OpenFileWAL(dbPath string, pageSize uint32, logger log.Logger) (*FileWAL, error) {
	f, err := os.OpenFile(dbPath+"-wal", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	w := &FileWAL{
		dbPath:   dbPath,
		pageSize: pageSize,
		logger:   logger,
		f:        f,
		pages:    make(map[uint32][]byte),
	}
	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// recover replays the existing WAL file into the page overlay, keeping only
// frames up to the last commit boundary.
func (w *FileWAL) recover() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	dec := codec.NewDecoder(w.f, w.pageSize)
	recordSize := int64(domain.FrameHeaderSize + int(w.pageSize))

	var (
		pending  = make(map[uint32][]byte)
		frames   int64
		durable  int64 // records up to and including the last commit
		replayed int
	)
	for {
		f, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn tail from a crash mid-write; everything before the last
			// commit boundary is still good.
			w.logger.Warn("truncating torn tail from local log", log.Err(err))
			break
		}
		frames++
		pending[f.Pgno] = f.Data
		if f.Commit {
			for pgno, data := range pending {
				w.pages[pgno] = data
				delete(pending, pgno)
			}
			durable = frames
			replayed = len(w.pages)
		}
	}

	w.size = durable * recordSize
	if err := w.f.Truncate(w.size); err != nil {
		return err
	}
	if _, err := w.f.Seek(w.size, io.SeekStart); err != nil {
		return err
	}
	if replayed > 0 {
		w.logger.Info("recovered local log", log.Int("pages", replayed))
	}
	return nil
}

// WriteFrames stages frames for the current transaction. Checksums are
// computed here if the caller left them zero.
func (w *FileWAL) WriteFrames(frames []domain.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return domain.ErrClosed
	}
	for i := range frames {
		if frames[i].Checksum == 0 {
			frames[i].Checksum = codec.Checksum64(frames[i].Data)
		}
		if err := codec.Validate(frames[i], w.pageSize); err != nil {
			return err
		}
	}
	w.staged = append(w.staged, frames...)
	return nil
}

// Commit makes the staged frames durable and returns them with the last
// frame marked as the commit boundary. The returned slice is the caller's
// to hand onward; the WAL keeps its own copies.
func (w *FileWAL) Commit() ([]domain.Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil, domain.ErrClosed
	}
	if len(w.staged) == 0 {
		return nil, nil
	}

	frames := w.staged
	w.staged = nil
	frames[len(frames)-1].Commit = true

	buf := make([]byte, 0, len(frames)*(domain.FrameHeaderSize+int(w.pageSize)))
	for _, f := range frames {
		buf = codec.AppendFrame(buf, f)
	}
	if _, err := w.f.WriteAt(buf, w.size); err != nil {
		return nil, err
	}
	if err := w.f.Sync(); err != nil {
		return nil, err
	}
	w.size += int64(len(buf))

	for _, f := range frames {
		w.pages[f.Pgno] = f.Data
	}
	return frames, nil
}

// Rollback discards the staged frames of the current transaction.
func (w *FileWAL) Rollback() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.staged = nil
}

// ReadFrame returns the committed WAL content for pgno, or ok=false when
// the log holds no frame for that page and it must be read from the
// database file instead.
func (w *FileWAL) ReadFrame(pgno uint32) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.pages[pgno]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ReadPage returns page content, preferring the committed WAL overlay over
// the database file. A page past the end of both is an error.
func (w *FileWAL) ReadPage(pgno uint32) ([]byte, error) {
	if pgno == 0 {
		return nil, fmt.Errorf("%w: zero page number", domain.ErrInvalidFrame)
	}
	if data, ok := w.ReadFrame(pgno); ok {
		return data, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.dbPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data := make([]byte, w.pageSize)
	if _, err := f.ReadAt(data, int64(pgno-1)*int64(w.pageSize)); err != nil {
		return nil, err
	}
	return data, nil
}

// Checkpoint folds the committed overlay into the database file, truncates
// the WAL, and returns the resulting full database image.
func (w *FileWAL) Checkpoint() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil, domain.ErrClosed
	}

	db, err := os.OpenFile(w.dbPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	for pgno, data := range w.pages {
		if _, err := db.WriteAt(data, int64(pgno-1)*int64(w.pageSize)); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := db.Sync(); err != nil {
		db.Close()
		return nil, err
	}
	db.Close()

	if err := w.f.Truncate(0); err != nil {
		return nil, err
	}
	if err := w.f.Sync(); err != nil {
		return nil, err
	}
	w.size = 0
	w.pages = make(map[uint32][]byte)

	image, err := os.ReadFile(w.dbPath)
	if err != nil {
		return nil, err
	}
	w.logger.Info("checkpointed local log",
		log.Int("pages", len(image)/int(w.pageSize)))
	return image, nil
}

// PageSize returns the configured page size.
func (w *FileWAL) PageSize() uint32 { return w.pageSize }

// Close syncs and closes the WAL file. Staged frames are discarded.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Sync()
	cerr := w.f.Close()
	w.f = nil
	w.staged = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return cerr
}

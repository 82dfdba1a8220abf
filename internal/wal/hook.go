package wal

import (
	"context"
	"errors"

	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/generation"
	"github.com/bft-labs/walvault/internal/metrics"
	"github.com/bft-labs/walvault/pkg/log"
)

// Hook wraps an inner WAL and forwards every committed transaction's frames
// into the replication pipeline. It preserves the inner WAL's commit
// semantics exactly: local durability decides the transaction's fate, and
// replication trouble only ever slows commits (backpressure), never fails
// them.
type Hook struct {
	inner  WAL
	mgr    *generation.Manager
	logger log.Logger
}

// NewHook wraps inner so its commits feed mgr.
func NewHook(inner WAL, mgr *generation.Manager, logger log.Logger) *Hook {
	return &Hook{inner: inner, mgr: mgr, logger: logger}
}

// WriteFrames stages frames on the inner WAL.
func (h *Hook) WriteFrames(frames []domain.Frame) error {
	return h.inner.WriteFrames(frames)
}

// Commit commits locally first, then hands the committed frames to the
// generation manager. If the frame buffer is past its soft cap the commit
// still succeeds and this call blocks until the buffer drains below its
// hard ceiling, bounding how far local state can run ahead of the backup.
func (h *Hook) Commit(ctx context.Context) error {
	frames, err := h.inner.Commit()
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}

	switch err := h.mgr.Append(frames); {
	case err == nil:
	case errors.Is(err, domain.ErrBufferBusy):
		metrics.BackpressureEventsTotal.Inc()
		h.logger.Warn("frame buffer past soft cap, throttling commits")
		if werr := h.mgr.WaitBackpressure(ctx); werr != nil {
			h.logger.Warn("backpressure wait interrupted", log.Err(werr))
		}
	default:
		// The frames are locally durable; a checkpoint will carry their
		// pages into the next snapshot even if shipping never catches up.
		h.logger.Error("replication append failed", log.Err(err))
	}
	return nil
}

// Rollback discards the staged transaction.
func (h *Hook) Rollback() { h.inner.Rollback() }

// ReadFrame returns the committed WAL content for pgno, if any.
func (h *Hook) ReadFrame(pgno uint32) ([]byte, bool) {
	return h.inner.ReadFrame(pgno)
}

// ReadPage reads through the inner WAL overlay.
func (h *Hook) ReadPage(pgno uint32) ([]byte, error) {
	return h.inner.ReadPage(pgno)
}

// Checkpoint folds the local WAL into the database file and seals the
// current generation around the resulting snapshot image.
func (h *Hook) Checkpoint() ([]byte, error) {
	image, err := h.inner.Checkpoint()
	if err != nil {
		return nil, err
	}
	if err := h.mgr.Checkpoint(image); err != nil {
		return nil, err
	}
	return image, nil
}

// Close closes the inner WAL. The replication pipeline is shut down by its
// owner, not here.
func (h *Hook) Close() error {
	return h.inner.Close()
}

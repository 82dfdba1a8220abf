// Package uploader implements the object store uploader: the single
// consumer of the generation manager's job queue.
//
// It wraps the raw store capability with gzip framing, retry with
// exponential backoff and jitter on transient errors, reduced-cadence retry
// plus stall reporting on permanent errors, and idempotent
// sequence-addressed keys so a retried upload never creates
// duplicate-but-different data under the same key.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/bft-labs/walvault/internal/codec"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/generation"
	"github.com/bft-labs/walvault/internal/metrics"
	"github.com/bft-labs/walvault/internal/ports"
	"github.com/bft-labs/walvault/pkg/log"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultMaxAttempts  = 5
)

// Uploader drives the shipping loop.
type Uploader struct {
	store    ports.ObjectStore
	mgr      *generation.Manager
	logger   log.Logger
	pageSize uint32

	poll        time.Duration
	maxAttempts int

	// crashPoint, when set, runs before each store write with a stage
	// label. A non-nil return aborts the loop as if the process died at
	// that point. Test hook only.
	crashPoint func(stage string) error
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithPollInterval overrides how often the loop polls for due work.
func WithPollInterval(d time.Duration) Option {
	return func(u *Uploader) { u.poll = d }
}

// WithMaxAttempts overrides how many times a job is attempted before its
// lease is released back to the buffer.
func WithMaxAttempts(n int) Option {
	return func(u *Uploader) { u.maxAttempts = n }
}

// WithCrashPoint installs a crash-injection hook. Used by tests to verify
// the write-then-publish ordering survives a death mid-upload.
func WithCrashPoint(fn func(stage string) error) Option {
	return func(u *Uploader) { u.crashPoint = fn }
}

// New creates an uploader over the given store and manager.
func New(store ports.ObjectStore, mgr *generation.Manager, logger log.Logger, pageSize uint32, opts ...Option) *Uploader {
	u := &Uploader{
		store:       store,
		mgr:         mgr,
		logger:      logger,
		pageSize:    pageSize,
		poll:        defaultPollInterval,
		maxAttempts: defaultMaxAttempts,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Run executes the shipping loop until the context is canceled.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job := u.mgr.NextJob()
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.poll):
			}
			continue
		}
		if err := u.process(ctx, job); err != nil {
			return err
		}
	}
}

// Flush drains all currently due work. Called with a deadline context at
// graceful shutdown; whatever does not make it within the grace period is
// left for the next open's restore to reconcile.
func (u *Uploader) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job := u.mgr.NextJob()
		if job == nil {
			return nil
		}
		if err := u.process(ctx, job); err != nil {
			return err
		}
	}
}

// process attempts a job to completion or failure. It only returns a non-nil
// error for context cancellation or an injected crash; store failures are
// resolved through mgr.Fail.
func (u *Uploader) process(ctx context.Context, job *generation.Job) error {
	back := newBackoff(500*time.Millisecond, 10*time.Second)

	for attempt := 1; ; attempt++ {
		err := u.execute(ctx, job)
		if err == nil {
			u.mgr.Complete(job)
			return nil
		}
		if errors.Is(err, errInjectedCrash) {
			// Died mid-job: neither confirm nor release, exactly like a
			// real crash. Restore reconciles from the manifest.
			return err
		}
		if ctx.Err() != nil {
			// Canceled mid-job: hand it back so a shutdown flush can still
			// ship it. Leaving it outstanding would wedge the job slot.
			u.mgr.Fail(job, err, false)
			return ctx.Err()
		}

		permanent := errors.Is(err, domain.ErrStorePermanent)
		if permanent {
			u.mgr.Fail(job, err, true)
			// Retry permanently failing work at a much reduced cadence.
			if serr := sleepCtx(ctx, 4*u.poll); serr != nil {
				return serr
			}
			return nil
		}

		metrics.UploadRetriesTotal.Inc()
		u.logger.Warn("upload attempt failed",
			log.String("key", job.Key),
			log.Int("attempt", attempt),
			log.Err(err),
		)
		if attempt >= u.maxAttempts {
			u.mgr.Fail(job, err, false)
			return nil
		}
		if serr := back.Sleep(ctx); serr != nil {
			u.mgr.Fail(job, err, false)
			return serr
		}
	}
}

var errInjectedCrash = errors.New("walvault: injected crash")

// Crashed reports whether err came from an injected crash point.
func Crashed(err error) bool { return errors.Is(err, errInjectedCrash) }

// CrashNow is returned from a crash-point hook to abort the loop.
func CrashNow() error { return errInjectedCrash }

func (u *Uploader) execute(ctx context.Context, job *generation.Job) error {
	switch job.Kind {
	case generation.JobFrames:
		return u.putFrames(ctx, job)
	case generation.JobSnapshot:
		return u.putSnapshot(ctx, job)
	case generation.JobManifest:
		return u.putManifest(ctx, job)
	case generation.JobDelete:
		return u.sweep(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %d", job.Kind)
	}
}

func (u *Uploader) putFrames(ctx context.Context, job *generation.Job) error {
	if err := u.crash("put-frames"); err != nil {
		return err
	}
	raw, err := codec.EncodeFrames(job.Lease().Frames, u.pageSize)
	if err != nil {
		return err
	}
	gz, err := gzipBytes(raw)
	if err != nil {
		return err
	}
	if err := u.store.Put(ctx, job.Key, bytes.NewReader(gz)); err != nil {
		return err
	}
	u.logger.Info("shipped frames",
		log.String("key", job.Key),
		log.Int("frames", len(job.Lease().Frames)),
		log.String("size", humanize.IBytes(uint64(len(gz)))),
	)
	return nil
}

func (u *Uploader) putSnapshot(ctx context.Context, job *generation.Job) error {
	if err := u.crash("put-snapshot"); err != nil {
		return err
	}
	gz, err := gzipBytes(job.Payload)
	if err != nil {
		return err
	}
	if err := u.store.Put(ctx, job.Key, bytes.NewReader(gz)); err != nil {
		return err
	}
	u.logger.Info("shipped snapshot",
		log.String("key", job.Key),
		log.Uint64("generation", job.GenID),
		log.String("size", humanize.IBytes(uint64(len(gz)))),
	)
	return nil
}

func (u *Uploader) putManifest(ctx context.Context, job *generation.Job) error {
	if err := u.crash("put-manifest"); err != nil {
		return err
	}
	if err := u.store.Put(ctx, job.Key, bytes.NewReader(job.Payload)); err != nil {
		return err
	}
	u.logger.Debug("published manifest", log.String("key", job.Key))
	return nil
}

// sweep deletes a garbage-collected generation's frame objects. The base
// snapshot is never deleted.
func (u *Uploader) sweep(ctx context.Context, job *generation.Job) error {
	keys, err := u.store.List(ctx, job.Prefix)
	if err != nil {
		return err
	}
	var n int
	for _, key := range keys {
		if !strings.Contains(key, "frames-") {
			continue
		}
		if err := u.store.Delete(ctx, key); err != nil {
			return err
		}
		n++
	}
	u.logger.Info("garbage collected generation",
		log.Uint64("generation", job.GenID),
		log.Int("objects", n),
	)
	return nil
}

func (u *Uploader) crash(stage string) error {
	if u.crashPoint == nil {
		return nil
	}
	return u.crashPoint(stage)
}

// gzipBytes compresses b deterministically: no header metadata, so retried
// uploads of the same batch store byte-identical objects.
func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

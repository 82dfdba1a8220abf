// Package generation implements the generation manager: the single owner of
// the sequence counter, the manifest, and generation lifecycle state.
//
// The manager runs as one goroutine; every other component reaches it
// through message passing (method calls are marshalled onto the actor
// loop), so the total order of sequence assignment and manifest mutation
// is auditable and free of shared-lock contention.
//
// Generation lifecycle: Open -> Sealed -> Superseded -> GarbageCollected.
// Sealing happens on checkpoint, restart, or size rollover. A generation is
// superseded once a newer snapshot's manifest entry is durably published,
// and garbage collected (frame objects only, never snapshots) after the
// retention window.
package generation

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bft-labs/walvault/internal/buffer"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/metrics"
	"github.com/bft-labs/walvault/pkg/log"
)

// Tunables are the live-adjustable shipping parameters. They may be updated
// at runtime by the config watcher.
type Tunables struct {
	// MaxBatchBytes is the size threshold that triggers a frame batch
	// upload.
	MaxBatchBytes int

	// BatchInterval is the time threshold that triggers a frame batch
	// upload even when the size threshold has not been reached.
	BatchInterval time.Duration

	// SnapshotInterval is the time-based snapshot cadence. Zero disables
	// time-based snapshots (checkpoint-based snapshots still occur).
	SnapshotInterval time.Duration

	// Retention is how long a superseded generation's frame objects are
	// kept before garbage collection.
	Retention time.Duration

	// RolloverBytes seals the open generation once it has accepted this
	// many payload bytes. Zero disables size-based rollover.
	RolloverBytes int64
}

// JobKind discriminates the work items handed to the uploader.
type JobKind int

const (
	// JobFrames uploads a leased frame batch.
	JobFrames JobKind = iota
	// JobSnapshot uploads a pending base snapshot image.
	JobSnapshot
	// JobManifest publishes the manifest. Always ordered after the data
	// objects it references.
	JobManifest
	// JobDelete garbage-collects a superseded generation's frame objects.
	JobDelete
)

// Job is a unit of uploader work. The manager hands out at most one at a
// time and must hear Complete or Fail before producing the next.
type Job struct {
	Kind JobKind

	// Key is the destination object key (frames, snapshot, manifest).
	Key string

	// Payload is the uncompressed object content.
	Payload []byte

	// GenID is the generation this job belongs to.
	GenID uint64

	// StartSeq and EndSeq bound a frame batch (inclusive).
	StartSeq, EndSeq uint64

	// Prefix is the generation prefix to sweep for JobDelete.
	Prefix string

	rev   uint64 // manifest revision captured at job creation
	lease *buffer.Lease
}

// Manager owns the current generation's sequence counter and the manifest.
type Manager struct {
	logger   log.Logger
	buf      *buffer.Buffer
	man      *domain.Manifest
	tun      Tunables
	pageSize uint32
	dbid     string

	calls   chan func()
	stopped chan struct{}

	now func() time.Time

	nextSeq      uint64
	genBytes     int64 // payload bytes accepted into the open generation
	dirty        bool
	rev          uint64 // bumped on every manifest mutation
	stalled      bool
	lastShip     time.Time
	lastSnapshot time.Time

	pendingSnapshot *pendingSnapshot
	pendingDeletes  []uint64 // generation IDs awaiting GC sweep
	jobOut          bool
}

type pendingSnapshot struct {
	genID uint64
	image []byte
	meta  domain.Snapshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager over a restored (or first-run) manifest. If the
// manifest's newest generation is still open it is sealed here: a restart
// always ends the previous epoch, matching what restore will reconstruct.
func New(logger log.Logger, buf *buffer.Buffer, man *domain.Manifest, tun Tunables, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger,
		buf:      buf,
		man:      man,
		tun:      tun,
		pageSize: man.PageSize,
		dbid:     man.DBID,
		calls:    make(chan func()),
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}

	m.nextSeq = man.NextSeq
	m.lastShip = m.now()
	m.lastSnapshot = m.now()
	if g := man.LatestSnapshot(); g != nil && g.Snapshot != nil {
		m.lastSnapshot = g.Snapshot.CreatedAt
	}

	if g := man.Active(); g != nil && g.HasFrames() {
		m.sealLocked(g, "restart")
		m.openGenerationLocked()
	} else if g == nil {
		m.openGenerationLocked()
	} else if g.Status == domain.GenerationSnapshotPending && g.Snapshot == nil {
		// The snapshot image was lost with the previous process. The
		// generation stays usable; the next cadence takes a fresh one.
		g.Status = domain.GenerationOpen
		m.markDirtyLocked()
	}
	return m
}

// Run executes the actor loop until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.calls:
			fn()
		}
	}
}

// do marshals fn onto the actor loop and waits for it.
func (m *Manager) do(fn func()) error {
	done := make(chan struct{})
	select {
	case m.calls <- func() { fn(); close(done) }:
		<-done
		return nil
	case <-m.stopped:
		return domain.ErrClosed
	}
}

// Append assigns contiguous sequence numbers to the committed frames and
// queues them for shipment. It returns domain.ErrBufferBusy when the buffer
// signals backpressure; the frames are queued regardless, so the caller
// must never treat the error as a lost write.
func (m *Manager) Append(frames []domain.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	var enqErr error
	err := m.do(func() {
		g := m.man.Active()
		for i := range frames {
			frames[i].Seq = m.nextSeq
			m.nextSeq++
			m.genBytes += int64(len(frames[i].Data))
		}
		g.LastSeq = m.nextSeq - 1
		enqErr = m.buf.Enqueue(frames)

		if m.tun.RolloverBytes > 0 && m.genBytes >= m.tun.RolloverBytes {
			m.sealLocked(g, "size rollover")
			m.openGenerationLocked()
		}

		n, bytes := m.buf.Depth()
		metrics.BufferDepthFrames.Set(float64(n))
		metrics.BufferDepthBytes.Set(float64(bytes))
	})
	if err != nil {
		return err
	}
	return enqErr
}

// Checkpoint seals the open generation and starts a new one based on the
// given post-checkpoint database image. The snapshot upload is asynchronous;
// until it is confirmed, the new generation stays in SnapshotPending and
// restore keeps using the previous snapshot chain.
func (m *Manager) Checkpoint(image []byte) error {
	if uint32(len(image))%m.pageSize != 0 {
		return fmt.Errorf("%w: image is %d bytes, not a multiple of page size %d",
			domain.ErrInvalidFrame, len(image), m.pageSize)
	}
	return m.do(func() {
		if g := m.man.Active(); g != nil {
			m.sealLocked(g, "checkpoint")
		}
		g := m.openGenerationLocked()
		g.Status = domain.GenerationSnapshotPending

		sum := blake3.Sum256(image)
		m.pendingSnapshot = &pendingSnapshot{
			genID: g.ID,
			image: image,
			meta: domain.Snapshot{
				PageCount: uint32(len(image)) / m.pageSize,
				Checksum:  hex.EncodeToString(sum[:]),
				CreatedAt: m.now(),
			},
		}
		m.lastSnapshot = m.now()
	})
}

// SnapshotDue reports whether the time-based snapshot cadence has elapsed.
func (m *Manager) SnapshotDue() bool {
	var due bool
	_ = m.do(func() {
		due = m.tun.SnapshotInterval > 0 &&
			m.pendingSnapshot == nil &&
			m.now().Sub(m.lastSnapshot) >= m.tun.SnapshotInterval
	})
	return due
}

// NextJob returns the next unit of uploader work, or nil when nothing is
// due. At most one job is outstanding at a time: the shipping loop must
// resolve it with Complete or Fail first.
func (m *Manager) NextJob() *Job {
	var job *Job
	_ = m.do(func() {
		if m.jobOut {
			return
		}
		job = m.nextJobLocked()
		if job != nil {
			m.jobOut = true
		}
	})
	return job
}

func (m *Manager) nextJobLocked() *Job {
	// Data before pointer: snapshots and frame batches first, the manifest
	// publish only once it can reference confirmed objects.
	if ps := m.pendingSnapshot; ps != nil {
		return &Job{
			Kind:    JobSnapshot,
			Key:     domain.SnapshotKey(m.dbid, ps.genID),
			Payload: ps.image,
			GenID:   ps.genID,
		}
	}

	if job := m.frameJobLocked(); job != nil {
		return job
	}

	if m.dirty {
		m.man.NextSeq = m.nextSeq
		m.man.UpdatedAt = m.now()
		payload, err := domain.EncodeManifest(m.man)
		if err != nil {
			m.logger.Error("encode manifest", log.Err(err))
			return nil
		}
		return &Job{
			Kind:    JobManifest,
			Key:     domain.ManifestKey(m.dbid),
			Payload: payload,
			rev:     m.rev,
		}
	}

	m.queueExpiredLocked()
	if len(m.pendingDeletes) > 0 {
		genID := m.pendingDeletes[0]
		return &Job{
			Kind:   JobDelete,
			GenID:  genID,
			Prefix: domain.GenerationPrefix(m.dbid, genID),
		}
	}
	return nil
}

func (m *Manager) frameJobLocked() *Job {
	head, ok := m.buf.NextSeq()
	if !ok {
		return nil
	}
	g := m.generationOf(head)
	if g == nil {
		// Should not happen: every queued frame was assigned within a
		// tracked generation.
		m.logger.Error("queued frame outside any generation", log.Uint64("seq", head))
		return nil
	}

	sealedTail := g.Status != domain.GenerationOpen && g.Status != domain.GenerationSnapshotPending
	_, bytes := m.buf.Depth()
	due := sealedTail ||
		bytes >= m.tun.MaxBatchBytes ||
		m.now().Sub(m.lastShip) >= m.tun.BatchInterval
	if !due {
		return nil
	}

	lease := m.buf.Lease(m.tun.MaxBatchBytes, g.LastSeq)
	if lease == nil {
		return nil
	}
	return &Job{
		Kind:     JobFrames,
		Key:      domain.FramesKey(m.dbid, g.ID, lease.StartSeq(), lease.EndSeq()),
		GenID:    g.ID,
		StartSeq: lease.StartSeq(),
		EndSeq:   lease.EndSeq(),
		lease:    lease,
	}
}

// Lease exposes the frames of a frame job for encoding.
func (j *Job) Lease() *buffer.Lease { return j.lease }

// Complete records a durably finished job and advances lifecycle state.
func (m *Manager) Complete(job *Job) {
	_ = m.do(func() {
		m.jobOut = false
		m.stalled = false
		switch job.Kind {
		case JobFrames:
			m.buf.Confirm(job.lease)
			if g := m.man.Generation(job.GenID); g != nil {
				g.LastDurableSeq = job.EndSeq
			}
			m.markDirtyLocked()
			m.lastShip = m.now()
			metrics.FramesShippedTotal.Add(float64(len(job.lease.Frames)))
			metrics.BytesShippedTotal.Add(float64(job.lease.Bytes))
			n, bytes := m.buf.Depth()
			metrics.BufferDepthFrames.Set(float64(n))
			metrics.BufferDepthBytes.Set(float64(bytes))

		case JobSnapshot:
			ps := m.pendingSnapshot
			if ps == nil || ps.genID != job.GenID {
				return
			}
			if g := m.man.Generation(ps.genID); g != nil {
				meta := ps.meta
				g.Snapshot = &meta
				if g.Status == domain.GenerationSnapshotPending {
					g.Status = domain.GenerationOpen
				}
			}
			m.pendingSnapshot = nil
			m.markDirtyLocked()
			metrics.SnapshotsTotal.Inc()

		case JobManifest:
			if job.rev == m.rev {
				m.dirty = false
			}
			m.applyPublishTransitionsLocked()
			metrics.ManifestPublishesTotal.Inc()

		case JobDelete:
			if g := m.man.Generation(job.GenID); g != nil {
				g.Status = domain.GenerationGarbageCollected
			}
			if len(m.pendingDeletes) > 0 && m.pendingDeletes[0] == job.GenID {
				m.pendingDeletes = m.pendingDeletes[1:]
			}
			m.markDirtyLocked()
		}
	})
}

// Fail records a job that exhausted its retries. Frame leases are released
// back to the buffer so no data is lost; permanent failures flip the
// advisory stall condition.
func (m *Manager) Fail(job *Job, err error, permanent bool) {
	_ = m.do(func() {
		m.jobOut = false
		if job.Kind == JobFrames {
			m.buf.Release(job.lease)
		}
		if permanent && !m.stalled {
			m.stalled = true
			metrics.ReplicationStallsTotal.Inc()
			m.logger.Warn("replication stalled",
				log.Err(domain.ErrReplicationStalled),
				log.String("cause", err.Error()),
			)
		}
	})
}

// ForceShip makes queued frames immediately due for shipment, bypassing
// the batch thresholds. Called at shutdown ahead of the final flush.
func (m *Manager) ForceShip() {
	_ = m.do(func() { m.lastShip = time.Time{} })
}

// Stalled reports the advisory ReplicationStalled condition.
func (m *Manager) Stalled() bool {
	var s bool
	_ = m.do(func() { s = m.stalled })
	return s
}

// WaitBackpressure blocks until the frame buffer drains below its hard
// ceiling. Called from the commit path; deliberately not routed through the
// actor so a blocked producer never stalls the shipping loop.
func (m *Manager) WaitBackpressure(ctx context.Context) error {
	return m.buf.WaitBelowHard(ctx)
}

// Manifest returns a copy of the current manifest state.
func (m *Manager) Manifest() *domain.Manifest {
	var out *domain.Manifest
	_ = m.do(func() { out = m.man.Clone() })
	return out
}

// UpdateTunables replaces the live shipping parameters.
func (m *Manager) UpdateTunables(t Tunables) {
	_ = m.do(func() { m.tun = t })
}

func (m *Manager) markDirtyLocked() {
	m.dirty = true
	m.rev++
}

func (m *Manager) sealLocked(g *domain.Generation, reason string) {
	if g.Status == domain.GenerationSealed {
		return
	}
	g.Status = domain.GenerationSealed
	g.SealedAt = m.now()
	m.markDirtyLocked()
	m.logger.Info("sealed generation",
		log.Uint64("generation", g.ID),
		log.String("reason", reason),
		log.Uint64("last_seq", g.LastSeq),
	)
}

func (m *Manager) openGenerationLocked() *domain.Generation {
	var id uint64 = 1
	if n := len(m.man.Generations); n > 0 {
		id = m.man.Generations[n-1].ID + 1
	}
	m.man.Generations = append(m.man.Generations, domain.Generation{
		ID:       id,
		Status:   domain.GenerationOpen,
		StartSeq: m.nextSeq,
	})
	m.genBytes = 0
	m.markDirtyLocked()
	return &m.man.Generations[len(m.man.Generations)-1]
}

// applyPublishTransitionsLocked runs the transition that becomes legal only
// once a manifest is durably published: sealed generations fully covered by
// a newer published snapshot become Superseded.
func (m *Manager) applyPublishTransitionsLocked() {
	snap := m.man.LatestSnapshot()
	if snap == nil {
		return
	}
	now := m.now()
	for i := range m.man.Generations {
		g := &m.man.Generations[i]
		if g.ID < snap.ID && g.Status == domain.GenerationSealed {
			g.Status = domain.GenerationSuperseded
			g.SupersededAt = now
			m.markDirtyLocked()
		}
	}
}

// queueExpiredLocked queues superseded generations past the retention
// window for frame-object deletion.
func (m *Manager) queueExpiredLocked() {
	now := m.now()
	for i := range m.man.Generations {
		g := &m.man.Generations[i]
		if g.Status == domain.GenerationSuperseded &&
			now.Sub(g.SupersededAt) >= m.tun.Retention &&
			!m.deleteQueued(g.ID) {
			m.pendingDeletes = append(m.pendingDeletes, g.ID)
		}
	}
}

func (m *Manager) deleteQueued(id uint64) bool {
	for _, d := range m.pendingDeletes {
		if d == id {
			return true
		}
	}
	return false
}

func (m *Manager) generationOf(seq uint64) *domain.Generation {
	for i := range m.man.Generations {
		g := &m.man.Generations[i]
		if g.HasFrames() && seq >= g.StartSeq && seq <= g.LastSeq {
			return g
		}
	}
	return nil
}

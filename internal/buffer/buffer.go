// Package buffer implements the local frame buffer: a bounded, in-memory,
// strictly ordered queue of frames awaiting shipment.
//
// The buffer decouples commit latency from network latency. Enqueue is
// non-blocking; once the queue passes its soft capacity it reports
// backpressure (domain.ErrBufferBusy), and past the hard ceiling the caller
// degrades to WaitBelowHard, trading commit latency for bounded memory.
//
// Draining is "peek and lease", not "remove": a lease holds a contiguous
// prefix for upload and is either confirmed (frames removed) or released
// (frames remain queued, order intact).
package buffer

import (
	"context"
	"sync"

	"github.com/bft-labs/walvault/internal/domain"
)

// Buffer is a bounded ordered queue of frames keyed by sequence number.
// Enqueue may be called from the commit path; a single consumer leases
// batches for upload.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames      []domain.Frame
	queuedBytes int
	leased      int // number of frames at the head currently under lease

	softBytes int
	hardBytes int
}

// Lease is a contiguous prefix of the queue handed to the uploader.
// The frames stay owned by the buffer until Confirm.
type Lease struct {
	Frames []domain.Frame
	Bytes  int
}

// StartSeq returns the first leased sequence number.
func (l *Lease) StartSeq() uint64 { return l.Frames[0].Seq }

// EndSeq returns the last leased sequence number.
func (l *Lease) EndSeq() uint64 { return l.Frames[len(l.Frames)-1].Seq }

// New creates a buffer with the given soft capacity and hard ceiling in
// bytes. Past softBytes, Enqueue reports ErrBufferBusy; past hardBytes,
// WaitBelowHard blocks producers.
func New(softBytes, hardBytes int) *Buffer {
	if hardBytes < softBytes {
		hardBytes = softBytes
	}
	b := &Buffer{softBytes: softBytes, hardBytes: hardBytes}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enqueue appends frames in order. The frames are always queued; the
// returned error is domain.ErrBufferBusy when the buffer is at or past its
// soft capacity, signaling the caller to apply backpressure. Replication
// failures must never fail a user transaction, so queueing never refuses
// committed frames outright.
func (b *Buffer) Enqueue(frames []domain.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range frames {
		b.frames = append(b.frames, f)
		b.queuedBytes += f.Size()
	}
	if b.queuedBytes >= b.softBytes {
		return domain.ErrBufferBusy
	}
	return nil
}

// WaitBelowHard blocks until the queue drains below the hard ceiling or the
// context is canceled. The commit path calls this after Enqueue reported
// backpressure and the hard ceiling is exceeded.
func (b *Buffer) WaitBelowHard(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.queuedBytes < b.hardBytes {
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-stop:
		}
	}()

	for b.queuedBytes >= b.hardBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

// Lease removes nothing: it marks a contiguous prefix as in-flight and
// returns it. At most one lease may be outstanding (the shipping loop is a
// single consumer). maxBytes bounds the lease size; maxSeq bounds it to one
// generation so a batch never straddles a rollover. Returns nil if the
// queue is empty, the first frame is past maxSeq, or a lease is already
// outstanding.
func (b *Buffer) Lease(maxBytes int, maxSeq uint64) *Lease {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leased > 0 || len(b.frames) == 0 {
		return nil
	}
	if b.frames[0].Seq > maxSeq {
		return nil
	}

	var n, bytes int
	for n < len(b.frames) {
		f := b.frames[n]
		if f.Seq > maxSeq {
			break
		}
		if n > 0 && bytes+f.Size() > maxBytes {
			break
		}
		bytes += f.Size()
		n++
	}

	b.leased = n
	return &Lease{Frames: b.frames[:n:n], Bytes: bytes}
}

// Confirm removes the leased prefix after the upload was confirmed durable
// and wakes any producers blocked on the hard ceiling.
func (b *Buffer) Confirm(l *Lease) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = b.frames[b.leased:]
	b.queuedBytes -= l.Bytes
	b.leased = 0
	b.cond.Broadcast()
}

// Release returns the leased prefix to the queue after a failed upload.
// Order is preserved; the frames will be leased again.
func (b *Buffer) Release(l *Lease) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leased = 0
}

// Depth returns the number of queued frames and bytes, including any
// leased prefix.
func (b *Buffer) Depth() (frames, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames), b.queuedBytes
}

// NextSeq returns the sequence number at the head of the queue and whether
// the queue is non-empty.
func (b *Buffer) NextSeq() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return 0, false
	}
	return b.frames[0].Seq, true
}

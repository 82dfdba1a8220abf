package domain

import "errors"

// Domain errors represent error conditions in the walvault domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrCorruptFrame is returned when a frame's checksum does not match
	// its payload. Fatal to restore replay at that point, never to live
	// writes.
	ErrCorruptFrame = errors.New("walvault: corrupt frame")

	// ErrInvalidFrame is returned for a structurally invalid frame, such
	// as a zero page number outside a header context.
	ErrInvalidFrame = errors.New("walvault: invalid frame")

	// ErrBufferBusy signals backpressure: the local frame buffer has
	// reached its configured capacity. The frames are still queued; the
	// caller slows down rather than failing the transaction.
	ErrBufferBusy = errors.New("walvault: frame buffer busy")

	// ErrCorruptManifest is returned when the remote manifest cannot be
	// parsed or fails validation.
	ErrCorruptManifest = errors.New("walvault: corrupt manifest")

	// ErrRestoreFailed is returned from open when the prior backup cannot
	// be safely reconstructed. Fatal at open only.
	ErrRestoreFailed = errors.New("walvault: restore failed")

	// ErrReplicationStalled is an advisory condition: uploads are failing
	// permanently (auth or 4xx class) and frames are accumulating locally.
	ErrReplicationStalled = errors.New("walvault: replication stalled")

	// ErrStorePermanent wraps object store failures that retrying will not
	// fix, such as authorization errors. Adapters classify; the uploader
	// reacts by slowing its retry cadence and reporting a stall.
	ErrStorePermanent = errors.New("walvault: permanent store error")

	// ErrClosed is returned when an operation is attempted on a closed
	// database or component.
	ErrClosed = errors.New("walvault: closed")
)

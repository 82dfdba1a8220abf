package domain

// Frame represents a single WAL frame: one page's new content plus metadata.
// A frame is the atomic unit handed to the replication pipeline by the WAL
// hook layer. Frames are immutable once produced; the local frame buffer
// owns them until they are confirmed durably shipped.
type Frame struct {
	// Seq is the global sequence number assigned by the generation manager.
	// Zero until the frame has been accepted for shipping.
	Seq uint64

	// Pgno is the database page number this frame overwrites. Page numbers
	// start at 1; zero is invalid outside a header context.
	Pgno uint32

	// Commit marks this frame as a transaction commit boundary.
	Commit bool

	// Checksum is a 64-bit checksum of Data.
	Checksum uint64

	// Data is the page payload. Its length is the database page size.
	Data []byte
}

// Size returns the encoded size of the frame in bytes, including its
// record header.
func (f Frame) Size() int {
	return FrameHeaderSize + len(f.Data)
}

// FrameHeaderSize is the encoded size of a frame record header:
// seq (8) + pgno (4) + flags (4) + checksum (8).
const FrameHeaderSize = 24

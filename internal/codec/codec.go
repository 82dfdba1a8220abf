// Package codec encodes, decodes and validates WAL frame records.
//
// A frame batch object is a sequence of fixed-layout records:
//
//	seq      uint64   little-endian
//	pgno     uint32
//	flags    uint32   bit 0: commit boundary
//	checksum uint64   blake3-64 of the page payload
//	data     [pageSize]byte
//
// The codec is pure: it is used by the shipping path to validate frames
// before upload and by the restore engine to validate them after download.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bft-labs/walvault/internal/domain"
)

const flagCommit = 1 << 0

// Checksum64 computes the 64-bit frame checksum: the first eight bytes of
// the blake3 sum of the payload.
func Checksum64(data []byte) uint64 {
	sum := blake3.Sum256(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

// Validate checks a frame's structural validity and checksum.
// Returns domain.ErrInvalidFrame or domain.ErrCorruptFrame.
func Validate(f domain.Frame, pageSize uint32) error {
	if f.Pgno == 0 {
		return fmt.Errorf("%w: zero page number (seq %d)", domain.ErrInvalidFrame, f.Seq)
	}
	if uint32(len(f.Data)) != pageSize {
		return fmt.Errorf("%w: payload is %d bytes, page size is %d", domain.ErrInvalidFrame, len(f.Data), pageSize)
	}
	if Checksum64(f.Data) != f.Checksum {
		return fmt.Errorf("%w: checksum mismatch (seq %d, page %d)", domain.ErrCorruptFrame, f.Seq, f.Pgno)
	}
	return nil
}

// AppendFrame encodes a single frame record onto dst.
func AppendFrame(dst []byte, f domain.Frame) []byte {
	var hdr [domain.FrameHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], f.Seq)
	binary.LittleEndian.PutUint32(hdr[8:12], f.Pgno)
	var flags uint32
	if f.Commit {
		flags |= flagCommit
	}
	binary.LittleEndian.PutUint32(hdr[12:16], flags)
	binary.LittleEndian.PutUint64(hdr[16:24], f.Checksum)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Data...)
}

// EncodeFrames encodes an ordered batch of validated frames. The encoding is
// deterministic: identical input always produces identical bytes, which
// keeps retried uploads idempotent under the same key.
func EncodeFrames(frames []domain.Frame, pageSize uint32) ([]byte, error) {
	buf := make([]byte, 0, len(frames)*(domain.FrameHeaderSize+int(pageSize)))
	for _, f := range frames {
		if err := Validate(f, pageSize); err != nil {
			return nil, err
		}
		buf = AppendFrame(buf, f)
	}
	return buf, nil
}

// Decoder reads frame records from a stream.
type Decoder struct {
	r        io.Reader
	pageSize uint32
}

// NewDecoder creates a decoder over r for the given page size.
func NewDecoder(r io.Reader, pageSize uint32) *Decoder {
	return &Decoder{r: r, pageSize: pageSize}
}

// Next returns the next frame. It returns io.EOF at a clean end of stream,
// io.ErrUnexpectedEOF for a truncated record, and domain.ErrCorruptFrame or
// domain.ErrInvalidFrame for records that fail validation.
func (d *Decoder) Next() (domain.Frame, error) {
	var hdr [domain.FrameHeaderSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			return domain.Frame{}, io.EOF
		}
		return domain.Frame{}, io.ErrUnexpectedEOF
	}
	f := domain.Frame{
		Seq:      binary.LittleEndian.Uint64(hdr[0:8]),
		Pgno:     binary.LittleEndian.Uint32(hdr[8:12]),
		Commit:   binary.LittleEndian.Uint32(hdr[12:16])&flagCommit != 0,
		Checksum: binary.LittleEndian.Uint64(hdr[16:24]),
		Data:     make([]byte, d.pageSize),
	}
	if _, err := io.ReadFull(d.r, f.Data); err != nil {
		return domain.Frame{}, io.ErrUnexpectedEOF
	}
	if err := Validate(f, d.pageSize); err != nil {
		return domain.Frame{}, err
	}
	return f, nil
}

// DecodeFrames decodes a complete batch, failing on the first bad record.
func DecodeFrames(b []byte, pageSize uint32) ([]domain.Frame, error) {
	d := NewDecoder(bytes.NewReader(b), pageSize)
	var out []domain.Frame
	for {
		f, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

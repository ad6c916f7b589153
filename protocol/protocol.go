// Package protocol implements the wire framing for peer-rpc.
//
// It solves TCP's sticky packet problem with a length prefix: every message
// is [4-byte big-endian payload length][payload bytes]. The receiver reads
// the 4-byte prefix first to learn the payload length, then reads exactly
// that many bytes.
//
// Frames are not individually recoverable. Once a frame fails to parse the
// reader has no way to re-synchronize on the byte stream, so the owning
// connection must be closed.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the upper bound on a single frame's payload. Frames larger
// than this are rejected on both read and write.
const MaxFrameSize = 16 << 20 // 16 MB

// lenSize is the width of the length prefix.
const lenSize = 4

// ErrFrameTooLarge is returned when a frame's length prefix exceeds
// MaxFrameSize. The connection carrying it must be closed.
var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)

// WriteFrame writes one complete frame (length prefix + payload) to w.
//
// The caller must serialize writes if multiple goroutines share the same
// writer, otherwise frames from different requests will interleave and
// corrupt the stream.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, lenSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lenSize], uint32(len(payload)))
	copy(buf[lenSize:], payload)
	// One Write so the prefix and payload reach the socket together.
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one complete frame from r and returns its payload.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing
// partial reads.
func ReadFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, lenSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix)
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

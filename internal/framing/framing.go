// Package framing reads and writes length-prefixed messages: a 4-byte
// big-endian length header followed by exactly that many payload bytes.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the length of the big-endian length prefix
const HeaderSize = 4

// DefaultMaxFrameBytes bounds the declared length of a single message.
// A hostile or corrupt header could otherwise trigger a 4 GiB allocation.
const DefaultMaxFrameBytes = 16 << 20

var (
	// ErrConnectionClosed is returned when the peer closes before a complete
	// header or payload has been received
	ErrConnectionClosed = errors.New("framing: connection closed")
	// ErrFrameTooLarge is returned when a header declares more than the configured limit.
	// The stream cannot be resynchronised after it.
	ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")
)

// Reader reads length-prefixed messages from a stream
type Reader struct {
	r        io.Reader
	maxBytes uint32
	header   [HeaderSize]byte
}

// NewReader creates a reader. maxBytes of 0 disables the size limit.
func NewReader(r io.Reader, maxBytes uint32) *Reader {
	return &Reader{r: r, maxBytes: maxBytes}
}

// Next blocks until one complete message has been read and returns its payload.
// The returned slice is owned by the caller.
func (fr *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, closedOr(err, "read length prefix")
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if fr.maxBytes > 0 && length > fr.maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, fr.maxBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, closedOr(err, "read payload")
	}

	return payload, nil
}

// ReadFrame reads a single message from r without a size limit
func ReadFrame(r io.Reader) ([]byte, error) {
	return NewReader(r, 0).Next()
}

// closedOr maps end-of-stream conditions to ErrConnectionClosed and wraps anything else
func closedOr(err error, op string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %v", ErrConnectionClosed, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Writer writes length-prefixed messages to a stream.
// Not safe for concurrent use; callers serialise writes.
type Writer struct {
	w      io.Writer
	header [HeaderSize]byte
}

// NewWriter creates a writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes the length prefix followed by p
func (fw *Writer) WriteFrame(p []byte) error {
	if uint64(len(p)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes cannot be expressed in a 4-byte header", ErrFrameTooLarge, len(p))
	}

	binary.BigEndian.PutUint32(fw.header[:], uint32(len(p)))
	if _, err := fw.w.Write(fw.header[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := fw.w.Write(p); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// WriteFrame writes a single message to w
func WriteFrame(w io.Writer, p []byte) error {
	return NewWriter(w).WriteFrame(p)
}

// Package record stores opaque, versioned, encrypted blobs keyed by
// (kind, name, device). Each stored value is a 4-byte big-endian version
// marker followed by length-prefixed fields.
package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrFormat is returned when framing is truncated or malformed.
var ErrFormat = errors.New("record: malformed framing")

// Writer builds the int32-framed layout shared by every record kind.
type Writer struct {
	buf bytes.Buffer
}

// WriteInt32 appends a big-endian int32.
func (w *Writer) WriteInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

// WriteField appends {int32 length, payload}.
func (w *Writer) WriteField(p []byte) {
	if len(p) > math.MaxInt32 {
		panic("record: field exceeds int32 length")
	}
	w.WriteInt32(int32(len(p)))
	w.buf.Write(p)
}

// Bytes returns the framed bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Reader walks data produced by a Writer.
type Reader struct {
	r *bytes.Reader
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{r: bytes.NewReader(data)}
}

// ReadInt32 consumes a big-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: read int32: %v", ErrFormat, err)
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

// ReadField consumes one {int32 length, payload} field.
func (r *Reader) ReadField() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int64(n) > int64(r.r.Len()) {
		return nil, fmt.Errorf("%w: field length %d with %d bytes left", ErrFormat, n, r.r.Len())
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r.r, p); err != nil {
		return nil, fmt.Errorf("%w: read field: %v", ErrFormat, err)
	}
	return p, nil
}

// More reports whether unread bytes remain.
func (r *Reader) More() bool {
	return r.r.Len() > 0
}

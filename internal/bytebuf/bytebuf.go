// Package bytebuf provides little-endian byte-buffer readers and writers
// shared by the MSP codec and the firmware image loaders, in place of the
// teacher's per-format ad-hoc use of encoding/binary.Read against a
// bytes.Buffer (see common/go/fwbundle/fw_part_hex.go).
package bytebuf

import (
	"math"

	"github.com/cesanta/errors"
)

// ErrShortRead is returned (wrapped) when fewer bytes remain in the
// reader than the caller asked for.
var ErrShortRead = errors.New("short read")

// Reader reads little-endian primitives from an immutable byte slice.
type Reader struct {
	b   []byte
	pos int
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) Remaining() int {
	return len(r.b) - r.pos
}

func (r *Reader) RemainingBytes() []byte {
	return r.b[r.pos:]
}

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return errors.Annotatef(ErrShortRead, "need %d, have %d", n, r.Remaining())
	}
	return nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, errors.Trace(err)
	}
	b := r.b[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return b[0], nil
}

func (r *Reader) S8() (int8, error) {
	v, err := r.U8()
	return int8(v), err
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (r *Reader) S16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (r *Reader) S32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v, nil
}

func (r *Reader) S64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return math.Float32frombits(v), nil
}

func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return math.Float64frombits(v), nil
}

// String reads a fixed-length slot and trims trailing NUL padding.
func (r *Reader) String(n int) (string, error) {
	b, err := r.Bytes(n)
	if err != nil {
		return "", errors.Trace(err)
	}
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i]), nil
}

// LengthPrefixedString reads a u8 length prefix followed by that many
// bytes of string data, the layout used by MSP board-info tail fields.
func (r *Reader) LengthPrefixedString() (string, error) {
	n, err := r.U8()
	if err != nil {
		return "", errors.Trace(err)
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(b), nil
}

// RemainingString returns the rest of the buffer decoded as a string.
func (r *Reader) RemainingString() string {
	s := string(r.b[r.pos:])
	r.pos = len(r.b)
	return s
}

// Writer appends little-endian primitives into a growable buffer.
type Writer struct {
	b []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Build() []byte {
	return w.b
}

func (w *Writer) Len() int {
	return len(w.b)
}

func (w *Writer) Bytes(b []byte) *Writer {
	w.b = append(w.b, b...)
	return w
}

func (w *Writer) U8(v uint8) *Writer {
	w.b = append(w.b, v)
	return w
}

func (w *Writer) S8(v int8) *Writer {
	return w.U8(uint8(v))
}

func (w *Writer) U16(v uint16) *Writer {
	w.b = append(w.b, byte(v), byte(v>>8))
	return w
}

func (w *Writer) S16(v int16) *Writer {
	return w.U16(uint16(v))
}

func (w *Writer) U32(v uint32) *Writer {
	w.b = append(w.b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	return w
}

func (w *Writer) S32(v int32) *Writer {
	return w.U32(uint32(v))
}

func (w *Writer) U64(v uint64) *Writer {
	for i := 0; i < 8; i++ {
		w.b = append(w.b, byte(v>>(8*uint(i))))
	}
	return w
}

func (w *Writer) S64(v int64) *Writer {
	return w.U64(uint64(v))
}

func (w *Writer) F32(v float32) *Writer {
	return w.U32(math.Float32bits(v))
}

func (w *Writer) F64(v float64) *Writer {
	return w.U64(math.Float64bits(v))
}

// String writes s into a fixed-size slot of n bytes: truncated if
// longer, zero-padded on the right if shorter.
func (w *Writer) String(s string, n int) *Writer {
	b := make([]byte, n)
	copy(b, s)
	w.b = append(w.b, b...)
	return w
}

// LengthPrefixedString writes a u8 length prefix followed by s's bytes.
func (w *Writer) LengthPrefixedString(s string) *Writer {
	w.U8(uint8(len(s)))
	w.b = append(w.b, s...)
	return w
}

// Package wire implements the canonical binary forms shared by the journal,
// the fact store, and the ceremony protocol. Encoding is bit-exact: all
// multi-byte integers are little-endian, variable fields are length-prefixed,
// and decoding rejects unknown tags and versions.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when input ends before a field completes.
	ErrTruncated = errors.New("truncated input")
	// ErrTrailingBytes is returned when input continues past the last field.
	ErrTrailingBytes = errors.New("trailing bytes")
)

// Writer accumulates canonical bytes.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty writer.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) U8(v uint8)   { w.buf.WriteByte(v) }
func (w *Writer) Bool(v bool)  { w.buf.WriteByte(boolByte(v)) }
func (w *Writer) Raw(b []byte) { w.buf.Write(b) }

func (w *Writer) U16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// Bytes writes a u32 length prefix followed by b.
func (w *Writer) Bytes(b []byte) {
	w.U32(uint32(len(b)))
	w.buf.Write(b)
}

// String writes a u16 length prefix followed by the UTF-8 bytes.
func (w *Writer) String(s string) {
	w.U16(uint16(len(s)))
	w.buf.WriteString(s)
}

// Finish returns the accumulated bytes.
func (w *Writer) Finish() []byte { return w.buf.Bytes() }

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Reader consumes canonical bytes, tracking the first error.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Err returns the first decode error, if any.
func (r *Reader) Err() error { return r.err }

// Close verifies the input was fully consumed.
func (r *Reader) Close() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d bytes remain", ErrTrailingBytes, len(r.buf)-r.off)
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, r.off)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.U8() == 1 }

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Raw reads exactly n bytes.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Bytes reads a u32 length prefix then that many bytes.
func (r *Reader) Bytes() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	return r.Raw(int(n))
}

// String reads a u16 length prefix then the UTF-8 bytes.
func (r *Reader) String() string {
	n := r.U16()
	if r.err != nil {
		return ""
	}
	b := r.take(int(n))
	return string(b)
}

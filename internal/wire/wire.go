// Package wire reads and writes the variable-length integer encoding shared by
// the sync and awareness sub-protocols. Integers are unsigned LEB128 and byte
// strings are prefixed with their varint length, which is the same layout the
// protobuf wire format uses for varints and length-delimited fields.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrUnexpectedEOF = errors.New("wire: unexpected end of buffer")

// Encoder accumulates an encoded message.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = protowire.AppendVarint(e.buf, v)
}

// WriteVarBytes writes len(b) as a varint followed by b.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.buf = protowire.AppendBytes(e.buf, b)
}

// WriteRaw appends b without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder consumes an encoded message front to back.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) ReadUint8() (uint8, error) {
	if d.off >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

// ReadN returns the next n bytes. The result aliases the decoder's buffer.
func (d *Decoder) ReadN(n int) ([]byte, error) {
	if n < 0 || n > d.Remaining() {
		return nil, ErrUnexpectedEOF
	}
	v := d.buf[d.off : d.off+n]
	d.off += n
	return v, nil
}

func (d *Decoder) ReadVarUint() (uint64, error) {
	if d.off >= len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	v, n := protowire.ConsumeVarint(d.buf[d.off:])
	if n < 0 {
		return 0, fmt.Errorf("wire: read varuint at offset %d: %w", d.off, protowire.ParseError(n))
	}
	d.off += n
	return v, nil
}

// ReadVarBytes returns a length-prefixed byte string. The result aliases the
// decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	if d.off >= len(d.buf) {
		return nil, ErrUnexpectedEOF
	}
	v, n := protowire.ConsumeBytes(d.buf[d.off:])
	if n < 0 {
		return nil, fmt.Errorf("wire: read bytes at offset %d: %w", d.off, protowire.ParseError(n))
	}
	d.off += n
	return v, nil
}

// Remaining reports how many bytes have not been consumed yet.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Offset is the number of bytes consumed so far. Together with Since it lets
// a caller capture the raw encoding of a value it only skipped over.
func (d *Decoder) Offset() int {
	return d.off
}

// Since returns the bytes consumed after offset. The result aliases the
// decoder's buffer.
func (d *Decoder) Since(offset int) []byte {
	return d.buf[offset:d.off]
}

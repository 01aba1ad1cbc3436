// Package binio implements the shared big-endian byte-stream decoder
// and encoder used by the DOL, REL and extab/extabindex readers, and
// by the object Writer. It is deliberately small and allocation-free
// per call; every format reader in this toolkit works over whole
// in-memory buffers (the image is loaded entirely into memory per
// spec §5), so a cursor over a byte slice is all that's needed — the
// same shape as the teacher's functab decoder, generalized here to
// also support writing.
package binio

import (
	"encoding/binary"
	"fmt"
)

// Decoder reads big-endian fields from a fixed buffer, advancing an
// internal cursor. All GameCube/Wii on-disk formats are big-endian
// (spec §6), so there is no byte-order parameter — unlike the
// teacher's decoder, which had to probe both orders for Go's pclntab.
type Decoder struct {
	Data []byte
	Pos  uint32
}

func NewDecoder(data []byte) *Decoder { return &Decoder{Data: data} }

func (d *Decoder) remaining() uint32 { return uint32(len(d.Data)) - d.Pos }

func (d *Decoder) need(n uint32) error {
	if d.remaining() < n {
		return fmt.Errorf("binio: truncated at offset %#x, need %d more bytes", d.Pos, n)
	}
	return nil
}

func (d *Decoder) Bytes(n uint32) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	v := d.Data[d.Pos : d.Pos+n]
	d.Pos += n
	return v, nil
}

func (d *Decoder) U8() (uint8, error) {
	b, err := d.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) U16() (uint16, error) {
	b, err := d.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) U32() (uint32, error) {
	b, err := d.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) I32() (int32, error) {
	v, err := d.U32()
	return int32(v), err
}

func (d *Decoder) CString(limit uint32) (string, error) {
	start := d.Pos
	end := start
	max := start + limit
	for end < uint32(len(d.Data)) && (limit == 0 || end < max) && d.Data[end] != 0 {
		end++
	}
	if end >= uint32(len(d.Data)) {
		return "", fmt.Errorf("binio: unterminated string at offset %#x", start)
	}
	d.Pos = end + 1
	return string(d.Data[start:end]), nil
}

func (d *Decoder) SeekTo(pos uint32) { d.Pos = pos }

func (d *Decoder) Done() bool { return d.remaining() == 0 }

// Encoder builds a big-endian byte buffer incrementally. Used by the
// DOL/REL round-trip writer and internal/objwriter.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() uint32 { return uint32(len(e.buf)) }

func (e *Encoder) PutBytes(b []byte) { e.buf = append(e.buf, b...) }

func (e *Encoder) PutU8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PadTo zero-fills up to the given absolute length, used for
// deterministic alignment padding (spec §4.7, §4.9).
func (e *Encoder) PadTo(length uint32) {
	for uint32(len(e.buf)) < length {
		e.buf = append(e.buf, 0)
	}
}

func AlignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

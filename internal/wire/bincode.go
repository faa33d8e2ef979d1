// Package wire implements the bincode-compatible binary framing used on the
// LocalUp control and data streams: a 4-byte big-endian length prefix
// followed by a little-endian payload, matching the Rust relay's bincode
// encoding byte for byte.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// Encoder writes values in bincode format.
type Encoder struct {
	buf *bytes.Buffer
}

// NewEncoder creates a new bincode encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: new(bytes.Buffer)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Reset clears the encoder buffer.
func (e *Encoder) Reset() {
	e.buf.Reset()
}

// WriteU8 writes a uint8.
func (e *Encoder) WriteU8(v uint8) {
	e.buf.WriteByte(v)
}

// WriteU16 writes a uint16 in little-endian.
func (e *Encoder) WriteU16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	e.buf.Write(buf[:])
}

// WriteU32 writes a uint32 in little-endian.
func (e *Encoder) WriteU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.buf.Write(buf[:])
}

// WriteU64 writes a uint64 in little-endian.
func (e *Encoder) WriteU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	e.buf.Write(buf[:])
}

// WriteBool writes a boolean as a single byte.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.WriteU8(1)
	} else {
		e.WriteU8(0)
	}
}

// WriteString writes a length-prefixed string.
func (e *Encoder) WriteString(s string) {
	e.WriteU64(uint64(len(s)))
	e.buf.WriteString(s)
}

// WriteBytes writes a length-prefixed byte slice.
func (e *Encoder) WriteBytes(data []byte) {
	e.WriteU64(uint64(len(data)))
	e.buf.Write(data)
}

// WriteOptionU16 writes an optional uint16. Tag 0 = None, tag 1 = Some.
func (e *Encoder) WriteOptionU16(v *uint16) {
	if v == nil {
		e.WriteU8(0)
	} else {
		e.WriteU8(1)
		e.WriteU16(*v)
	}
}

// WriteOptionString writes an optional string.
func (e *Encoder) WriteOptionString(v *string) {
	if v == nil {
		e.WriteU8(0)
	} else {
		e.WriteU8(1)
		e.WriteString(*v)
	}
}

// WriteOptionBytes writes an optional byte slice. A nil slice encodes as None.
func (e *Encoder) WriteOptionBytes(v []byte) {
	if v == nil {
		e.WriteU8(0)
	} else {
		e.WriteU8(1)
		e.WriteBytes(v)
	}
}

// WriteVecLen writes the element count prefix of a vector.
func (e *Encoder) WriteVecLen(length int) {
	e.WriteU64(uint64(length))
}

// Decoder reads values from bincode format.
type Decoder struct {
	r   io.Reader
	buf []byte
}

// NewDecoder creates a new bincode decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, 8)}
}

// NewDecoderBytes creates a decoder over an in-memory payload.
func NewDecoderBytes(data []byte) *Decoder {
	return NewDecoder(bytes.NewReader(data))
}

// ReadU8 reads a uint8.
func (d *Decoder) ReadU8() (uint8, error) {
	if _, err := io.ReadFull(d.r, d.buf[:1]); err != nil {
		return 0, err
	}
	return d.buf[0], nil
}

// ReadU16 reads a uint16 in little-endian.
func (d *Decoder) ReadU16() (uint16, error) {
	if _, err := io.ReadFull(d.r, d.buf[:2]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(d.buf[:2]), nil
}

// ReadU32 reads a uint32 in little-endian.
func (d *Decoder) ReadU32() (uint32, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.buf[:4]), nil
}

// ReadU64 reads a uint64 in little-endian.
func (d *Decoder) ReadU64() (uint64, error) {
	if _, err := io.ReadFull(d.r, d.buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(d.buf[:8]), nil
}

// ReadBool reads a boolean.
func (d *Decoder) ReadBool() (bool, error) {
	v, err := d.ReadU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadString reads a length-prefixed string.
func (d *Decoder) ReadString() (string, error) {
	length, err := d.ReadU64()
	if err != nil {
		return "", err
	}
	if length > math.MaxInt32 {
		return "", errors.New("wire: string too long")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadBytes reads a length-prefixed byte slice.
func (d *Decoder) ReadBytes() ([]byte, error) {
	length, err := d.ReadU64()
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, errors.New("wire: byte vector too long")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadOptionU16 reads an optional uint16.
func (d *Decoder) ReadOptionU16() (*uint16, error) {
	tag, err := d.ReadU8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	v, err := d.ReadU16()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ReadOptionString reads an optional string.
func (d *Decoder) ReadOptionString() (*string, error) {
	tag, err := d.ReadU8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	s, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadOptionBytes reads an optional byte slice.
func (d *Decoder) ReadOptionBytes() ([]byte, error) {
	tag, err := d.ReadU8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	return d.ReadBytes()
}

// ReadVecLen reads the element count prefix of a vector.
func (d *Decoder) ReadVecLen() (uint64, error) {
	return d.ReadU64()
}

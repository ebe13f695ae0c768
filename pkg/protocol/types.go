package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

const (
	// MaxFieldSize is the largest length prefix accepted for a bytes or string field (1 MB)
	MaxFieldSize = 1024 * 1024
)

var (
	ErrFieldTooLarge = errors.New("field exceeds maximum size (1 MB)")
	ErrInvalidUTF8   = errors.New("invalid UTF-8 string")
)

// errShortBuffer is returned by the decoder when a field is not yet complete.
// It never leaves the package: DecodeMessage turns it into "no message yet".
var errShortBuffer = errors.New("short buffer")

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// WriteUint32 writes a 32-bit unsigned integer in big-endian
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteUint64 writes a 64-bit unsigned integer in big-endian
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteBytes writes a length-prefixed byte slice
// Format: [Length (uint32)][Data (N bytes)]
func WriteBytes(w io.Writer, data []byte) error {
	if len(data) > MaxFieldSize {
		return ErrFieldTooLarge
	}

	if err := WriteUint32(w, uint32(len(data))); err != nil {
		return err
	}

	if len(data) > 0 {
		_, err := w.Write(data)
		return err
	}
	return nil
}

// WriteString writes a length-prefixed UTF-8 string
// Format: [Length (uint32)][Data (N bytes UTF-8)]
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxFieldSize {
		return ErrFieldTooLarge
	}

	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}

	if len(s) > 0 {
		_, err := io.WriteString(w, s)
		return err
	}
	return nil
}

// decoder walks a buffer field by field. pos is the number of bytes
// inspected so far, which is what DecodeMessage reports as consumed on error.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) uint8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, errShortBuffer
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) uint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, errShortBuffer
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, errShortBuffer
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	length, err := d.uint32()
	if err != nil {
		return nil, err
	}

	if length > MaxFieldSize {
		return nil, ErrFieldTooLarge
	}

	if d.remaining() < int(length) {
		return nil, errShortBuffer
	}

	data := make([]byte, length)
	copy(data, d.buf[d.pos:])
	d.pos += int(length)
	return data, nil
}

func (d *decoder) string() (string, error) {
	data, err := d.bytes()
	if err != nil {
		return "", err
	}

	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}

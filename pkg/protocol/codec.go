package protocol

import (
	"bytes"
	"errors"
	"io"
)

// ErrNilMessage is returned when asked to encode a nil message
var ErrNilMessage = errors.New("nil message")

// readChunkSize is how much Reader asks the underlying stream for at once
const readChunkSize = 4096

// DecodeMessage decodes one message from the front of buf.
//
// Three outcomes are possible:
//   - (msg, n, nil): a complete message occupying the first n bytes
//   - (nil, 0, nil): buf holds no complete message yet; nothing is consumed
//   - (nil, n, err): the message is malformed; the caller should drop the
//     n bytes that were inspected before failing
func DecodeMessage(buf []byte) (Message, int, error) {
	d := &decoder{buf: buf}

	b, err := d.uint8()
	if err != nil {
		return nil, 0, nil
	}

	op, err := ParseOpcode(b)
	if err != nil {
		return nil, d.pos, err
	}

	msg := newMessage(op)
	if err := msg.decodeFrom(d); err != nil {
		if errors.Is(err, errShortBuffer) {
			return nil, 0, nil
		}
		return nil, d.pos, err
	}

	return msg, d.pos, nil
}

// EncodeMessage writes the opcode followed by the message fields
func EncodeMessage(w io.Writer, m Message) error {
	if m == nil {
		return ErrNilMessage
	}
	if err := WriteUint8(w, uint8(m.Opcode())); err != nil {
		return err
	}
	return m.EncodeTo(w)
}

// AppendMessage appends the encoded message to dst. On error dst is returned
// unchanged.
func AppendMessage(dst []byte, m Message) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	if err := EncodeMessage(buf, m); err != nil {
		return dst, err
	}
	return buf.Bytes(), nil
}

// Reader decodes messages from a byte stream. It is the blocking counterpart
// of DecodeMessage, used by clients and tests.
type Reader struct {
	r   io.Reader
	buf []byte
	err error
}

// NewReader creates a Reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMessage blocks until a full message is available. A malformed message
// is skipped and its error returned; the next call continues after it.
// io.EOF is returned only on a clean message boundary, a stream that ends
// mid-message yields io.ErrUnexpectedEOF.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		msg, n, err := DecodeMessage(r.buf)
		if n > 0 {
			r.buf = r.buf[n:]
		}
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		if r.err != nil {
			if r.err == io.EOF && len(r.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}

		r.fill()
	}
}

func (r *Reader) fill() {
	if cap(r.buf)-len(r.buf) < readChunkSize {
		grown := make([]byte, len(r.buf), 2*cap(r.buf)+readChunkSize)
		copy(grown, r.buf)
		r.buf = grown
	}

	k, err := r.r.Read(r.buf[len(r.buf):cap(r.buf)])
	r.buf = r.buf[:len(r.buf)+k]
	if err != nil {
		r.err = err
	}
}

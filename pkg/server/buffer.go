package server

import "errors"

// readBuffer accumulates bytes from the socket until they form whole messages.
// It grows on demand up to max and never beyond.
type readBuffer struct {
	buf []byte
	max int
}

func newReadBuffer(capacity, max int) readBuffer {
	if capacity > max {
		capacity = max
	}
	return readBuffer{buf: make([]byte, 0, capacity), max: max}
}

// spare returns up to chunk bytes of writable space after the buffered data.
// An empty result means the buffer is full.
func (b *readBuffer) spare(chunk int) []byte {
	want := min(chunk, b.max-len(b.buf))
	if want <= 0 {
		return nil
	}

	if cap(b.buf)-len(b.buf) < want {
		size := min(max(2*cap(b.buf), len(b.buf)+want), b.max)
		grown := make([]byte, len(b.buf), size)
		copy(grown, b.buf)
		b.buf = grown
	}
	return b.buf[len(b.buf) : len(b.buf)+want]
}

// commit appends n bytes previously written into the spare slice
func (b *readBuffer) commit(n int) {
	b.buf = b.buf[:len(b.buf)+n]
}

func (b *readBuffer) bytes() []byte {
	return b.buf
}

// consume drops n bytes from the front
func (b *readBuffer) consume(n int) {
	if n <= 0 {
		return
	}
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}

func (b *readBuffer) len() int {
	return len(b.buf)
}

func (b *readBuffer) full() bool {
	return len(b.buf) >= b.max
}

// writeBuffer queues encoded messages until the socket accepts them
type writeBuffer struct {
	buf []byte
}

func newWriteBuffer(capacity int) writeBuffer {
	return writeBuffer{buf: make([]byte, 0, capacity)}
}

func (b *writeBuffer) len() int {
	return len(b.buf)
}

// flush writes as much as the socket takes and front-trims what was written.
// ErrWouldBlock means the rest has to wait for the next writability event.
func (b *writeBuffer) flush(sock Socket) (int, error) {
	total := 0
	for len(b.buf) > 0 {
		n, err := sock.Write(b.buf)
		if n > 0 {
			total += n
			rest := copy(b.buf, b.buf[n:])
			b.buf = b.buf[:rest]
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errZeroWrite
		}
	}
	return total, nil
}

var errZeroWrite = errors.New("socket accepted zero bytes")

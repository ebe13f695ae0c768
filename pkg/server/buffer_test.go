package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBufferGrowsToMax(t *testing.T) {
	b := newReadBuffer(4, 32)

	total := 0
	for {
		spare := b.spare(10)
		if len(spare) == 0 {
			break
		}
		assert.LessOrEqual(t, len(spare), 10)
		for i := range spare {
			spare[i] = byte(total + i)
		}
		b.commit(len(spare))
		total += len(spare)
	}

	assert.Equal(t, 32, total)
	assert.True(t, b.full())
	assert.LessOrEqual(t, cap(b.bytes()), 32)
	for i, v := range b.bytes() {
		assert.Equal(t, byte(i), v)
	}
}

func TestReadBufferConsume(t *testing.T) {
	b := newReadBuffer(8, 64)
	n := copy(b.spare(8), "abcdefgh")
	b.commit(n)

	b.consume(3)
	assert.Equal(t, "defgh", string(b.bytes()))

	b.consume(0)
	assert.Equal(t, 5, b.len())

	b.consume(5)
	assert.Zero(t, b.len())
	assert.False(t, b.full())
}

func TestWriteBufferFlush(t *testing.T) {
	w := newWriteBuffer(0)
	w.buf = append(w.buf, "hello world"...)

	sock := newFakeSocket()
	sock.budget = 4
	n, err := w.flush(sock)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 4, n)
	assert.Equal(t, "o world", string(w.buf))

	sock.budget = -1
	n, err = w.flush(sock)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Zero(t, w.len())
	assert.Equal(t, "hello world", sock.out.String())
}

func TestWriteBufferFlushError(t *testing.T) {
	w := newWriteBuffer(16)
	w.buf = append(w.buf, 1, 2, 3)

	sock := newFakeSocket()
	sock.writeErr = assert.AnError
	_, err := w.flush(sock)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, w.len())
}

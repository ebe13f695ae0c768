package server

import (
	"errors"
	"net"
)

var (
	// ErrWouldBlock is returned by non-blocking sockets that have nothing to
	// read or no room to write
	ErrWouldBlock = errors.New("operation would block")

	ErrUnsupportedPlatform = errors.New("the hub reactor requires linux")
)

// Socket is the non-blocking byte stream behind a connection. Read returns
// (0, nil) once the peer has closed its side.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Fd() int
}

// listener hands out accepted sockets until it returns ErrWouldBlock
type listener interface {
	accept() (Socket, string, error)
	fd() int
	addr() net.Addr
	close() error
}

// waker interrupts a blocked poll from another goroutine
type waker interface {
	wake() error
	drain()
	fd() int
	close() error
}

// pollEvent is one readiness notification
type pollEvent struct {
	token    Token
	readable bool
	writable bool
	hangup   bool
}

// poller is the readiness facility. Registrations are edge-triggered.
type poller interface {
	add(fd int, tok Token, writable bool) error
	remove(fd int) error
	wait(events []pollEvent) (int, error)
	close() error
}

//go:build linux

package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// setSocketOptions sets SO_REUSEADDR so the hub can restart on the same port
// while old connections sit in TIME_WAIT
func setSocketOptions(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// fdSocket is a non-blocking TCP socket owned by the reactor
type fdSocket struct {
	sfd int
}

func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.sfd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		}
		return 0, err
	}
}

func (s *fdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.sfd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		}
		return 0, err
	}
}

func (s *fdSocket) Close() error {
	return unix.Close(s.sfd)
}

func (s *fdSocket) Fd() int {
	return s.sfd
}

// tcpListener is a non-blocking listening socket
type tcpListener struct {
	lfd   int
	bound *net.TCPAddr
}

func listenTCP(address string) (listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := setSocketOptions(uintptr(fd)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	name, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	return &tcpListener{lfd: fd, bound: sockaddrToTCP(name)}, nil
}

func (l *tcpListener) accept() (Socket, string, error) {
	for {
		nfd, sa, err := unix.Accept4(l.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil, "", ErrWouldBlock
		default:
			return nil, "", fmt.Errorf("accept: %w", err)
		}

		// Disable Nagle's algorithm for immediate sends
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		remote := "unknown"
		if addr := sockaddrToTCP(sa); addr != nil {
			remote = addr.String()
		}
		return &fdSocket{sfd: nfd}, remote, nil
	}
}

func (l *tcpListener) fd() int {
	return l.lfd
}

func (l *tcpListener) addr() net.Addr {
	return l.bound
}

func (l *tcpListener) close() error {
	return unix.Close(l.lfd)
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}

// eventWaker is an eventfd the reactor polls alongside its sockets
type eventWaker struct {
	efd int
}

func newWaker() (waker, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &eventWaker{efd: efd}, nil
}

func (w *eventWaker) wake() error {
	buf := [8]byte{1}
	_, err := unix.Write(w.efd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wake-up is already pending
		return nil
	}
	return err
}

func (w *eventWaker) drain() {
	var buf [8]byte
	unix.Read(w.efd, buf[:])
}

func (w *eventWaker) fd() int {
	return w.efd
}

func (w *eventWaker) close() error {
	return unix.Close(w.efd)
}

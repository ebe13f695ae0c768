//go:build linux

package server

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epoller struct {
	epfd int
	raw  []unix.EpollEvent
}

func newPoller(capacity int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epoller{epfd: epfd, raw: make([]unix.EpollEvent, capacity)}, nil
}

func (p *epoller) add(fd int, tok Token, writable bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET)
	if writable {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{
		Events: events,
		Fd:     int32(tok.index),
		Pad:    int32(tok.gen),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

func (p *epoller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// wait blocks without a timeout until at least one event is ready
func (p *epoller) wait(events []pollEvent) (int, error) {
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}

	for {
		n, err := unix.EpollWait(p.epfd, raw, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := raw[i].Events
			events[i] = pollEvent{
				token:    Token{index: uint32(raw[i].Fd), gen: uint32(raw[i].Pad)},
				readable: ev&unix.EPOLLIN != 0,
				writable: ev&unix.EPOLLOUT != 0,
				hangup:   ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			}
		}
		return n, nil
	}
}

func (p *epoller) close() error {
	return unix.Close(p.epfd)
}

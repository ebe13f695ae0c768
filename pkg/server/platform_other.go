//go:build !linux

package server

import "log"

func newPoller(int) (poller, error) {
	return nil, ErrUnsupportedPlatform
}

func listenTCP(string) (listener, error) {
	return nil, ErrUnsupportedPlatform
}

func newWaker() (waker, error) {
	return nil, ErrUnsupportedPlatform
}

func logListenBacklog(addr string) {
	log.Printf("Hub listening on %s", addr)
}

func listenOverflows() uint64 {
	return 0
}

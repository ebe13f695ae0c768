package server

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrRegistryFull = errors.New("connection registry is full")
	ErrInvalidToken = errors.New("invalid connection token")
)

// MaxConnections is the largest registry capacity; the indices above it are
// reserved for the listener and the wake-up event
const MaxConnections = 1 << 24

// Token identifies a registered connection. The generation makes a token
// captured before a removal stop resolving once the slot is reused.
type Token struct {
	index uint32
	gen   uint32
}

var (
	listenToken = Token{index: math.MaxUint32}
	wakeToken   = Token{index: math.MaxUint32 - 1}
)

func (t Token) String() string {
	switch t {
	case listenToken:
		return "listener"
	case wakeToken:
		return "waker"
	}
	return fmt.Sprintf("%d.%d", t.index, t.gen)
}

type slot struct {
	conn *Connection
	gen  uint32
}

// Registry is a slab of connections with O(1) insert, lookup and removal.
// Freed slots are reused most-recently-freed first.
type Registry struct {
	slots    []slot
	free     []uint32
	capacity int
	live     int
}

// NewRegistry creates a registry holding at most capacity connections
func NewRegistry(capacity int) *Registry {
	if capacity > MaxConnections {
		capacity = MaxConnections
	}
	return &Registry{capacity: capacity}
}

// Insert stores the connection and assigns its token
func (r *Registry) Insert(c *Connection) (Token, error) {
	var index uint32
	switch {
	case len(r.free) > 0:
		index = r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
	case len(r.slots) < r.capacity:
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot{gen: 1})
	default:
		return Token{}, ErrRegistryFull
	}

	s := &r.slots[index]
	s.conn = c
	r.live++

	tok := Token{index: index, gen: s.gen}
	c.token = tok
	return tok, nil
}

// Get returns the live connection for the token
func (r *Registry) Get(t Token) (*Connection, error) {
	if int(t.index) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, t)
	}
	s := &r.slots[t.index]
	if s.conn == nil || s.gen != t.gen {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, t)
	}
	return s.conn, nil
}

// Remove drops the connection and retires the token
func (r *Registry) Remove(t Token) (*Connection, error) {
	c, err := r.Get(t)
	if err != nil {
		return nil, err
	}

	s := &r.slots[t.index]
	s.conn = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.free = append(r.free, t.index)
	r.live--
	return c, nil
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	return r.live
}

// Cap returns the maximum number of connections
func (r *Registry) Cap() int {
	return r.capacity
}

// Each calls fn for every live connection until fn returns false
func (r *Registry) Each(fn func(*Connection) bool) {
	for i := range r.slots {
		if c := r.slots[i].conn; c != nil {
			if !fn(c) {
				return
			}
		}
	}
}

// UsernameTaken reports whether any live connection holds the username
func (r *Registry) UsernameTaken(username string) bool {
	taken := false
	r.Each(func(c *Connection) bool {
		if c.client != nil && c.client.Username == username {
			taken = true
			return false
		}
		return true
	})
	return taken
}

// FindUsername returns the connection that claimed the username and can
// still be paired with
func (r *Registry) FindUsername(username string) (*Connection, bool) {
	var found *Connection
	r.Each(func(c *Connection) bool {
		if c.client != nil && c.client.Username == username && c.state == StatePairing {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

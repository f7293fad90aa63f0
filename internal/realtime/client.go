package realtime

import (
	"sync"

	"github.com/butterr12/iskomunidad-guard/internal/auth"
)

const sendBuffer = 64

// Client is one authenticated connection. Its principal is fixed for the
// lifetime of the connection.
type Client struct {
	id        string
	principal *auth.Principal
	send      chan []byte

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func newClient(id string, p *auth.Principal) *Client {
	return &Client{
		id:        id,
		principal: p,
		send:      make(chan []byte, sendBuffer),
		rooms:     make(map[string]struct{}),
	}
}

// deliver queues msg without blocking. A slow client loses messages rather
// than stalling the broadcaster.
func (c *Client) deliver(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// join adds the client to room. The lock is held across the closed check and
// the broadcaster join, so a join racing with disconnect never leaves a stale
// membership behind.
func (c *Client) join(b Broadcaster, room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.rooms[room]; !ok {
		c.rooms[room] = struct{}{}
		b.Join(room, c)
	}
	return true
}

func (c *Client) leave(b Broadcaster, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		delete(c.rooms, room)
		b.Leave(room, c)
	}
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Client) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// close marks the client closed and removes it from every room. Safe to call
// more than once.
func (c *Client) close(b Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for room := range c.rooms {
		b.Leave(room, c)
	}
	c.rooms = nil
}

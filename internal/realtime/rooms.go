package realtime

import (
	"context"
	"sync"
)

// Broadcaster fans room messages out to member connections.
type Broadcaster interface {
	Join(room string, c *Client)
	Leave(room string, c *Client)
	// Emit delivers msg to every member of room except the connection whose
	// id equals except.
	Emit(ctx context.Context, room string, msg []byte, except string) error
	Close() error
}

// LocalRooms is the in-process Broadcaster.
type LocalRooms struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewLocalRooms creates an empty room registry.
func NewLocalRooms() *LocalRooms {
	return &LocalRooms{rooms: make(map[string]map[*Client]struct{})}
}

func (r *LocalRooms) Join(room string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (r *LocalRooms) Leave(room string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *LocalRooms) Emit(_ context.Context, room string, msg []byte, except string) error {
	r.deliver(room, msg, except)
	return nil
}

func (r *LocalRooms) deliver(room string, msg []byte, except string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for c := range r.rooms[room] {
		if c.id == except {
			continue
		}
		if c.deliver(msg) {
			n++
		}
	}
	return n
}

// Members returns the number of local connections in room.
func (r *LocalRooms) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func (r *LocalRooms) Close() error { return nil }

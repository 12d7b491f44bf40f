package room

import (
	"sync"

	"github.com/adityaadpandey/storylocks/internals/lease"
)

// Observer is a connected client that receives room broadcasts.
//
// Send must not block: implementations queue the payload and report a
// failure when the peer can no longer accept messages. The registry never
// closes an observer; transport lifecycle belongs to the caller.
type Observer interface {
	ID() string
	Send(payload []byte) error
}

// Registry tracks which observers are connected to which room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[lease.RoomKey]map[Observer]struct{}
	conns int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[lease.RoomKey]map[Observer]struct{}),
	}
}

// Join adds an observer to a room, creating the room if needed. Joining
// twice has no further effect.
func (r *Registry) Join(key lease.RoomKey, o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		members = make(map[Observer]struct{})
		r.rooms[key] = members
	}
	if _, exists := members[o]; exists {
		return
	}
	members[o] = struct{}{}
	r.conns++
}

// Leave removes an observer from a room and prunes the room once empty.
// It reports whether the observer was a member.
func (r *Registry) Leave(key lease.RoomKey, o Observer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		return false
	}
	if _, exists := members[o]; !exists {
		return false
	}
	delete(members, o)
	r.conns--
	if len(members) == 0 {
		delete(r.rooms, key)
	}
	return true
}

// Members returns a copy of the room's membership at call time.
func (r *Registry) Members(key lease.RoomKey) []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[key]
	out := make([]Observer, 0, len(members))
	for o := range members {
		out = append(out, o)
	}
	return out
}

// Count returns the number of observers in a room.
func (r *Registry) Count(key lease.RoomKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[key])
}

// Rooms returns the number of non-empty rooms.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Connections returns the number of observers across all rooms.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns
}

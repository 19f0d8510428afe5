package realtime

import "sync"

// Registry tracks which live connections are members of which room. It holds
// the only mutable shared state in the realtime layer and is mutated solely
// by connection lifecycle calls. Membership is not persisted; after a process
// restart clients must rejoin.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	// joined is the reverse index, connection -> rooms, so a disconnect
	// purge does not scan every room.
	joined map[string]map[string]struct{}
}

// NewRegistry creates an empty Registry. One shared instance per server
// process is the natural lifetime.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the room. Joining a room twice is a no-op.
func (r *Registry) Join(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]struct{})
	}
	r.rooms[roomID][connID] = struct{}{}
	if r.joined[connID] == nil {
		r.joined[connID] = make(map[string]struct{})
	}
	r.joined[connID][roomID] = struct{}{}
}

// Leave removes the connection from the room. Leaving a room the connection
// never joined is a no-op.
func (r *Registry) Leave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, roomID)
}

func (r *Registry) leaveLocked(connID, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// RemoveConnection purges the connection from every room it had joined.
// Called on disconnect.
func (r *Registry) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.joined[connID] {
		r.leaveLocked(connID, roomID)
	}
	delete(r.joined, connID)
}

// Members returns the current member connection IDs of the room.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]string, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		members = append(members, connID)
	}
	return members
}

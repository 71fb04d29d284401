// Package room tracks which connections have joined which rooms. A room is
// either a project (conversation list updates) or a conversation (messages
// and typing signals).
package room

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Room kinds.
const (
	KindProject      = "project"
	KindConversation = "conversation"
)

// Key identifies a room.
type Key struct {
	Kind string
	ID   int64
}

// Project returns the key of a project room.
func Project(id int64) Key { return Key{Kind: KindProject, ID: id} }

// Conversation returns the key of a conversation room.
func Conversation(id int64) Key { return Key{Kind: KindConversation, ID: id} }

func (k Key) String() string {
	return k.Kind + ":" + strconv.FormatInt(k.ID, 10)
}

// Subject is the NATS subject the room's events are published on.
func (k Key) Subject() string {
	return fmt.Sprintf("room.%s.%d", k.Kind, k.ID)
}

// ParseSubject is the inverse of Key.Subject.
func ParseSubject(subject string) (Key, error) {
	var (
		kind string
		id   int64
	)
	const prefix = "room."
	if len(subject) <= len(prefix) || subject[:len(prefix)] != prefix {
		return Key{}, fmt.Errorf("room: bad subject %q", subject)
	}
	rest := subject[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '.' {
			kind = rest[:i]
			n, err := strconv.ParseInt(rest[i+1:], 10, 64)
			if err != nil {
				return Key{}, fmt.Errorf("room: bad subject %q: %w", subject, err)
			}
			id = n
			break
		}
	}
	if kind != KindProject && kind != KindConversation {
		return Key{}, fmt.Errorf("room: bad subject %q", subject)
	}
	return Key{Kind: kind, ID: id}, nil
}

// Registry maps rooms to their member connections and back. Joining twice
// is a no-op, so a connection receives each room event once.
type Registry struct {
	mu      sync.RWMutex
	members map[Key]map[string]struct{} // room -> connection ids
	joined  map[string]map[Key]struct{} // connection id -> rooms
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[Key]map[string]struct{}),
		joined:  make(map[string]map[Key]struct{}),
	}
}

// Join adds connID to the room. It reports whether the room had no local
// members before, which is when a fan-out subscription must be opened.
func (r *Registry) Join(key Key, connID string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[key]
	if !ok {
		set = make(map[string]struct{})
		r.members[key] = set
		first = true
	}
	set[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(map[Key]struct{})
		r.joined[connID] = rooms
	}
	rooms[key] = struct{}{}
	return first
}

// Leave removes connID from the room. It reports whether the room is now
// empty locally.
func (r *Registry) Leave(key Key, connID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(key, connID)
}

func (r *Registry) leaveLocked(key Key, connID string) bool {
	set, ok := r.members[key]
	if !ok {
		return false
	}
	if _, in := set[connID]; !in {
		return false
	}
	delete(set, connID)
	if rooms := r.joined[connID]; rooms != nil {
		delete(rooms, key)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
	if len(set) == 0 {
		delete(r.members, key)
		return true
	}
	return false
}

// LeaveAll removes connID from every room it joined and returns the rooms
// that became empty.
func (r *Registry) LeaveAll(connID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []Key
	for key := range r.joined[connID] {
		if r.leaveLocked(key, connID) {
			emptied = append(emptied, key)
		}
	}
	delete(r.joined, connID)
	return emptied
}

// Members returns the connection ids in the room, sorted.
func (r *Registry) Members(key Key) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether connID has joined the room.
func (r *Registry) IsMember(key Key, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[key][connID]
	return ok
}

// Rooms returns the rooms connID has joined.
func (r *Registry) Rooms(connID string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Key, 0, len(r.joined[connID]))
	for key := range r.joined[connID] {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of rooms with at least one local member.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Package rooms is the client's Room Subscription Manager. It keeps the
// ordered set of rooms the client wants to observe and turns it into join and
// leave events against the transport, replaying joins in their original
// order after every (re)connect. All methods run on the client event loop.
package rooms

import (
	"errors"
	"log"

	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/protocol"
	"github.com/projecthub/realtime/internal/room"
)

// Emitter sends a client event. transport.Transport implements it.
type Emitter interface {
	Send(msgType string, payload interface{}) error
}

// Manager tracks desired room membership.
type Manager struct {
	emitter   Emitter
	connected bool
	desired   []room.Key // join order
	active    *room.Key  // actively viewed conversation
}

// New creates a Manager. It assumes the transport is not yet connected.
func New(emitter Emitter) *Manager {
	return &Manager{emitter: emitter}
}

// JoinProject joins a project room.
func (m *Manager) JoinProject(id int64) { m.join(room.Project(id)) }

// LeaveProject leaves a project room.
func (m *Manager) LeaveProject(id int64) { m.leave(room.Project(id)) }

// JoinConversation joins a conversation room.
func (m *Manager) JoinConversation(id int64) { m.join(room.Conversation(id)) }

// LeaveConversation leaves a conversation room.
func (m *Manager) LeaveConversation(id int64) {
	key := room.Conversation(id)
	if m.active != nil && *m.active == key {
		m.active = nil
	}
	m.leave(key)
}

// SwitchConversation makes id the actively viewed conversation, leaving the
// previous one first. An id of 0 only leaves.
func (m *Manager) SwitchConversation(id int64) {
	next := room.Conversation(id)
	if m.active != nil {
		if id != 0 && *m.active == next {
			return
		}
		m.leave(*m.active)
		m.active = nil
	}
	if id == 0 {
		return
	}
	m.active = &next
	m.join(next)
}

// HandleState follows the transport lifecycle. On Connected every desired
// room is joined again in its original order.
func (m *Manager) HandleState(s transport.State) {
	wasConnected := m.connected
	m.connected = s == transport.Connected
	if !m.connected || wasConnected {
		return
	}
	for _, key := range m.desired {
		m.emit(joinType(key), key)
	}
}

// Rooms returns the desired rooms in join order.
func (m *Manager) Rooms() []room.Key {
	return append([]room.Key(nil), m.desired...)
}

func (m *Manager) join(key room.Key) {
	if !m.contains(key) {
		m.desired = append(m.desired, key)
	}
	if m.connected {
		m.emit(joinType(key), key)
	}
}

// leave drops key from the desired set. While disconnected nothing is
// emitted, and the room is not rejoined on the next connect.
func (m *Manager) leave(key room.Key) {
	for i, k := range m.desired {
		if k == key {
			m.desired = append(m.desired[:i], m.desired[i+1:]...)
			break
		}
	}
	if m.connected {
		m.emit(leaveType(key), key)
	}
}

func (m *Manager) contains(key room.Key) bool {
	for _, k := range m.desired {
		if k == key {
			return true
		}
	}
	return false
}

func (m *Manager) emit(msgType string, key room.Key) {
	var payload interface{}
	if key.Kind == room.KindProject {
		payload = protocol.ProjectRoomMsg{ProjectID: key.ID}
	} else {
		payload = protocol.ConversationRoomMsg{ConversationID: key.ID}
	}
	if err := m.emitter.Send(msgType, payload); err != nil {
		// The stream dropped under us; the desired set is replayed on
		// the next Connected.
		if !errors.Is(err, transport.ErrNotConnected) {
			log.Printf("[rooms] %s room=%s failed: %v", msgType, key, err)
		}
	}
}

func joinType(key room.Key) string {
	if key.Kind == room.KindProject {
		return protocol.TypeProjectJoin
	}
	return protocol.TypeConversationJoin
}

func leaveType(key room.Key) string {
	if key.Kind == room.KindProject {
		return protocol.TypeProjectLeave
	}
	return protocol.TypeConversationLeave
}

package rooms

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/protocol"
	"github.com/projecthub/realtime/internal/room"
)

type fakeEmitter struct {
	sent []string
	fail error
}

func (e *fakeEmitter) Send(msgType string, payload interface{}) error {
	if e.fail != nil {
		return e.fail
	}
	switch p := payload.(type) {
	case protocol.ProjectRoomMsg:
		e.sent = append(e.sent, fmt.Sprintf("%s %d", msgType, p.ProjectID))
	case protocol.ConversationRoomMsg:
		e.sent = append(e.sent, fmt.Sprintf("%s %d", msgType, p.ConversationID))
	default:
		e.sent = append(e.sent, msgType)
	}
	return nil
}

func (e *fakeEmitter) take() []string {
	out := e.sent
	e.sent = nil
	return out
}

func TestJoinWhileDisconnectedIsQueued(t *testing.T) {
	em := &fakeEmitter{}
	m := New(em)

	m.JoinProject(7)
	m.JoinConversation(42)
	m.JoinConversation(42)
	if got := em.take(); len(got) != 0 {
		t.Fatalf("expected no emission while disconnected, got %v", got)
	}

	m.HandleState(transport.Connecting)
	if got := em.take(); len(got) != 0 {
		t.Fatalf("expected no emission while connecting, got %v", got)
	}

	m.HandleState(transport.Connected)
	want := []string{"project:join 7", "conversation:join 42"}
	if got := em.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestJoinWhileConnectedEmitsImmediately(t *testing.T) {
	em := &fakeEmitter{}
	m := New(em)
	m.HandleState(transport.Connected)

	m.JoinConversation(5)
	if got := em.take(); !reflect.DeepEqual(got, []string{"conversation:join 5"}) {
		t.Errorf("unexpected emission %v", got)
	}

	// A repeated Connected report does not replay.
	m.HandleState(transport.Connected)
	if got := em.take(); len(got) != 0 {
		t.Errorf("unexpected replay %v", got)
	}
}

func TestReconnectReplaysInOriginalOrder(t *testing.T) {
	em := &fakeEmitter{}
	m := New(em)
	m.HandleState(transport.Connected)
	m.JoinProject(7)
	m.JoinConversation(42)
	em.take()

	m.HandleState(transport.Reconnecting)
	m.HandleState(transport.Connected)

	want := []string{"project:join 7", "conversation:join 42"}
	if got := em.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLeave(t *testing.T) {
	em := &fakeEmitter{}
	m := New(em)
	m.HandleState(transport.Connected)
	m.JoinProject(7)
	m.JoinConversation(42)
	em.take()

	m.LeaveConversation(42)
	if got := em.take(); !reflect.DeepEqual(got, []string{"conversation:leave 42"}) {
		t.Errorf("unexpected emission %v", got)
	}

	// Leave while disconnected: silent, and not rejoined later.
	m.HandleState(transport.Reconnecting)
	m.LeaveProject(7)
	if got := em.take(); len(got) != 0 {
		t.Errorf("expected no emission while disconnected, got %v", got)
	}
	m.HandleState(transport.Connected)
	if got := em.take(); len(got) != 0 {
		t.Errorf("expected nothing to rejoin, got %v", got)
	}
	if rooms := m.Rooms(); len(rooms) != 0 {
		t.Errorf("expected empty room set, got %v", rooms)
	}
}

func TestSwitchConversationLeavesPrevious(t *testing.T) {
	em := &fakeEmitter{}
	m := New(em)
	m.HandleState(transport.Connected)
	m.JoinProject(7)

	m.SwitchConversation(1)
	m.SwitchConversation(1)
	m.SwitchConversation(2)
	want := []string{
		"project:join 7",
		"conversation:join 1",
		"conversation:leave 1",
		"conversation:join 2",
	}
	if got := em.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	wantRooms := []room.Key{room.Project(7), room.Conversation(2)}
	if got := m.Rooms(); !reflect.DeepEqual(got, wantRooms) {
		t.Errorf("expected rooms %v, got %v", wantRooms, got)
	}

	m.SwitchConversation(0)
	if got := em.take(); !reflect.DeepEqual(got, []string{"conversation:leave 2"}) {
		t.Errorf("unexpected emission %v", got)
	}
}

func TestSendFailureKeepsDesiredSet(t *testing.T) {
	em := &fakeEmitter{fail: transport.ErrNotConnected}
	m := New(em)
	m.HandleState(transport.Connected)
	m.JoinConversation(9)

	em.fail = nil
	m.HandleState(transport.Reconnecting)
	m.HandleState(transport.Connected)
	if got := em.take(); !reflect.DeepEqual(got, []string{"conversation:join 9"}) {
		t.Errorf("expected rejoin after failed send, got %v", got)
	}
}

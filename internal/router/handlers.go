package router

import (
	"context"
	"log"
	"time"

	"github.com/projecthub/realtime/internal/protocol"
	"github.com/projecthub/realtime/internal/room"
	"github.com/projecthub/realtime/internal/ws"
)

// handlerTimeout bounds the store and Redis work done for one inbound event.
const handlerTimeout = 5 * time.Second

// Register installs the router's handlers for every client event type.
func (r *Router) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeProjectJoin, r.handleProjectRoom)
	d.Register(protocol.TypeProjectLeave, r.handleProjectRoom)
	d.Register(protocol.TypeConversationJoin, r.handleConversationRoom)
	d.Register(protocol.TypeConversationLeave, r.handleConversationRoom)
	d.Register(protocol.TypeMessageSend, r.handleSend)
	d.Register(protocol.TypeMessageEdit, r.handleEdit)
	d.Register(protocol.TypeMessageDelete, r.handleDelete)
	d.Register(protocol.TypeMarkRead, r.handleConversationEvent)
	d.Register(protocol.TypeTypingStart, r.handleConversationEvent)
	d.Register(protocol.TypeTypingStop, r.handleConversationEvent)
}

// OnDisconnect is the ws.Server disconnect hook.
func (r *Router) OnDisconnect(conn *ws.Connection) {
	r.Disconnect(conn.ID)
	log.Printf("[router] disconnect cleanup conn=%s user=%s", conn.ID, conn.UserID)
}

func (r *Router) handleProjectRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ProjectRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if m.Type == protocol.TypeProjectLeave {
		r.Leave(ctx, conn.ID, room.Project(m.ProjectID))
		return
	}
	if err := r.JoinProject(ctx, conn.ID, conn.UserID, m.ProjectID); err != nil {
		r.reject(conn, m.Type, err)
	}
}

func (r *Router) handleConversationRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ConversationRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if m.Type == protocol.TypeConversationLeave {
		r.Leave(ctx, conn.ID, room.Conversation(m.ConversationID))
		return
	}
	if err := r.JoinConversation(ctx, conn.ID, conn.UserID, m.ConversationID); err != nil {
		r.reject(conn, m.Type, err)
	}
}

// handleConversationEvent covers the events whose payload is only a
// conversation id: mark_read and the typing signals.
func (r *Router) handleConversationEvent(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ConversationRoomMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch m.Type {
	case protocol.TypeMarkRead:
		err = r.MarkRead(ctx, conn.UserID, m.ConversationID)
	case protocol.TypeTypingStart:
		err = r.Typing(ctx, conn.ID, conn.UserID, m.ConversationID, true)
	case protocol.TypeTypingStop:
		err = r.Typing(ctx, conn.ID, conn.UserID, m.ConversationID, false)
	}
	if err != nil {
		r.reject(conn, m.Type, err)
	}
}

func (r *Router) handleSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := r.SendMessage(ctx, conn.UserID, m.ConversationID, m.Content); err != nil {
		r.reject(conn, m.Type, err)
	}
}

func (r *Router) handleEdit(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.EditMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := r.EditMessage(ctx, conn.UserID, m.MessageID, m.Content); err != nil {
		r.reject(conn, m.Type, err)
	}
}

func (r *Router) handleDelete(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.DeleteMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := r.DeleteMessage(ctx, conn.UserID, m.MessageID); err != nil {
		r.reject(conn, m.Type, err)
	}
}

func (r *Router) reject(conn *ws.Connection, msgType string, err error) {
	code := ErrorCode(err)
	log.Printf("[router] %s rejected conn=%s user=%s code=%s: %v", msgType, conn.ID, conn.UserID, code, err)
	message := err.Error()
	if code == protocol.CodeInternal {
		message = "internal error"
	}
	ws.SendError(conn, code, message)
}

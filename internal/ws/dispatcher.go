package ws

import (
	"log"

	"github.com/projecthub/realtime/internal/metrics"
	"github.com/projecthub/realtime/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendMsg, protocol.ConversationRoomMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		if msgType != "" && msg == nil && isUnknownType(msgType) {
			SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// isUnknownType reports whether ParseClientMessage failed because the type is
// not a client event at all, as opposed to a malformed payload.
func isUnknownType(msgType string) bool {
	switch msgType {
	case protocol.TypeProjectJoin, protocol.TypeProjectLeave,
		protocol.TypeConversationJoin, protocol.TypeConversationLeave,
		protocol.TypeMessageSend, protocol.TypeMessageEdit, protocol.TypeMessageDelete,
		protocol.TypeMarkRead, protocol.TypeTypingStart, protocol.TypeTypingStop,
		protocol.TypePing:
		return false
	}
	return true
}

// SendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func SendError(conn *Connection, code string, message string) {
	metrics.RejectedTotal.WithLabelValues(code).Inc()

	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}

// Package protocol defines the real-time event types and structures exchanged
// between clients and the router. All events are serialized as JSON objects
// carrying a "type" discriminator alongside their payload fields.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/projecthub/realtime/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeProjectJoin       = "project:join"
	TypeProjectLeave      = "project:leave"
	TypeConversationJoin  = "conversation:join"
	TypeConversationLeave = "conversation:leave"
	TypeMessageSend       = "message:send"
	TypeMessageEdit       = "message:edit"
	TypeMessageDelete     = "message:delete"
	TypeMarkRead          = "conversation:mark_read"
	TypeTypingStart       = "typing:start"
	TypeTypingStop        = "typing:stop"
	TypePing              = "ping"
)

// Server -> Client event types.
const (
	TypeSessionReady        = "session:ready"
	TypeMessageNew          = "message:new"
	TypeMessageEdited       = "message:edited"
	TypeMessageDeleted      = "message:deleted"
	TypeUserTyping          = "typing:user_typing"
	TypeUserStopped         = "typing:user_stopped"
	TypeConversationUpdated = "conversation:updated"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// ProjectRoomMsg asks to join or leave a project room.
type ProjectRoomMsg struct {
	Type      string `json:"type"`
	ProjectID int64  `json:"projectId"`
}

// ConversationRoomMsg asks to join or leave a conversation room. It is also
// the payload of conversation:mark_read, typing:start and typing:stop.
type ConversationRoomMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversationId"`
}

// SendMsg submits a new message to a conversation.
type SendMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

// EditMsg replaces the content of an existing message.
type EditMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteMsg removes an existing message.
type DeleteMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionReadyMsg is sent once the upgraded connection is registered.
type SessionReadyMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// MessageMsg carries a persisted message for message:new and message:edited.
type MessageMsg struct {
	Type string `json:"type"`
	chat.Message
}

// MessageDeletedMsg announces that a message was removed.
type MessageDeletedMsg struct {
	Type           string `json:"type"`
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
}

// TypingMsg relays another member's typing state.
type TypingMsg struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	ConversationID int64  `json:"conversationId"`
}

// ConversationUpdatedMsg is fanned out to the project room when a
// conversation receives a new message.
type ConversationUpdatedMsg struct {
	Type           string        `json:"type"`
	ConversationID int64         `json:"conversationId"`
	LastMessage    *chat.Message `json:"lastMessage,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeProjectJoin, TypeProjectLeave:
		var m ProjectRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversationJoin, TypeConversationLeave, TypeMarkRead, TypeTypingStart, TypeTypingStop:
		var m ConversationRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageEdit:
		var m EditMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageDelete:
		var m DeleteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
// Unknown server event types are returned with a nil message and no error so
// that older clients tolerate newer servers.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSessionReady:
		var m SessionReadyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageNew, TypeMessageEdited:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageDeleted:
		var m MessageDeletedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserTyping, TypeUserStopped:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversationUpdated:
		var m ConversationUpdatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		msg = PongMsg{Type: TypePong}
	default:
		return env.Type, nil, nil
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage is the client-side counterpart of NewServerMessage.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// encode marshals the payload to a generic map so the "type" field is
// present and correct regardless of what the struct carried.
func encode(msgType string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

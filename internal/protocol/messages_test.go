package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/projecthub/realtime/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid message:send event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"message:send","conversationId":42,"content":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageSend {
		t.Fatalf("expected type %q, got %q", TypeMessageSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.ConversationID != 42 {
		t.Errorf("expected conversationId 42, got %d", sm.ConversationID)
	}
	if sm.Content != "hi" {
		t.Errorf("expected content %q, got %q", "hi", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message:new server event flattens the message fields
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageNew(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := MessageMsg{Message: chat.Message{
		ID:             7,
		ConversationID: 42,
		SenderID:       "alice",
		Content:        "hi",
		CreatedAt:      created,
	}}

	data, err := NewServerMessage(TypeMessageNew, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMessageNew {
		t.Errorf("expected type %q, got %v", TypeMessageNew, result["type"])
	}
	if result["id"] != float64(7) {
		t.Errorf("expected id 7, got %v", result["id"])
	}
	if result["conversationId"] != float64(42) {
		t.Errorf("expected conversationId 42, got %v", result["conversationId"])
	}
	if result["senderId"] != "alice" {
		t.Errorf("expected senderId %q, got %v", "alice", result["senderId"])
	}
	if _, nested := result["Message"]; nested {
		t.Error("message fields should be flattened, found nested Message key")
	}
}

func TestParseServerMessage_MessageNew(t *testing.T) {
	data, err := NewServerMessage(TypeMessageNew, MessageMsg{Message: chat.Message{
		ID: 9, ConversationID: 3, SenderID: "bob", Content: "yo",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageNew {
		t.Fatalf("expected type %q, got %q", TypeMessageNew, msgType)
	}
	mm, ok := msg.(MessageMsg)
	if !ok {
		t.Fatalf("expected MessageMsg, got %T", msg)
	}
	if mm.ID != 9 || mm.ConversationID != 3 || mm.SenderID != "bob" || mm.Content != "yo" {
		t.Errorf("unexpected decoded message: %+v", mm.Message)
	}
}

func TestParseServerMessage_UnknownTypeTolerated(t *testing.T) {
	msgType, msg, err := ParseServerMessage([]byte(`{"type":"board:moved","x":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != "board:moved" {
		t.Errorf("expected type %q, got %q", "board:moved", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown client event type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"message:send","conversationId":"forty-two"}`))
	if err == nil {
		t.Fatal("expected decode error for string conversationId, got nil")
	}
}

func TestNewClientMessage_OverridesType(t *testing.T) {
	data, err := NewClientMessage(TypeTypingStart, ConversationRoomMsg{Type: "bogus", ConversationID: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTypingStart {
		t.Errorf("expected type %q, got %q", TypeTypingStart, msgType)
	}
	if m := msg.(ConversationRoomMsg); m.ConversationID != 5 {
		t.Errorf("expected conversationId 5, got %d", m.ConversationID)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"project join", `{"type":"project:join","projectId":7}`, TypeProjectJoin},
		{"project leave", `{"type":"project:leave","projectId":7}`, TypeProjectLeave},
		{"conversation join", `{"type":"conversation:join","conversationId":42}`, TypeConversationJoin},
		{"conversation leave", `{"type":"conversation:leave","conversationId":42}`, TypeConversationLeave},
		{"send", `{"type":"message:send","conversationId":42,"content":"hi"}`, TypeMessageSend},
		{"edit", `{"type":"message:edit","messageId":1,"content":"hey"}`, TypeMessageEdit},
		{"delete", `{"type":"message:delete","messageId":1}`, TypeMessageDelete},
		{"mark read", `{"type":"conversation:mark_read","conversationId":42}`, TypeMarkRead},
		{"typing start", `{"type":"typing:start","conversationId":42}`, TypeTypingStart},
		{"typing stop", `{"type":"typing:stop","conversationId":42}`, TypeTypingStop},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

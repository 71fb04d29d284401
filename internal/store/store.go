// Package store is the data-access layer for conversations, members and
// messages. Two implementations are provided: Postgres for production and
// Memory for development and tests.
package store

import (
	"context"
	"errors"

	"github.com/projecthub/realtime/internal/chat"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateDirect is returned when a DIRECT conversation already
	// exists for the member pair inside the project.
	ErrDuplicateDirect = errors.New("store: direct conversation already exists")
)

// DefaultPageSize and MaxPageSize bound ListMessages.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Store is the data-access API consumed by the router and the REST layer.
type Store interface {
	// ProjectMembers returns the identities allowed into a project room.
	ProjectMembers(ctx context.Context, projectID int64) ([]string, error)

	// CreateConversation persists a normalized conversation. DIRECT
	// conversations return ErrDuplicateDirect when the pair already has one.
	CreateConversation(ctx context.Context, nc chat.NewConversation) (*chat.Conversation, error)

	// FindDirect returns the DIRECT conversation for a member pair, or
	// ErrNotFound.
	FindDirect(ctx context.Context, projectID int64, a, b string) (*chat.Conversation, error)

	// GetConversation returns a conversation with its ordered member list.
	GetConversation(ctx context.Context, id int64) (*chat.Conversation, error)

	// ListConversations returns the project's conversations that viewerID
	// belongs to, with lastMessage and per-viewer unreadCount filled in.
	ListConversations(ctx context.Context, projectID int64, viewerID string) ([]chat.Conversation, error)

	// CreateMessage appends a message and assigns its id.
	CreateMessage(ctx context.Context, conversationID int64, senderID, content string) (*chat.Message, error)

	// GetMessage returns a single live message.
	GetMessage(ctx context.Context, id int64) (*chat.Message, error)

	// ListMessages returns up to limit messages older than beforeID
	// (0 means newest), ordered oldest first.
	ListMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]chat.Message, error)

	// UpdateMessage replaces the content and marks the message edited.
	UpdateMessage(ctx context.Context, id int64, content string) (*chat.Message, error)

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, id int64) error

	// MarkRead records that viewerID has read everything currently in the
	// conversation.
	MarkRead(ctx context.Context, conversationID int64, viewerID string) error
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

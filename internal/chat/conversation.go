// Package chat defines the conversation and message entities shared by the
// real-time router, the data-access layer and the client synchronizer.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ConversationType distinguishes one-to-one threads from group threads.
type ConversationType string

const (
	TypeDirect ConversationType = "DIRECT"
	TypeGroup  ConversationType = "GROUP"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	return t == TypeDirect || t == TypeGroup
}

var (
	// ErrDirectMembers is returned when a DIRECT conversation is requested
	// with anything other than two distinct members.
	ErrDirectMembers = errors.New("chat: direct conversation needs exactly two distinct members")

	// ErrNoMembers is returned when a GROUP conversation has no members.
	ErrNoMembers = errors.New("chat: conversation needs at least one member")

	// ErrGroupName is returned when a GROUP conversation has a blank name.
	ErrGroupName = errors.New("chat: group conversation needs a name")

	// ErrUnknownType is returned for a type other than DIRECT or GROUP.
	ErrUnknownType = errors.New("chat: unknown conversation type")
)

// Conversation is a persisted thread inside a project.
type Conversation struct {
	ID          int64            `json:"id"`
	Type        ConversationType `json:"type"`
	Name        string           `json:"name,omitempty"`
	ProjectID   int64            `json:"projectId"`
	Members     []string         `json:"members"`
	LastMessage *Message         `json:"lastMessage,omitempty"`
	UnreadCount int              `json:"unreadCount"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Peer returns the other member of a DIRECT conversation, or "" when userID
// is not one of its two members.
func (c *Conversation) Peer(userID string) string {
	if c.Type != TypeDirect || len(c.Members) != 2 {
		return ""
	}
	switch userID {
	case c.Members[0]:
		return c.Members[1]
	case c.Members[1]:
		return c.Members[0]
	}
	return ""
}

// Message is a persisted chat message. ID is assigned by the server and
// increases with creation order inside a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsEdited       bool      `json:"isEdited"`
}

// NewConversation is the input for creating a conversation.
type NewConversation struct {
	Type      ConversationType `json:"type"`
	Name      string           `json:"name,omitempty"`
	ProjectID int64            `json:"projectId"`
	Members   []string         `json:"memberIds"`
}

// Normalize trims and de-duplicates the member list, keeping first-seen
// order, and checks the member-count rules for the conversation type.
func (n NewConversation) Normalize() (NewConversation, error) {
	seen := make(map[string]struct{}, len(n.Members))
	members := make([]string, 0, len(n.Members))
	for _, m := range n.Members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		members = append(members, m)
	}
	n.Members = members
	n.Name = strings.TrimSpace(n.Name)

	switch n.Type {
	case TypeDirect:
		if len(members) != 2 {
			return n, ErrDirectMembers
		}
	case TypeGroup:
		if len(members) == 0 {
			return n, ErrNoMembers
		}
		if n.Name == "" {
			return n, ErrGroupName
		}
	default:
		return n, fmt.Errorf("%w %q", ErrUnknownType, n.Type)
	}
	return n, nil
}

// DirectKey returns an order-independent key for a member pair. Two DIRECT
// conversations in the same project never share a key. The first identity is
// length-prefixed so that identities containing the separator cannot collide.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strconv.Itoa(len(pair[0])) + ":" + pair[0] + "|" + pair[1]
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/projecthub/realtime/internal/chat"
)

// Memory is an in-process Store. It is safe for concurrent use and assigns
// ids from a single sequence, the same way a BIGSERIAL column would.
type Memory struct {
	mu            sync.RWMutex
	projects      map[int64][]string
	conversations map[int64]*chat.Conversation
	directs       map[directIndex]int64
	messages      map[int64]*chat.Message
	byConv        map[int64][]int64          // conversation -> message ids, ascending
	lastRead      map[int64]map[string]int64 // conversation -> viewer -> message id
	nextConv      int64
	nextMsg       int64
	now           func() time.Time
}

type directIndex struct {
	projectID int64
	key       string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:      make(map[int64][]string),
		conversations: make(map[int64]*chat.Conversation),
		directs:       make(map[directIndex]int64),
		messages:      make(map[int64]*chat.Message),
		byConv:        make(map[int64][]int64),
		lastRead:      make(map[int64]map[string]int64),
		now:           time.Now,
	}
}

// SetProjectMembers replaces the member list of a project. Project
// membership is owned by the surrounding application, so this is how tests
// and development servers seed it.
func (m *Memory) SetProjectMembers(projectID int64, members ...string) {
	m.mu.Lock()
	m.projects[projectID] = append([]string(nil), members...)
	m.mu.Unlock()
}

func (m *Memory) ProjectMembers(_ context.Context, projectID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.projects[projectID]...), nil
}

func (m *Memory) CreateConversation(_ context.Context, nc chat.NewConversation) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idx directIndex
	if nc.Type == chat.TypeDirect {
		idx = directIndex{projectID: nc.ProjectID, key: chat.DirectKey(nc.Members[0], nc.Members[1])}
		if _, ok := m.directs[idx]; ok {
			return nil, ErrDuplicateDirect
		}
	}

	m.nextConv++
	c := &chat.Conversation{
		ID:        m.nextConv,
		Type:      nc.Type,
		Name:      nc.Name,
		ProjectID: nc.ProjectID,
		Members:   append([]string(nil), nc.Members...),
		CreatedAt: m.now(),
	}
	m.conversations[c.ID] = c
	if nc.Type == chat.TypeDirect {
		m.directs[idx] = c.ID
	}
	return copyConversation(c), nil
}

func (m *Memory) FindDirect(_ context.Context, projectID int64, a, b string) (*chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.directs[directIndex{projectID: projectID, key: chat.DirectKey(a, b)}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

func (m *Memory) GetConversation(_ context.Context, id int64) (*chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (m *Memory) ListConversations(_ context.Context, projectID int64, viewerID string) ([]chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]chat.Conversation, 0)
	for _, c := range m.conversations {
		if c.ProjectID != projectID || !c.HasMember(viewerID) {
			continue
		}
		summary := *copyConversation(c)
		ids := m.byConv[c.ID]
		if len(ids) > 0 {
			last := *m.messages[ids[len(ids)-1]]
			summary.LastMessage = &last
		}
		read := m.lastRead[c.ID][viewerID]
		for _, id := range ids {
			if id > read && m.messages[id].SenderID != viewerID {
				summary.UnreadCount++
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := lastActivity(out[i]), lastActivity(out[j])
		if ai.Equal(aj) {
			return out[i].ID > out[j].ID
		}
		return ai.After(aj)
	})
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, conversationID int64, senderID, content string) (*chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	m.nextMsg++
	msg := &chat.Message{
		ID:             m.nextMsg,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      m.now(),
	}
	m.messages[msg.ID] = msg
	m.byConv[conversationID] = append(m.byConv[conversationID], msg.ID)
	out := *msg
	return &out, nil
}

func (m *Memory) GetMessage(_ context.Context, id int64) (*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID, beforeID int64, limit int) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit)
	ids := m.byConv[conversationID]
	end := len(ids)
	if beforeID > 0 {
		end = sort.Search(len(ids), func(i int) bool { return ids[i] >= beforeID })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]chat.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, *m.messages[id])
	}
	return out, nil
}

func (m *Memory) UpdateMessage(_ context.Context, id int64, content string) (*chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	msg.Content = content
	msg.IsEdited = true
	out := *msg
	return &out, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	ids := m.byConv[msg.ConversationID]
	for i, v := range ids {
		if v == id {
			m.byConv[msg.ConversationID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) MarkRead(_ context.Context, conversationID int64, viewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok || !c.HasMember(viewerID) {
		return ErrNotFound
	}
	ids := m.byConv[conversationID]
	if len(ids) == 0 {
		return nil
	}
	if m.lastRead[conversationID] == nil {
		m.lastRead[conversationID] = make(map[string]int64)
	}
	m.lastRead[conversationID][viewerID] = ids[len(ids)-1]
	return nil
}

func copyConversation(c *chat.Conversation) *chat.Conversation {
	out := *c
	out.Members = append([]string(nil), c.Members...)
	return &out
}

func lastActivity(c chat.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

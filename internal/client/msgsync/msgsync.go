// Package msgsync is the client's Message Synchronizer. It keeps a local
// ordered message list per conversation, echoes sends optimistically,
// persists them through the data-access API and reconciles the result, and
// merges inbound message events. Every method runs on the client event loop;
// API calls run on their own goroutines and post their results back.
package msgsync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/projecthub/realtime/internal/chat"
)

// EntryState tags an Entry.
type EntryState int

const (
	// Pending is an optimistic entry awaiting the durable send.
	Pending EntryState = iota
	// Confirmed is a server-assigned message.
	Confirmed
)

func (s EntryState) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one row of a local message list. A Pending entry is identified by
// TempID and its Message has no ID; a Confirmed entry is identified by
// Message.ID.
type Entry struct {
	State   EntryState
	TempID  int64
	Message chat.Message
}

// API is the subset of the data-access API the synchronizer needs.
// dataapi.Client implements it.
type API interface {
	SendMessage(ctx context.Context, conversationID int64, content string) (*chat.Message, error)
	ListMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]chat.Message, error)
}

// SendError reports a failed durable send. The optimistic entry has been
// removed and Content restored as the conversation's draft.
type SendError struct {
	ConversationID int64
	TempID         int64
	Content        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("msgsync: send to conversation %d failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Config wires the synchronizer to its environment.
type Config struct {
	UserID      string
	PageSize    int
	CallTimeout time.Duration

	// Post runs a function on the event loop.
	Post func(func())
	Now  func() time.Time

	// OnChange is called after a conversation's list or draft changed.
	OnChange func(conversationID int64)
	// OnRefresh asks for the directory summary of a conversation that is
	// not being viewed.
	OnRefresh func(conversationID int64)
	// OnError surfaces recoverable failures such as *SendError.
	OnError func(error)
}

// Synchronizer owns the local message lists.
type Synchronizer struct {
	cfg    Config
	api    API
	lists  map[int64][]Entry
	drafts map[int64]string
	active int64
	lastID int64 // last temporary id handed out
}

// New creates a Synchronizer.
func New(cfg Config, api API) *Synchronizer {
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Synchronizer{
		cfg:    cfg,
		api:    api,
		lists:  make(map[int64][]Entry),
		drafts: make(map[int64]string),
	}
}

// Active returns the conversation being viewed, or 0.
func (s *Synchronizer) Active() int64 { return s.active }

// Messages returns a copy of a conversation's local list.
func (s *Synchronizer) Messages(conversationID int64) []Entry {
	return append([]Entry(nil), s.lists[conversationID]...)
}

// Draft returns the outgoing input for a conversation.
func (s *Synchronizer) Draft(conversationID int64) string { return s.drafts[conversationID] }

// SetDraft records the outgoing input for a conversation.
func (s *Synchronizer) SetDraft(conversationID int64, text string) {
	s.drafts[conversationID] = text
}

// Open makes conversationID the active conversation and loads its newest
// page of history.
func (s *Synchronizer) Open(conversationID int64) {
	s.active = conversationID
	if conversationID == 0 {
		return
	}
	s.load(conversationID, 0)
}

// LoadOlder fetches the page before the oldest confirmed message.
func (s *Synchronizer) LoadOlder(conversationID int64) {
	for _, e := range s.lists[conversationID] {
		if e.State == Confirmed {
			s.load(conversationID, e.Message.ID)
			return
		}
	}
}

func (s *Synchronizer) load(conversationID, beforeID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		msgs, err := s.api.ListMessages(ctx, conversationID, beforeID, s.cfg.PageSize)
		s.cfg.Post(func() {
			if err != nil {
				s.report(fmt.Errorf("msgsync: load conversation %d: %w", conversationID, err))
				return
			}
			for _, m := range msgs {
				s.insertConfirmed(m)
			}
			s.changed(conversationID)
		})
	}()
}

// Send echoes content optimistically and persists it through the API.
// Blank content is ignored. The returned temporary id is 0 when nothing was
// sent.
func (s *Synchronizer) Send(conversationID int64, content string) int64 {
	text := strings.TrimSpace(content)
	if text == "" || conversationID == 0 {
		return 0
	}

	tempID := s.nextTempID()
	s.lists[conversationID] = append(s.lists[conversationID], Entry{
		State:  Pending,
		TempID: tempID,
		Message: chat.Message{
			ConversationID: conversationID,
			SenderID:       s.cfg.UserID,
			Content:        text,
			CreatedAt:      s.cfg.Now(),
		},
	})
	s.drafts[conversationID] = ""
	s.changed(conversationID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		msg, err := s.api.SendMessage(ctx, conversationID, text)
		s.cfg.Post(func() { s.reconcile(conversationID, tempID, content, msg, err) })
	}()
	return tempID
}

// nextTempID returns a monotonic temporary id based on the clock.
func (s *Synchronizer) nextTempID() int64 {
	id := s.cfg.Now().UnixNano()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *Synchronizer) reconcile(conversationID, tempID int64, content string, msg *chat.Message, err error) {
	idx := s.pendingIndex(conversationID, tempID)

	if err != nil {
		if idx >= 0 {
			s.removeAt(conversationID, idx)
		}
		s.drafts[conversationID] = content
		s.changed(conversationID)
		s.report(&SendError{ConversationID: conversationID, TempID: tempID, Content: content, Err: err})
		return
	}

	if idx >= 0 {
		s.removeAt(conversationID, idx)
	}
	s.insertConfirmed(*msg)
	s.changed(conversationID)
	if conversationID != s.active && s.cfg.OnRefresh != nil {
		s.cfg.OnRefresh(conversationID)
	}
}

// HandleNew applies an inbound message:new event.
func (s *Synchronizer) HandleNew(msg chat.Message) {
	if msg.ConversationID != s.active {
		if s.cfg.OnRefresh != nil {
			s.cfg.OnRefresh(msg.ConversationID)
		}
		return
	}
	// Our own sends are already present as reconciled entries.
	if msg.SenderID == s.cfg.UserID {
		return
	}
	if s.insertConfirmed(msg) {
		s.changed(msg.ConversationID)
	}
}

// HandleEdited applies an inbound message:edited event. Unknown ids are
// ignored.
func (s *Synchronizer) HandleEdited(msg chat.Message) {
	list := s.lists[msg.ConversationID]
	for i := range list {
		if list[i].State == Confirmed && list[i].Message.ID == msg.ID {
			list[i].Message = msg
			s.changed(msg.ConversationID)
			return
		}
	}
}

// HandleDeleted applies an inbound message:deleted event. Unknown ids are
// ignored.
func (s *Synchronizer) HandleDeleted(conversationID, messageID int64) {
	list := s.lists[conversationID]
	for i := range list {
		if list[i].State == Confirmed && list[i].Message.ID == messageID {
			s.removeAt(conversationID, i)
			s.changed(conversationID)
			return
		}
	}
}

// insertConfirmed places msg by server id among the confirmed entries, ahead
// of any pending tail. It reports false when msg is already present.
func (s *Synchronizer) insertConfirmed(msg chat.Message) bool {
	list := s.lists[msg.ConversationID]

	pos := len(list)
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if e.State == Confirmed && e.Message.ID == msg.ID {
			return false
		}
		if e.State == Pending || e.Message.ID > msg.ID {
			pos = i
			continue
		}
		break
	}

	entry := Entry{State: Confirmed, Message: msg}
	list = append(list, Entry{})
	copy(list[pos+1:], list[pos:])
	list[pos] = entry
	s.lists[msg.ConversationID] = list
	return true
}

func (s *Synchronizer) pendingIndex(conversationID, tempID int64) int {
	for i, e := range s.lists[conversationID] {
		if e.State == Pending && e.TempID == tempID {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) removeAt(conversationID int64, i int) {
	list := s.lists[conversationID]
	s.lists[conversationID] = append(list[:i], list[i+1:]...)
}

func (s *Synchronizer) changed(conversationID int64) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(conversationID)
	}
}

func (s *Synchronizer) report(err error) {
	log.Printf("[msgsync] %v", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

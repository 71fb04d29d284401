// Package typing is the client's Presence/Typing Signaler. Outgoing, it
// turns keystrokes into one typing:start per burst and a debounced
// typing:stop. Incoming, it tracks who is typing in the conversation being
// viewed. All methods run on the client event loop.
package typing

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/protocol"
)

// DefaultDelay is how long after the last keystroke typing:stop is sent.
const DefaultDelay = time.Second

// Emitter sends a client event. transport.Transport implements it.
type Emitter interface {
	Send(msgType string, payload interface{}) error
}

// Timer is a pending stop callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn on the event loop after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Signaler implements both directions of the typing signal.
type Signaler struct {
	emitter Emitter
	sched   Scheduler
	delay   time.Duration
	userID  string

	timers  map[int64]Timer // one pending stop per conversation
	active  int64
	typists []string // arrival order

	// OnChange is called when the typist set changes.
	OnChange func()
}

// New creates a Signaler for the local identity userID.
func New(emitter Emitter, sched Scheduler, userID string, delay time.Duration) *Signaler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Signaler{
		emitter: emitter,
		sched:   sched,
		delay:   delay,
		userID:  userID,
		timers:  make(map[int64]Timer),
	}
}

// NotifyTyping signals a keystroke. The first call in a burst emits
// typing:start; every call re-arms the single stop timer.
func (s *Signaler) NotifyTyping(conversationID int64) {
	if t, ok := s.timers[conversationID]; ok {
		t.Stop()
	} else {
		s.emit(protocol.TypeTypingStart, conversationID)
	}

	var t Timer
	t = s.sched.AfterFunc(s.delay, func() {
		if s.timers[conversationID] != t {
			return
		}
		delete(s.timers, conversationID)
		s.emit(protocol.TypeTypingStop, conversationID)
	})
	s.timers[conversationID] = t
}

// StopTyping ends a burst now, for example on send or when leaving the
// view. It does nothing when no burst is in progress.
func (s *Signaler) StopTyping(conversationID int64) {
	t, ok := s.timers[conversationID]
	if !ok {
		return
	}
	t.Stop()
	delete(s.timers, conversationID)
	s.emit(protocol.TypeTypingStop, conversationID)
}

// Typing reports whether a burst is in progress for the conversation.
func (s *Signaler) Typing(conversationID int64) bool {
	_, ok := s.timers[conversationID]
	return ok
}

// SetActive changes the displayed conversation and clears the typist set.
func (s *Signaler) SetActive(conversationID int64) {
	if conversationID == s.active {
		return
	}
	s.active = conversationID
	if len(s.typists) > 0 {
		s.typists = nil
		s.changed()
	}
}

// HandleState drops typing state when the stream goes down. The server ends
// this connection's bursts when it sees the disconnect, and remote typists
// can no longer send their stop, so neither side may outlive the stream. The
// first keystroke after reconnecting starts a new burst.
func (s *Signaler) HandleState(state transport.State) {
	if state != transport.Reconnecting && state != transport.Disconnected {
		return
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if len(s.typists) > 0 {
		s.typists = nil
		s.changed()
	}
}

// HandleUserTyping applies a typing:user_typing event.
func (s *Signaler) HandleUserTyping(userID string, conversationID int64) {
	if conversationID != s.active || userID == s.userID {
		return
	}
	for _, u := range s.typists {
		if u == userID {
			return
		}
	}
	s.typists = append(s.typists, userID)
	s.changed()
}

// HandleUserStopped applies a typing:user_stopped event.
func (s *Signaler) HandleUserStopped(userID string, conversationID int64) {
	if conversationID != s.active {
		return
	}
	for i, u := range s.typists {
		if u == userID {
			s.typists = append(s.typists[:i], s.typists[i+1:]...)
			s.changed()
			return
		}
	}
}

// Typists returns who is typing in the displayed conversation.
func (s *Signaler) Typists() []string {
	return append([]string(nil), s.typists...)
}

// Sentence renders the typist set for display. name maps an identity to a
// display name; nil uses the identity.
func (s *Signaler) Sentence(name func(string) string) string {
	if name == nil {
		name = func(id string) string { return id }
	}
	switch n := len(s.typists); {
	case n == 0:
		return ""
	case n == 1:
		return name(s.typists[0]) + " is typing…"
	case n == 2:
		return name(s.typists[0]) + " and " + name(s.typists[1]) + " are typing…"
	default:
		return fmt.Sprintf("%d people are typing…", n)
	}
}

func (s *Signaler) emit(msgType string, conversationID int64) {
	err := s.emitter.Send(msgType, protocol.ConversationRoomMsg{ConversationID: conversationID})
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		log.Printf("[typing] %s conversation=%d failed: %v", msgType, conversationID, err)
	}
}

func (s *Signaler) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}

// Package router is the server-side Event Router. It authorizes inbound
// events against the conversation directory, persists the durable ones
// through the store on a per-conversation lane, and fans the results out to
// every connection joined to the relevant room. The same service backs the
// REST data-access API.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/directory"
	"github.com/projecthub/realtime/internal/metrics"
	"github.com/projecthub/realtime/internal/protocol"
	"github.com/projecthub/realtime/internal/ratelimit"
	"github.com/projecthub/realtime/internal/room"
	"github.com/projecthub/realtime/internal/store"
)

var (
	// ErrForbidden is returned when the actor is not a member of the target
	// project or conversation, or does not own the target message.
	ErrForbidden = errors.New("router: forbidden")

	// ErrInvalid is returned for malformed input such as empty content.
	ErrInvalid = errors.New("router: invalid request")

	// ErrRateLimited is returned when the actor exceeded a rate limit.
	ErrRateLimited = errors.New("router: rate limited")
)

// Limiter is the rate limiter contract. ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, rule ratelimit.Rule, s ratelimit.Subject) (bool, error)
}

// RoomRecorder mirrors room membership into an external record.
// session.Store implements it.
type RoomRecorder interface {
	AddRoom(ctx context.Context, connID, room string) error
	RemoveRoom(ctx context.Context, connID, room string) error
}

// Config holds router tuning.
type Config struct {
	LaneIdleTimeout time.Duration // how long an idle conversation lane lives
	PageSize        int           // default ListMessages page size
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LaneIdleTimeout: 30 * time.Second,
		PageSize:        store.DefaultPageSize,
	}
}

// Router routes client events. Create it with New and attach optional
// collaborators with the With* methods before serving traffic.
type Router struct {
	cfg      Config
	store    store.Store
	dir      *directory.Directory
	rooms    *room.Registry
	fanout   *Fanout
	lanes    *lanes
	limiter  Limiter
	recorder RoomRecorder

	// bursts holds the typing bursts each connection has open:
	// connID -> conversationID -> userID.
	burstMu sync.Mutex
	bursts  map[string]map[int64]string
}

// New creates a Router.
func New(cfg Config, s store.Store, dir *directory.Directory, rooms *room.Registry, fanout *Fanout) *Router {
	if cfg.LaneIdleTimeout <= 0 {
		cfg.LaneIdleTimeout = DefaultConfig().LaneIdleTimeout
	}
	return &Router{
		cfg:    cfg,
		store:  s,
		dir:    dir,
		rooms:  rooms,
		fanout: fanout,
		lanes:  newLanes(cfg.LaneIdleTimeout),
		bursts: make(map[string]map[int64]string),
	}
}

// WithLimiter enables rate limiting.
func (r *Router) WithLimiter(l Limiter) *Router {
	r.limiter = l
	return r
}

// WithRoomRecorder enables mirroring of room membership.
func (r *Router) WithRoomRecorder(rec RoomRecorder) *Router {
	r.recorder = rec
	return r
}

// ---------------------------------------------------------------------------
// Durable operations
// ---------------------------------------------------------------------------

// SendMessage persists a message from userID and broadcasts message:new to
// the conversation room and conversation:updated to the project room. It is
// rejected before anything is persisted unless userID is a member.
func (r *Router) SendMessage(ctx context.Context, userID string, conversationID int64, content string) (*chat.Message, error) {
	start := time.Now()

	content, err := chat.NormalizeContent(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := r.allow(ctx, ratelimit.RuleSend, ratelimit.Subject{UserID: userID, ConversationID: conversationID}); err != nil {
		return nil, err
	}
	projectID, err := r.requireMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	var (
		msg     *chat.Message
		sendErr error
	)
	laneErr := r.lanes.do(ctx, conversationID, func() {
		msg, sendErr = r.store.CreateMessage(ctx, conversationID, userID, content)
		if sendErr != nil {
			return
		}
		metrics.MessagesPersisted.Inc()
		r.broadcast(room.Conversation(conversationID), "", protocol.TypeMessageNew, protocol.MessageMsg{Message: *msg})
		r.broadcast(room.Project(projectID), "", protocol.TypeConversationUpdated, protocol.ConversationUpdatedMsg{
			ConversationID: conversationID,
			LastMessage:    msg,
		})
	})
	if laneErr != nil {
		return nil, laneErr
	}
	if sendErr != nil {
		return nil, fmt.Errorf("router: send message: %w", sendErr)
	}

	metrics.SendLatency.Observe(time.Since(start).Seconds())
	log.Printf("[router] message persisted conversation=%d id=%d sender=%s", conversationID, msg.ID, userID)
	return msg, nil
}

// EditMessage replaces the content of a message owned by userID.
func (r *Router) EditMessage(ctx context.Context, userID string, messageID int64, content string) (*chat.Message, error) {
	content, err := chat.NormalizeContent(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := r.allow(ctx, ratelimit.RuleEdit, ratelimit.Subject{UserID: userID}); err != nil {
		return nil, err
	}
	orig, err := r.ownMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	var (
		msg     *chat.Message
		editErr error
	)
	laneErr := r.lanes.do(ctx, orig.ConversationID, func() {
		msg, editErr = r.store.UpdateMessage(ctx, messageID, content)
		if editErr != nil {
			return
		}
		r.broadcast(room.Conversation(msg.ConversationID), "", protocol.TypeMessageEdited, protocol.MessageMsg{Message: *msg})
	})
	if laneErr != nil {
		return nil, laneErr
	}
	if editErr != nil {
		return nil, fmt.Errorf("router: edit message: %w", editErr)
	}
	return msg, nil
}

// DeleteMessage removes a message owned by userID.
func (r *Router) DeleteMessage(ctx context.Context, userID string, messageID int64) error {
	if err := r.allow(ctx, ratelimit.RuleEdit, ratelimit.Subject{UserID: userID}); err != nil {
		return err
	}
	orig, err := r.ownMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}

	var delErr error
	laneErr := r.lanes.do(ctx, orig.ConversationID, func() {
		if delErr = r.store.DeleteMessage(ctx, messageID); delErr != nil {
			return
		}
		r.broadcast(room.Conversation(orig.ConversationID), "", protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
			MessageID:      messageID,
			ConversationID: orig.ConversationID,
		})
	})
	if laneErr != nil {
		return laneErr
	}
	if delErr != nil {
		return fmt.Errorf("router: delete message: %w", delErr)
	}
	return nil
}

// MarkRead records that userID has read the conversation up to its newest
// message.
func (r *Router) MarkRead(ctx context.Context, userID string, conversationID int64) error {
	if _, err := r.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := r.store.MarkRead(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("router: mark read: %w", err)
	}
	return nil
}

// CreateConversation creates a conversation with userID as a member. A DIRECT
// request for a pair that already has one returns the existing conversation
// with created=false.
func (r *Router) CreateConversation(ctx context.Context, userID string, nc chat.NewConversation) (*chat.Conversation, bool, error) {
	ok, err := r.dir.IsProjectMember(ctx, nc.ProjectID, userID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: not a member of project %d", ErrForbidden, nc.ProjectID)
	}
	conv, created, err := r.dir.CreateConversation(ctx, userID, nc)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Printf("[router] conversation created id=%d type=%s project=%d by=%s", conv.ID, conv.Type, conv.ProjectID, userID)
	}
	return conv, created, nil
}

// GetConversation returns a conversation userID belongs to.
func (r *Router) GetConversation(ctx context.Context, userID string, conversationID int64) (*chat.Conversation, error) {
	if _, err := r.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return r.store.GetConversation(ctx, conversationID)
}

// ListConversations returns the project's conversations visible to userID.
func (r *Router) ListConversations(ctx context.Context, userID string, projectID int64) ([]chat.Conversation, error) {
	ok, err := r.dir.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: not a member of project %d", ErrForbidden, projectID)
	}
	return r.store.ListConversations(ctx, projectID, userID)
}

// ListMessages returns a page of messages, oldest first.
func (r *Router) ListMessages(ctx context.Context, userID string, conversationID, beforeID int64, limit int) ([]chat.Message, error) {
	if _, err := r.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = r.cfg.PageSize
	}
	return r.store.ListMessages(ctx, conversationID, beforeID, limit)
}

// ---------------------------------------------------------------------------
// Ephemeral operations
// ---------------------------------------------------------------------------

// JoinProject adds the connection to a project room.
func (r *Router) JoinProject(ctx context.Context, connID, userID string, projectID int64) error {
	ok, err := r.dir.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of project %d", ErrForbidden, projectID)
	}
	r.join(ctx, room.Project(projectID), connID)
	return nil
}

// JoinConversation adds the connection to a conversation room.
func (r *Router) JoinConversation(ctx context.Context, connID, userID string, conversationID int64) error {
	if _, err := r.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	r.join(ctx, room.Conversation(conversationID), connID)
	return nil
}

// Leave removes the connection from a room. Leaving a room that was never
// joined is a no-op.
func (r *Router) Leave(ctx context.Context, connID string, key room.Key) {
	if key.Kind == room.KindConversation {
		if userID, ok := r.endBurst(connID, key.ID); ok {
			r.broadcastStopped(connID, userID, key.ID)
		}
	}
	r.rooms.Leave(key, connID)
	r.fanout.Sync(key)
	if r.recorder != nil {
		if err := r.recorder.RemoveRoom(ctx, connID, key.String()); err != nil {
			log.Printf("[router] record leave conn=%s room=%s: %v", connID, key, err)
		}
	}
}

// Typing relays a typing signal to the other connections in the
// conversation room. Nothing is persisted; with no other members joined the
// signal is dropped.
func (r *Router) Typing(ctx context.Context, connID, userID string, conversationID int64, active bool) error {
	if err := r.allow(ctx, ratelimit.RuleTyping, ratelimit.Subject{UserID: userID, ConversationID: conversationID}); err != nil {
		return err
	}
	if _, err := r.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	if !active {
		r.endBurst(connID, conversationID)
		r.broadcastStopped(connID, userID, conversationID)
		return nil
	}
	r.startBurst(connID, userID, conversationID)
	r.broadcast(room.Conversation(conversationID), connID, protocol.TypeUserTyping, protocol.TypingMsg{
		UserID:         userID,
		ConversationID: conversationID,
	})
	return nil
}

// Disconnect removes a closed connection from every room it joined and ends
// any typing burst it left open.
func (r *Router) Disconnect(connID string) {
	r.burstMu.Lock()
	open := r.bursts[connID]
	delete(r.bursts, connID)
	r.burstMu.Unlock()
	for conversationID, userID := range open {
		r.broadcastStopped(connID, userID, conversationID)
	}

	for _, key := range r.rooms.LeaveAll(connID) {
		r.fanout.Sync(key)
	}
	metrics.JoinedRooms.Set(float64(r.rooms.Count()))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (r *Router) join(ctx context.Context, key room.Key, connID string) {
	r.rooms.Join(key, connID)
	r.fanout.Sync(key)
	if r.recorder != nil {
		if err := r.recorder.AddRoom(ctx, connID, key.String()); err != nil {
			log.Printf("[router] record join conn=%s room=%s: %v", connID, key, err)
		}
	}
}

// requireMember checks conversation membership and returns the owning
// project id.
func (r *Router) requireMember(ctx context.Context, conversationID int64, userID string) (int64, error) {
	ok, err := r.dir.IsConversationMember(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: not a member of conversation %d", ErrForbidden, conversationID)
	}
	return r.dir.ConversationProject(ctx, conversationID)
}

func (r *Router) ownMessage(ctx context.Context, userID string, messageID int64) (*chat.Message, error) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, fmt.Errorf("%w: message %d belongs to another user", ErrForbidden, messageID)
	}
	if _, err := r.requireMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Router) allow(ctx context.Context, rule ratelimit.Rule, s ratelimit.Subject) error {
	if r.limiter == nil {
		return nil
	}
	// The limiter fails open and logs on Redis errors.
	ok, _ := r.limiter.Allow(ctx, rule, s)
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func (r *Router) startBurst(connID, userID string, conversationID int64) {
	r.burstMu.Lock()
	defer r.burstMu.Unlock()
	open, ok := r.bursts[connID]
	if !ok {
		open = make(map[int64]string)
		r.bursts[connID] = open
	}
	open[conversationID] = userID
}

// endBurst closes the connection's burst in the conversation and reports the
// typist when one was open.
func (r *Router) endBurst(connID string, conversationID int64) (string, bool) {
	r.burstMu.Lock()
	defer r.burstMu.Unlock()
	userID, ok := r.bursts[connID][conversationID]
	if !ok {
		return "", false
	}
	delete(r.bursts[connID], conversationID)
	if len(r.bursts[connID]) == 0 {
		delete(r.bursts, connID)
	}
	return userID, true
}

func (r *Router) broadcastStopped(connID, userID string, conversationID int64) {
	r.broadcast(room.Conversation(conversationID), connID, protocol.TypeUserStopped, protocol.TypingMsg{
		UserID:         userID,
		ConversationID: conversationID,
	})
}

func (r *Router) broadcast(key room.Key, except, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[router] encode %s: %v", msgType, err)
		return
	}
	if err := r.fanout.Publish(key, except, data); err != nil {
		log.Printf("[router] publish %s room=%s: %v", msgType, key, err)
	}
}

// ErrorCode maps an error returned by the router to a protocol error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalid),
		errors.Is(err, chat.ErrDirectMembers),
		errors.Is(err, chat.ErrNoMembers),
		errors.Is(err, chat.ErrGroupName),
		errors.Is(err, chat.ErrUnknownType):
		return protocol.CodeInvalidMessage
	case errors.Is(err, ErrForbidden), errors.Is(err, directory.ErrNotProjectMember):
		return protocol.CodeForbidden
	case errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return protocol.CodeRateLimited
	default:
		return protocol.CodeInternal
	}
}

// Package client composes the client-side components into one session: a
// single event loop owns the transport, room subscriptions, message lists,
// typing state and the conversation directory cache for one user.
//
// Public methods may be called from any goroutine except from inside a Hooks
// callback, which already runs on the loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/client/dataapi"
	"github.com/projecthub/realtime/internal/client/loop"
	"github.com/projecthub/realtime/internal/client/msgsync"
	"github.com/projecthub/realtime/internal/client/rooms"
	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/client/typing"
	"github.com/projecthub/realtime/internal/protocol"
)

// ErrStopped is returned once the client has been closed.
var ErrStopped = errors.New("client: stopped")

// ServerError is an error event sent by the server for one of our requests.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server error %s: %s", e.Code, e.Message)
}

// Config holds the client settings.
type Config struct {
	ServerURL   string // http:// or https:// root of the server
	Token       string
	UserID      string
	Retries     int
	RetryDelay  time.Duration
	TypingDelay time.Duration
	PageSize    int
	CallTimeout time.Duration
}

// DefaultConfig returns defaults for everything except the server and the
// identity.
func DefaultConfig() Config {
	tc := transport.DefaultConfig()
	return Config{
		Retries:     tc.Retries,
		RetryDelay:  tc.RetryDelay,
		TypingDelay: typing.DefaultDelay,
		PageSize:    50,
		CallTimeout: 10 * time.Second,
	}
}

// Hooks receive state changes. All of them run on the event loop and may be
// nil.
type Hooks struct {
	OnState     func(status string)
	OnMessages  func(conversationID int64, entries []msgsync.Entry)
	OnTyping    func(sentence string)
	OnDirectory func(conversations []chat.Conversation)
	OnError     func(err error)
}

// Client is one user's real-time session.
type Client struct {
	cfg   Config
	hooks Hooks

	loop   *loop.Loop
	tr     *transport.Transport
	rooms  *rooms.Manager
	sync   *msgsync.Synchronizer
	typing *typing.Signaler
	api    *dataapi.Client

	startOnce sync.Once

	// loop-owned
	project       int64
	directory     []chat.Conversation
	refreshing    bool
	refreshAgain  bool
	everConnected bool
}

// New builds a Client. Nothing is dialled until Start.
func New(cfg Config, hooks Hooks) (*Client, error) {
	wsURL, err := streamURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}

	c := &Client{
		cfg:   cfg,
		hooks: hooks,
		loop:  loop.New(0),
		api:   dataapi.New(cfg.ServerURL, cfg.Token),
	}
	post := func(fn func()) { c.loop.Post(fn) }

	tc := transport.DefaultConfig()
	tc.URL = wsURL
	tc.Token = cfg.Token
	tc.Retries = cfg.Retries
	if cfg.RetryDelay > 0 {
		tc.RetryDelay = cfg.RetryDelay
	}
	c.tr = transport.New(tc, transport.Handlers{
		OnState: c.handleState,
		OnEvent: c.handleEvent,
		OnError: c.report,
	}, post)

	c.rooms = rooms.New(c.tr)
	c.sync = msgsync.New(msgsync.Config{
		UserID:      cfg.UserID,
		PageSize:    cfg.PageSize,
		CallTimeout: cfg.CallTimeout,
		Post:        post,
		OnChange:    c.messagesChanged,
		OnRefresh:   func(int64) { c.refreshDirectory() },
		OnError:     c.report,
	}, c.api)
	c.typing = typing.New(c.tr, loopScheduler{c.loop}, cfg.UserID, cfg.TypingDelay)
	c.typing.OnChange = c.typingChanged
	return c, nil
}

// streamURL turns the server root into the WebSocket endpoint.
func streamURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("client: parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// loopScheduler runs typing timers on the event loop.
type loopScheduler struct{ l *loop.Loop }

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) typing.Timer {
	return s.l.AfterFunc(d, fn)
}

// Start runs the event loop and connects. ctx bounds only the connection
// attempt; the loop lives until Close. A connection failure is returned and
// also reported through OnError, and Reconnect may be tried again.
func (c *Client) Start(ctx context.Context) error {
	c.startOnce.Do(func() { go c.loop.Run(context.Background()) })
	return c.tr.Connect(ctx)
}

// Reconnect retries the connection after the retry budget was exhausted.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.tr.Connect(ctx)
}

// Close tears the session down.
func (c *Client) Close() error {
	err := c.tr.Close()
	c.loop.Stop()
	return err
}

// Status is the connection affordance for a UI: connected, reconnecting or
// disconnected.
func (c *Client) Status() string {
	return status(c.tr.State())
}

func status(s transport.State) string {
	switch s {
	case transport.Connected:
		return "connected"
	case transport.Connecting, transport.Reconnecting:
		return "reconnecting"
	}
	return "disconnected"
}

// OpenProject joins the project room, leaving the previous one, and loads
// the conversation directory.
func (c *Client) OpenProject(projectID int64) error {
	return c.do(func() {
		if c.project == projectID {
			return
		}
		if c.project != 0 {
			c.rooms.LeaveProject(c.project)
		}
		c.project = projectID
		c.directory = nil
		c.rooms.JoinProject(projectID)
		c.refreshDirectory()
	})
}

// OpenConversation switches the viewed conversation. 0 closes the view.
func (c *Client) OpenConversation(conversationID int64) error {
	return c.do(func() { c.openConversation(conversationID) })
}

func (c *Client) openConversation(id int64) {
	prev := c.sync.Active()
	if prev == id {
		return
	}
	if prev != 0 {
		c.typing.StopTyping(prev)
	}
	c.rooms.SwitchConversation(id)
	c.typing.SetActive(id)
	c.sync.Open(id)
	if id != 0 {
		c.markRead(id)
	}
}

// OpenDirect opens the DIRECT conversation with peer in the current project,
// creating it when the directory cache has none.
func (c *Client) OpenDirect(ctx context.Context, peer string) (int64, error) {
	var (
		id      int64
		project int64
	)
	if err := c.do(func() {
		project = c.project
		for _, conv := range c.directory {
			if conv.Type == chat.TypeDirect && conv.Peer(c.cfg.UserID) == peer {
				id = conv.ID
				c.openConversation(id)
				return
			}
		}
	}); err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	if project == 0 {
		return 0, errors.New("client: no project open")
	}

	conv, _, err := c.api.CreateConversation(ctx, chat.NewConversation{
		Type:      chat.TypeDirect,
		ProjectID: project,
		Members:   []string{peer},
	})
	if err != nil {
		return 0, fmt.Errorf("client: open direct with %s: %w", peer, err)
	}
	err = c.do(func() {
		c.upsert(*conv)
		c.openConversation(conv.ID)
	})
	return conv.ID, err
}

// CreateGroup creates a GROUP conversation in the current project.
func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (*chat.Conversation, error) {
	var project int64
	if err := c.do(func() { project = c.project }); err != nil {
		return nil, err
	}
	conv, _, err := c.api.CreateConversation(ctx, chat.NewConversation{
		Type:      chat.TypeGroup,
		Name:      name,
		ProjectID: project,
		Members:   members,
	})
	if err != nil {
		return nil, fmt.Errorf("client: create group %q: %w", name, err)
	}
	return conv, c.do(func() { c.upsert(*conv) })
}

// Send sends content to the viewed conversation and ends the typing burst.
// It returns the temporary id of the optimistic entry, or 0 when nothing
// was sent.
func (c *Client) Send(content string) (int64, error) {
	var tempID int64
	err := c.do(func() {
		active := c.sync.Active()
		if active == 0 {
			return
		}
		c.typing.StopTyping(active)
		tempID = c.sync.Send(active, content)
	})
	return tempID, err
}

// SetDraft records the input for the viewed conversation. Non-empty input
// counts as a keystroke for the typing signal.
func (c *Client) SetDraft(text string) error {
	return c.do(func() {
		active := c.sync.Active()
		if active == 0 {
			return
		}
		c.sync.SetDraft(active, text)
		if text != "" {
			c.typing.NotifyTyping(active)
		}
	})
}

// Typing signals a keystroke in the viewed conversation.
func (c *Client) Typing() error {
	return c.do(func() {
		if active := c.sync.Active(); active != 0 {
			c.typing.NotifyTyping(active)
		}
	})
}

// LoadOlder fetches the previous page of the viewed conversation.
func (c *Client) LoadOlder() error {
	return c.do(func() {
		if active := c.sync.Active(); active != 0 {
			c.sync.LoadOlder(active)
		}
	})
}

// Edit replaces the content of one of our messages.
func (c *Client) Edit(ctx context.Context, messageID int64, content string) error {
	msg, err := c.api.EditMessage(ctx, messageID, content)
	if err != nil {
		return fmt.Errorf("client: edit message %d: %w", messageID, err)
	}
	return c.do(func() { c.sync.HandleEdited(*msg) })
}

// Delete removes one of our messages from the viewed conversation.
func (c *Client) Delete(ctx context.Context, messageID int64) error {
	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("client: delete message %d: %w", messageID, err)
	}
	return c.do(func() { c.sync.HandleDeleted(c.sync.Active(), messageID) })
}

// Active returns the viewed conversation, or 0.
func (c *Client) Active() int64 {
	var id int64
	_ = c.do(func() { id = c.sync.Active() })
	return id
}

// Messages returns the local list of the viewed conversation.
func (c *Client) Messages() []msgsync.Entry {
	var out []msgsync.Entry
	_ = c.do(func() { out = c.sync.Messages(c.sync.Active()) })
	return out
}

// Draft returns the input of the viewed conversation.
func (c *Client) Draft() string {
	var d string
	_ = c.do(func() { d = c.sync.Draft(c.sync.Active()) })
	return d
}

// Directory returns the cached conversation summaries of the open project.
func (c *Client) Directory() []chat.Conversation {
	var out []chat.Conversation
	_ = c.do(func() { out = append(out, c.directory...) })
	return out
}

// TypingSentence renders who is typing in the viewed conversation.
func (c *Client) TypingSentence() string {
	var s string
	_ = c.do(func() { s = c.typing.Sentence(nil) })
	return s
}

func (c *Client) do(fn func()) error {
	if !c.loop.Do(fn) {
		return ErrStopped
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loop-side handlers
// ---------------------------------------------------------------------------

func (c *Client) handleState(s transport.State) {
	c.rooms.HandleState(s)
	c.typing.HandleState(s)
	if s == transport.Connected {
		if c.everConnected {
			// Catch up on anything missed while the stream was down.
			if active := c.sync.Active(); active != 0 {
				c.sync.Open(active)
			}
			c.refreshDirectory()
		}
		c.everConnected = true
	}
	if c.hooks.OnState != nil {
		c.hooks.OnState(status(s))
	}
}

func (c *Client) handleEvent(msgType string, msg interface{}) {
	switch m := msg.(type) {
	case protocol.SessionReadyMsg:
		log.Printf("[client] session ready conn=%s user=%s", m.ConnectionID, m.UserID)
	case protocol.MessageMsg:
		if msgType == protocol.TypeMessageNew {
			c.sync.HandleNew(m.Message)
			if m.ConversationID == c.sync.Active() && m.SenderID != c.cfg.UserID {
				c.markRead(m.ConversationID)
			}
		} else {
			c.sync.HandleEdited(m.Message)
		}
	case protocol.MessageDeletedMsg:
		c.sync.HandleDeleted(m.ConversationID, m.MessageID)
	case protocol.TypingMsg:
		if msgType == protocol.TypeUserTyping {
			c.typing.HandleUserTyping(m.UserID, m.ConversationID)
		} else {
			c.typing.HandleUserStopped(m.UserID, m.ConversationID)
		}
	case protocol.ConversationUpdatedMsg:
		c.refreshDirectory()
	case protocol.ErrorMsg:
		c.report(&ServerError{Code: m.Code, Message: m.Message})
	}
}

func (c *Client) messagesChanged(conversationID int64) {
	if conversationID != c.sync.Active() || c.hooks.OnMessages == nil {
		return
	}
	c.hooks.OnMessages(conversationID, c.sync.Messages(conversationID))
}

func (c *Client) typingChanged() {
	if c.hooks.OnTyping != nil {
		c.hooks.OnTyping(c.typing.Sentence(nil))
	}
}

// refreshDirectory reloads the directory cache. Requests made while one is
// in flight collapse into a single follow-up.
func (c *Client) refreshDirectory() {
	if c.project == 0 {
		return
	}
	if c.refreshing {
		c.refreshAgain = true
		return
	}
	c.refreshing = true
	project := c.project

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		convs, err := c.api.ListConversations(ctx, project)
		c.loop.Post(func() {
			c.refreshing = false
			switch {
			case err != nil:
				c.report(fmt.Errorf("client: refresh directory: %w", err))
			case project == c.project:
				c.directory = convs
				c.directoryChanged()
			}
			if c.refreshAgain {
				c.refreshAgain = false
				c.refreshDirectory()
			}
		})
	}()
}

func (c *Client) upsert(conv chat.Conversation) {
	if conv.ProjectID != c.project {
		return
	}
	for i := range c.directory {
		if c.directory[i].ID == conv.ID {
			c.directory[i] = conv
			c.directoryChanged()
			return
		}
	}
	c.directory = append(c.directory, conv)
	c.directoryChanged()
}

func (c *Client) directoryChanged() {
	if c.hooks.OnDirectory != nil {
		c.hooks.OnDirectory(append([]chat.Conversation(nil), c.directory...))
	}
}

func (c *Client) markRead(conversationID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if err := c.api.MarkRead(ctx, conversationID); err != nil {
			c.loop.Post(func() { c.report(fmt.Errorf("client: mark read %d: %w", conversationID, err)) })
			return
		}
		c.loop.Post(c.refreshDirectory)
	}()
}

func (c *Client) report(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
		return
	}
	log.Printf("[client] %v", err)
}

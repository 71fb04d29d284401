package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/projecthub/realtime/internal/api"
	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/client/dataapi"
	"github.com/projecthub/realtime/internal/client/msgsync"
	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/directory"
	"github.com/projecthub/realtime/internal/protocol"
	"github.com/projecthub/realtime/internal/room"
	"github.com/projecthub/realtime/internal/router"
	"github.com/projecthub/realtime/internal/session"
	"github.com/projecthub/realtime/internal/store"
	"github.com/projecthub/realtime/internal/ws"
)

type testServer struct {
	url    string
	router *router.Router
	rooms  *room.Registry
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	mem.SetProjectMembers(3, "alice", "bob", "carol")

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(ws.DefaultServerConfig(), session.StaticAuthenticator{}, nil, dispatcher.Dispatch)
	if err := server.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	rooms := room.NewRegistry()
	rt := router.New(router.DefaultConfig(), mem, directory.New(mem, time.Minute), rooms, router.NewFanout(rooms, server, nil))
	rt.Register(dispatcher)
	server.SetOnDisconnect(rt.OnDisconnect)
	api.New(rt, session.StaticAuthenticator{}).Mount(server.Router())

	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		server.Shutdown(context.Background())
	})
	return &testServer{url: ts.URL, router: rt, rooms: rooms}
}

// recorder collects hook callbacks.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	errs     []error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnState: func(s string) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) lastStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func newClient(t *testing.T, serverURL, user string, rec *recorder) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.Token = user
	cfg.UserID = user
	cfg.Retries = 1
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.TypingDelay = 200 * time.Millisecond

	c, err := New(cfg, rec.hooks())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasConfirmed(entries []msgsync.Entry, sender, content string) bool {
	for _, e := range entries {
		if e.State == msgsync.Confirmed && e.Message.SenderID == sender && e.Message.Content == content {
			return true
		}
	}
	return false
}

func TestStreamURL(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", true},
		{"https://chat.example.com/", "wss://chat.example.com/ws", true},
		{"ws://host:1/base", "ws://host:1/base/ws", true},
		{"ftp://host", "", false},
	}
	for _, tc := range cases {
		got, err := streamURL(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("streamURL(%q) error = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if got != tc.want {
			t.Errorf("streamURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStatus(t *testing.T) {
	cases := map[transport.State]string{
		transport.Connected:    "connected",
		transport.Connecting:   "reconnecting",
		transport.Reconnecting: "reconnecting",
		transport.Disconnected: "disconnected",
	}
	for s, want := range cases {
		if got := status(s); got != want {
			t.Errorf("status(%v) = %q, want %q", s, got, want)
		}
	}
}

func TestConversationRoundTrip(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	aliceRec, bobRec := &recorder{}, &recorder{}
	alice := newClient(t, srv.url, "alice", aliceRec)
	bob := newClient(t, srv.url, "bob", bobRec)
	for _, c := range []*Client{alice, bob} {
		if err := c.Start(ctx); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if err := c.OpenProject(3); err != nil {
			t.Fatalf("OpenProject() error: %v", err)
		}
	}
	if got := alice.Status(); got != "connected" {
		t.Errorf("expected connected, got %q", got)
	}

	convID, err := alice.OpenDirect(ctx, "bob")
	if err != nil {
		t.Fatalf("OpenDirect(bob) error: %v", err)
	}
	again, err := bob.OpenDirect(ctx, "alice")
	if err != nil {
		t.Fatalf("OpenDirect(alice) error: %v", err)
	}
	if again != convID {
		t.Fatalf("expected the existing DM %d, got %d", convID, again)
	}
	eventually(t, "both members joined", func() bool {
		return len(srv.rooms.Members(room.Conversation(convID))) == 2
	})

	// Typing is relayed to the other member only.
	if err := bob.SetDraft("h"); err != nil {
		t.Fatalf("SetDraft() error: %v", err)
	}
	eventually(t, "alice to see bob typing", func() bool {
		return alice.TypingSentence() == "bob is typing…"
	})
	if s := bob.TypingSentence(); s != "" {
		t.Errorf("bob should not see himself typing, got %q", s)
	}

	// Sending ends the burst and is echoed immediately.
	if _, err := bob.Send("hello"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if d := bob.Draft(); d != "" {
		t.Errorf("expected draft cleared, got %q", d)
	}
	if list := bob.Messages(); len(list) == 0 || list[len(list)-1].Message.Content != "hello" {
		t.Fatalf("expected optimistic echo, got %+v", list)
	}
	eventually(t, "alice to stop seeing bob typing", func() bool {
		return alice.TypingSentence() == ""
	})
	eventually(t, "bob's send to be confirmed", func() bool {
		return hasConfirmed(bob.Messages(), "bob", "hello")
	})
	eventually(t, "alice to receive the message", func() bool {
		return hasConfirmed(alice.Messages(), "bob", "hello")
	})

	// Exactly one copy on each side.
	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		if n := len(c.Messages()); n != 1 {
			t.Errorf("%s: expected one message, got %d", name, n)
		}
	}

	eventually(t, "alice's directory to show the last message", func() bool {
		for _, conv := range alice.Directory() {
			if conv.ID == convID && conv.LastMessage != nil && conv.LastMessage.Content == "hello" {
				return true
			}
		}
		return false
	})

	if errs := append(aliceRec.errors(), bobRec.errors()...); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestEditAndDeletePropagate(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	alice := newClient(t, srv.url, "alice", &recorder{})
	bob := newClient(t, srv.url, "bob", &recorder{})
	conv, _, err := srv.router.CreateConversation(ctx, "alice", chat.NewConversation{
		Type: chat.TypeGroup, Name: "ops", ProjectID: 3, Members: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	for _, c := range []*Client{alice, bob} {
		if err := c.Start(ctx); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if err := c.OpenConversation(conv.ID); err != nil {
			t.Fatalf("OpenConversation() error: %v", err)
		}
	}
	eventually(t, "both members joined", func() bool {
		return len(srv.rooms.Members(room.Conversation(conv.ID))) == 2
	})

	if _, err := alice.Send("frist"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	var id int64
	eventually(t, "bob to receive the message", func() bool {
		for _, e := range bob.Messages() {
			if e.State == msgsync.Confirmed {
				id = e.Message.ID
				return true
			}
		}
		return false
	})
	eventually(t, "alice's send to be confirmed", func() bool {
		return hasConfirmed(alice.Messages(), "alice", "frist")
	})

	if err := bob.Edit(ctx, id, "hijack"); !errors.Is(err, dataapi.ErrForbidden) {
		t.Errorf("expected ErrForbidden editing another's message, got %v", err)
	}
	if err := alice.Edit(ctx, id, "first"); err != nil {
		t.Fatalf("Edit() error: %v", err)
	}
	eventually(t, "bob to see the edit", func() bool {
		list := bob.Messages()
		return len(list) == 1 && list[0].Message.Content == "first" && list[0].Message.IsEdited
	})

	if err := alice.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	eventually(t, "bob to see the delete", func() bool { return len(bob.Messages()) == 0 })
	if n := len(alice.Messages()); n != 0 {
		t.Errorf("expected alice's list empty, got %d", n)
	}
}

func TestNonMemberSendRestoresDraft(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	conv, _, err := srv.router.CreateConversation(ctx, "alice", chat.NewConversation{
		Type: chat.TypeDirect, ProjectID: 3, Members: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}

	rec := &recorder{}
	carol := newClient(t, srv.url, "carol", rec)
	if err := carol.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := carol.OpenConversation(conv.ID); err != nil {
		t.Fatalf("OpenConversation() error: %v", err)
	}
	if _, err := carol.Send("psst"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var sendErr *msgsync.SendError
	eventually(t, "the send failure", func() bool {
		for _, err := range rec.errors() {
			if errors.As(err, &sendErr) {
				return true
			}
		}
		return false
	})
	if !errors.Is(sendErr, dataapi.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", sendErr)
	}
	if d := carol.Draft(); d != "psst" {
		t.Errorf("expected draft restored, got %q", d)
	}
	if n := len(carol.Messages()); n != 0 {
		t.Errorf("expected the optimistic entry removed, got %d entries", n)
	}

	eventually(t, "the forbidden join event", func() bool {
		for _, err := range rec.errors() {
			var se *ServerError
			if errors.As(err, &se) && se.Code == protocol.CodeForbidden {
				return true
			}
		}
		return false
	})
	if n := len(srv.rooms.Members(room.Conversation(conv.ID))); n != 0 {
		t.Errorf("non-member must not be joined, got %d members", n)
	}
}

func TestStartContextBoundsOnlyTheConnect(t *testing.T) {
	srv := startServer(t)
	rec := &recorder{}
	c := newClient(t, srv.url, "alice", rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := c.OpenProject(3); err != nil {
		t.Fatalf("OpenProject() after the start ctx ended: %v", err)
	}
	if err := c.SetDraft("still here"); err != nil {
		t.Errorf("SetDraft() after the start ctx ended: %v", err)
	}
	if got := c.Status(); got != "connected" {
		t.Errorf("expected connected, got %q", got)
	}
}

func TestUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	rec := &recorder{}
	c := newClient(t, url, "alice", rec)
	err := c.Start(context.Background())
	if !errors.Is(err, transport.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	eventually(t, "the disconnected affordance", func() bool {
		return rec.lastStatus() == "disconnected"
	})
	eventually(t, "the error callback", func() bool {
		for _, err := range rec.errors() {
			if errors.Is(err, transport.ErrRetriesExhausted) {
				return true
			}
		}
		return false
	})
	if got := c.Status(); got != "disconnected" {
		t.Errorf("expected disconnected, got %q", got)
	}
}

func TestClosedClient(t *testing.T) {
	c, err := New(Config{ServerURL: "http://127.0.0.1:1", UserID: "alice"}, Hooks{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c.Close()
	if err := c.OpenConversation(1); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

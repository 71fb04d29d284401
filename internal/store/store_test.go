package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/projecthub/realtime/internal/chat"
)

// backend builds a fresh Store for one test, plus a hook to seed project
// membership. Project ids are unique per test so a shared database can be
// reused between runs.
type backend struct {
	name string
	open func(t *testing.T) (Store, func(projectID int64, members ...string))
}

func backends(t *testing.T) []backend {
	t.Helper()
	list := []backend{{name: "memory", open: openMemory}}
	if os.Getenv("TEST_DATABASE_URL") != "" {
		list = append(list, backend{name: "postgres", open: openPostgres})
	}
	return list
}

func openMemory(t *testing.T) (Store, func(int64, ...string)) {
	t.Helper()
	m := NewMemory()
	var (
		mu    sync.Mutex
		clock = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return m, m.SetProjectMembers
}

func openPostgres(t *testing.T) (Store, func(int64, ...string)) {
	t.Helper()
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, os.Getenv("TEST_DATABASE_URL"))
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(pg.DB()); err != nil {
		pg.Close()
		t.Fatalf("Migrate() error: %v", err)
	}

	var seeded []int64
	t.Cleanup(func() {
		for _, id := range seeded {
			pg.DB().ExecContext(ctx, `DELETE FROM conversations WHERE project_id = $1`, id)
			pg.DB().ExecContext(ctx, `DELETE FROM project_members WHERE project_id = $1`, id)
		}
		pg.Close()
	})
	return pg, func(projectID int64, members ...string) {
		seeded = append(seeded, projectID)
		if err := pg.SetProjectMembers(ctx, projectID, members...); err != nil {
			t.Fatalf("SetProjectMembers() error: %v", err)
		}
	}
}

// testProject returns a project id that does not collide with earlier runs.
func testProject() int64 {
	return time.Now().UnixNano() % 1_000_000_000_000
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store, projectID int64)) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s, seed := b.open(t)
			projectID := testProject()
			seed(projectID, "alice", "bob", "carol")
			fn(t, s, projectID)
		})
	}
}

func mustCreate(t *testing.T, s Store, nc chat.NewConversation) *chat.Conversation {
	t.Helper()
	nc, err := nc.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	c, err := s.CreateConversation(context.Background(), nc)
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	return c
}

func mustSend(t *testing.T, s Store, convID int64, sender, content string) *chat.Message {
	t.Helper()
	msg, err := s.CreateMessage(context.Background(), convID, sender, content)
	if err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	return msg
}

func TestProjectMembers(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, projectID int64) {
		members, err := s.ProjectMembers(context.Background(), projectID)
		if err != nil {
			t.Fatalf("ProjectMembers() error: %v", err)
		}
		if len(members) != 3 {
			t.Fatalf("expected 3 members, got %v", members)
		}
	})
}

func TestCreateAndGetConversation(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, projectID int64) {
		ctx := context.Background()
		c := mustCreate(t, s, chat.NewConversation{
			Type: chat.TypeGroup, Name: "design", ProjectID: projectID,
			Members: []string{"carol", "alice", "bob"},
		})
		if c.ID == 0 {
			t.Fatal("expected assigned id")
		}

		got, err := s.GetConversation(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetConversation() error: %v", err)
		}
		if got.Name != "design" || got.Type != chat.TypeGroup || got.ProjectID != projectID {
			t.Errorf("unexpected conversation: %+v", got)
		}
		want := []string{"carol", "alice", "bob"}
		if len(got.Members) != len(want) {
			t.Fatalf("expected members %v, got %v", want, got.Members)
		}
		for i := range want {
			if got.Members[i] != want[i] {
				t.Errorf("member %d: expected %q, got %q", i, want[i], got.Members[i])
			}
		}

		if _, err := s.GetConversation(ctx, c.ID+1_000_000); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDirectConversationIsUniquePerPair(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, projectID int64) {
		ctx := context.Background()
		c := mustCreate(t, s, chat.NewConversation{
			Type: chat.TypeDirect, ProjectID: projectID, Members: []string{"alice", "bob"},
		})

		nc, _ := chat.NewConversation{
			Type: chat.TypeDirect, ProjectID: projectID, Members: []string{"bob", "alice"},
		}.Normalize()
		if _, err := s.CreateConversation(ctx, nc); !errors.Is(err, ErrDuplicateDirect) {
			t.Fatalf("expected ErrDuplicateDirect, got %v", err)
		}

		found, err := s.FindDirect(ctx, projectID, "bob", "alice")
		if err != nil {
			t.Fatalf("FindDirect() error: %v", err)
		}
		if found.ID != c.ID {
			t.Errorf("expected conversation %d, got %d", c.ID, found.ID)
		}

		if _, err := s.FindDirect(ctx, projectID, "alice", "carol"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown pair, got %v", err)
		}
	})
}

func TestListMessagesPaging(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, projectID int64) {
		ctx := context.Background()
		c := mustCreate(t, s, chat.NewConversation{
			Type: chat.TypeGroup, Name: "paging", ProjectID: projectID, Members: []string{"alice", "bob"},
		})
		var ids []int64
		for _, text := range []string{"one", "two", "three", "four", "five"} {
			ids = append(ids, mustSend(t, s, c.ID, "alice", text).ID)
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] <= ids[i-1] {
				t.Fatalf("message ids not increasing: %v", ids)
			}
		}

		page, err := s.ListMessages(ctx, c.ID, 0, 2)
		if err != nil {
			t.Fatalf("ListMessages() error: %v", err)
		}
		if len(page) != 2 || page[0].Content != "four" || page[1].Content != "five" {
			t.Fatalf("expected [four five], got %+v", page)
		}

		older, err := s.ListMessages(ctx, c.ID, page[0].ID, 10)
		if err != nil {
			t.Fatalf("ListMessages() error: %v", err)
		}
		if len(older) != 3 || older[0].Content != "one" || older[2].Content != "three" {
			t.Fatalf("expected [one two three], got %+v", older)
		}
	})
}

func TestUpdateAndDeleteMessage(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, projectID int64) {
		ctx := context.Background()
		c := mustCreate(t, s, chat.NewConversation{
			Type: chat.TypeGroup, Name: "notes", ProjectID: projectID, Members: []string{"alice"},
		})
		msg := mustSend(t, s, c.ID, "alice", "helo")

		updated, err := s.UpdateMessage(ctx, msg.ID, "hello")
		if err != nil {
			t.Fatalf("UpdateMessage() error: %v", err)
		}
		if updated.Content != "hello" || !updated.IsEdited {
			t.Errorf("unexpected updated message: %+v", updated)
		}

		if err := s.DeleteMessage(ctx, msg.ID); err != nil {
			t.Fatalf("DeleteMessage() error: %v", err)
		}
		if _, err := s.GetMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.DeleteMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
		if _, err := s.UpdateMessage(ctx, msg.ID, "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound updating deleted message, got %v", err)
		}
	})
}

func TestCreateMessageUnknownConversation(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, projectID int64) {
		_, err := s.CreateMessage(context.Background(), 987_654_321_012, "alice", "hi")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListConversationsSummaries(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, projectID int64) {
		ctx := context.Background()
		first := mustCreate(t, s, chat.NewConversation{
			Type: chat.TypeGroup, Name: "first", ProjectID: projectID, Members: []string{"alice", "bob"},
		})
		second := mustCreate(t, s, chat.NewConversation{
			Type: chat.TypeGroup, Name: "second", ProjectID: projectID, Members: []string{"alice", "bob"},
		})
		mustCreate(t, s, chat.NewConversation{
			Type: chat.TypeGroup, Name: "private", ProjectID: projectID, Members: []string{"carol"},
		})

		// Sleep keeps database timestamps distinct on coarse clocks.
		time.Sleep(2 * time.Millisecond)
		mustSend(t, s, first.ID, "alice", "a1")
		mustSend(t, s, first.ID, "bob", "b1")
		mustSend(t, s, first.ID, "bob", "b2")

		list, err := s.ListConversations(ctx, projectID, "alice")
		if err != nil {
			t.Fatalf("ListConversations() error: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 conversations for alice, got %d", len(list))
		}
		if list[0].ID != first.ID || list[1].ID != second.ID {
			t.Fatalf("expected most recent activity first, got %d then %d", list[0].ID, list[1].ID)
		}
		if list[0].LastMessage == nil || list[0].LastMessage.Content != "b2" {
			t.Errorf("expected last message b2, got %+v", list[0].LastMessage)
		}
		if list[0].UnreadCount != 2 {
			t.Errorf("expected 2 unread for alice, got %d", list[0].UnreadCount)
		}
		if list[1].LastMessage != nil {
			t.Errorf("expected no last message, got %+v", list[1].LastMessage)
		}

		if err := s.MarkRead(ctx, first.ID, "alice"); err != nil {
			t.Fatalf("MarkRead() error: %v", err)
		}
		list, err = s.ListConversations(ctx, projectID, "alice")
		if err != nil {
			t.Fatalf("ListConversations() error: %v", err)
		}
		if list[0].UnreadCount != 0 {
			t.Errorf("expected 0 unread after MarkRead, got %d", list[0].UnreadCount)
		}

		if err := s.MarkRead(ctx, first.ID, "carol"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound marking read as non-member, got %v", err)
		}
	})
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, DefaultPageSize},
		{-3, DefaultPageSize},
		{10, 10},
		{MaxPageSize, MaxPageSize},
		{MaxPageSize + 1, MaxPageSize},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.in); got != tc.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

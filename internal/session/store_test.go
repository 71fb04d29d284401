package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and
// removes all test keys before and after the test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, pattern := range []string{AuthPrefix + "test_*", ConnPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "test-server")
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IssueToken(ctx, "test_tok", "alice", time.Minute); err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	user, err := s.Authenticate(ctx, "test_tok")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if user != "alice" {
		t.Errorf("expected alice, got %q", user)
	}

	if _, err := s.Authenticate(ctx, "test_missing"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := s.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for empty token, got %v", err)
	}
}

func TestConnRecordAndRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConn(ctx, "test_c1", "alice"); err != nil {
		t.Fatalf("CreateConn() error: %v", err)
	}
	c, err := s.GetConn(ctx, "test_c1")
	if err != nil {
		t.Fatalf("GetConn() error: %v", err)
	}
	if c == nil || c.UserID != "alice" || c.Server != "test-server" {
		t.Fatalf("unexpected record: %+v", c)
	}

	s.AddRoom(ctx, "test_c1", "project:7")
	s.AddRoom(ctx, "test_c1", "conversation:42")
	s.RemoveRoom(ctx, "test_c1", "project:7")

	rooms, err := s.Rooms(ctx, "test_c1")
	if err != nil {
		t.Fatalf("Rooms() error: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != "conversation:42" {
		t.Errorf("expected [conversation:42], got %v", rooms)
	}

	if err := s.DeleteConn(ctx, "test_c1"); err != nil {
		t.Fatalf("DeleteConn() error: %v", err)
	}
	if c, _ := s.GetConn(ctx, "test_c1"); c != nil {
		t.Errorf("expected nil after delete, got %+v", c)
	}
	if rooms, _ := s.Rooms(ctx, "test_c1"); len(rooms) != 0 {
		t.Errorf("expected no rooms after delete, got %v", rooms)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	user, err := StaticAuthenticator{}.Authenticate(context.Background(), " bob ")
	if err != nil || user != "bob" {
		t.Errorf("expected bob, got %q err=%v", user, err)
	}
	if _, err := (StaticAuthenticator{}).Authenticate(context.Background(), "  "); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		header, query, want string
	}{
		{"Bearer abc", "", "abc"},
		{"bearer abc", "zzz", "abc"},
		{"", "q1", "q1"},
		{"Basic xyz", "q2", "q2"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := TokenFromRequest(tc.header, tc.query); got != tc.want {
			t.Errorf("TokenFromRequest(%q, %q) = %q, want %q", tc.header, tc.query, got, tc.want)
		}
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestRuleKey(t *testing.T) {
	user := Rule{Name: "send", Scope: PerUser}
	conv := Rule{Name: "typing", Scope: PerConversation}

	tests := []struct {
		rule Rule
		s    Subject
		want string
	}{
		{user, Subject{UserID: "alice", ConversationID: 9}, "rl:send:5:alice"},
		{conv, Subject{UserID: "alice", ConversationID: 9}, "rl:typing:5:alice:9"},
		{conv, Subject{UserID: "alice:9", ConversationID: 1}, "rl:typing:7:alice:9:1"},
	}
	for _, tt := range tests {
		if got := tt.rule.Key(tt.s); got != tt.want {
			t.Errorf("Key(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
	if conv.Key(Subject{UserID: "alice", ConversationID: 91}) == conv.Key(Subject{UserID: "alice:9", ConversationID: 1}) {
		t.Error("distinct subjects must not share a counter")
	}
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Limit: 3, Window: time.Minute}
	alice := Subject{UserID: "alice"}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, rule, alice)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, err := l.Allow(ctx, rule, alice)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Error("fourth request should be rate limited")
	}

	if ok, _ := l.Allow(ctx, rule, Subject{UserID: "bob"}); !ok {
		t.Error("bob should not share alice's budget")
	}
	// A per-user rule ignores the conversation.
	if ok, _ := l.Allow(ctx, rule, Subject{UserID: "alice", ConversationID: 4}); ok {
		t.Error("alice's budget should span conversations")
	}
}

func TestPerConversationBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test-typing", Limit: 1, Window: time.Minute, Scope: PerConversation}

	if ok, _ := l.Allow(ctx, rule, Subject{UserID: "carol", ConversationID: 1}); !ok {
		t.Fatal("first signal should be allowed")
	}
	if ok, _ := l.Allow(ctx, rule, Subject{UserID: "carol", ConversationID: 1}); ok {
		t.Error("second signal in the same conversation should be limited")
	}
	if ok, _ := l.Allow(ctx, rule, Subject{UserID: "carol", ConversationID: 2}); !ok {
		t.Error("another conversation should have its own budget")
	}
}

func TestWindowSetsExpiry(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Limit: 1, Window: 30 * time.Second}
	dave := Subject{UserID: "dave"}

	l.Allow(ctx, rule, dave)
	first, err := client.TTL(ctx, rule.Key(dave)).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if first <= 0 || first > rule.Window {
		t.Errorf("expected TTL within window, got %v", first)
	}

	// Later hits in the same window keep the original expiry.
	time.Sleep(1100 * time.Millisecond)
	l.Allow(ctx, rule, dave)
	again, _ := client.TTL(ctx, rule.Key(dave)).Result()
	if again >= first {
		t.Errorf("window was extended: ttl %v then %v", first, again)
	}
}

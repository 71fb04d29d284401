// Package ratelimit counts chat actions against fixed windows kept in Redis.
//
// Sends and edits share one budget per user across all of their tabs. Typing
// signals are budgeted per user and conversation, so chatty typing in one
// thread never silences another.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope selects what a rule's counter is keyed on.
type Scope int

const (
	PerUser Scope = iota
	PerConversation
)

// Rule is one fixed-window budget.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
	Scope  Scope
}

var (
	RuleSend   = Rule{Name: "send", Limit: 20, Window: 10 * time.Second, Scope: PerUser}
	RuleEdit   = Rule{Name: "edit", Limit: 10, Window: 10 * time.Second, Scope: PerUser}
	RuleTyping = Rule{Name: "typing", Limit: 12, Window: 10 * time.Second, Scope: PerConversation}
)

// Subject is the acting user and the conversation the action targets.
// ConversationID is ignored by PerUser rules.
type Subject struct {
	UserID         string
	ConversationID int64
}

// Key is the Redis counter key for s under r.
func (r Rule) Key(s Subject) string {
	key := "rl:" + r.Name + ":" + strconv.Itoa(len(s.UserID)) + ":" + s.UserID
	if r.Scope == PerConversation {
		key += ":" + strconv.FormatInt(s.ConversationID, 10)
	}
	return key
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one action by s and reports whether it fits rule's window.
// The counter and its expiry are written in one MULTI so a window can never
// be left without a TTL. Redis errors are returned alongside true.
func (l *Limiter) Allow(ctx context.Context, rule Rule, s Subject) (bool, error) {
	key := rule.Key(s)

	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		count = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		log.Printf("[ratelimit] count %s: %v (allowing)", key, err)
		return true, fmt.Errorf("ratelimit: allow %s: %w", rule.Name, err)
	}
	return count.Val() <= int64(rule.Limit), nil
}

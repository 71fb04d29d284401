// Package directory is the server-side membership authority. It answers
// "may this user observe or write to this room" for project and conversation
// rooms, and makes DIRECT conversation creation idempotent per member pair.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/store"
)

// ErrNotProjectMember is returned when a conversation is created with a
// member that does not belong to the project.
var ErrNotProjectMember = errors.New("directory: member is not in project")

// DefaultCacheTTL bounds how stale a cached member set may be.
const DefaultCacheTTL = 30 * time.Second

type memberSet struct {
	members   map[string]struct{}
	projectID int64
	loadedAt  time.Time
}

// Directory caches project and conversation member sets on top of the store.
type Directory struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	mu            sync.RWMutex
	projects      map[int64]*memberSet
	conversations map[int64]*memberSet

	// loads collapses concurrent cache misses for one key into a single
	// store read.
	loads singleflight.Group

	// createMu serializes DIRECT creation so that two concurrent requests
	// for the same pair on this instance resolve to one row.
	createMu sync.Mutex
}

// New creates a Directory backed by s. A ttl of zero selects DefaultCacheTTL.
func New(s store.Store, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Directory{
		store:         s,
		ttl:           ttl,
		now:           time.Now,
		projects:      make(map[int64]*memberSet),
		conversations: make(map[int64]*memberSet),
	}
}

// IsProjectMember reports whether userID belongs to the project.
func (d *Directory) IsProjectMember(ctx context.Context, projectID int64, userID string) (bool, error) {
	set, err := d.project(ctx, projectID)
	if err != nil {
		return false, err
	}
	_, ok := set.members[userID]
	return ok, nil
}

// IsConversationMember reports whether userID belongs to the conversation.
// An unknown conversation yields store.ErrNotFound.
func (d *Directory) IsConversationMember(ctx context.Context, conversationID int64, userID string) (bool, error) {
	set, err := d.conversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	_, ok := set.members[userID]
	return ok, nil
}

// ConversationProject returns the project that owns a conversation.
func (d *Directory) ConversationProject(ctx context.Context, conversationID int64) (int64, error) {
	set, err := d.conversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return set.projectID, nil
}

// CreateConversation validates and persists a conversation. The creator is
// always a member. When a DIRECT conversation already exists for the pair,
// it is returned with created=false instead of creating a duplicate.
func (d *Directory) CreateConversation(ctx context.Context, creatorID string, nc chat.NewConversation) (conv *chat.Conversation, created bool, err error) {
	nc.Members = append([]string{creatorID}, nc.Members...)
	nc, err = nc.Normalize()
	if err != nil {
		return nil, false, err
	}

	for _, m := range nc.Members {
		ok, err := d.IsProjectMember(ctx, nc.ProjectID, m)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrNotProjectMember, m)
		}
	}

	if nc.Type != chat.TypeDirect {
		conv, err = d.store.CreateConversation(ctx, nc)
		if err != nil {
			return nil, false, err
		}
		d.remember(conv)
		return conv, true, nil
	}

	d.createMu.Lock()
	defer d.createMu.Unlock()

	existing, err := d.store.FindDirect(ctx, nc.ProjectID, nc.Members[0], nc.Members[1])
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	conv, err = d.store.CreateConversation(ctx, nc)
	if errors.Is(err, store.ErrDuplicateDirect) {
		// Another instance won the race; the unique index decided.
		existing, ferr := d.store.FindDirect(ctx, nc.ProjectID, nc.Members[0], nc.Members[1])
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	d.remember(conv)
	log.Printf("[directory] direct conversation created id=%d project=%d members=%v", conv.ID, conv.ProjectID, conv.Members)
	return conv, true, nil
}

// Invalidate drops any cached member set for the conversation.
func (d *Directory) Invalidate(conversationID int64) {
	d.mu.Lock()
	delete(d.conversations, conversationID)
	d.mu.Unlock()
}

// InvalidateProject drops any cached member set for the project.
func (d *Directory) InvalidateProject(projectID int64) {
	d.mu.Lock()
	delete(d.projects, projectID)
	d.mu.Unlock()
}

func (d *Directory) project(ctx context.Context, projectID int64) (*memberSet, error) {
	d.mu.RLock()
	set, ok := d.projects[projectID]
	d.mu.RUnlock()
	if ok && d.now().Sub(set.loadedAt) < d.ttl {
		return set, nil
	}

	v, err, _ := d.loads.Do("p:"+strconv.FormatInt(projectID, 10), func() (interface{}, error) {
		members, err := d.store.ProjectMembers(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("directory: load project %d: %w", projectID, err)
		}
		set := newMemberSet(projectID, members, d.now())

		d.mu.Lock()
		d.projects[projectID] = set
		d.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*memberSet), nil
}

func (d *Directory) conversation(ctx context.Context, conversationID int64) (*memberSet, error) {
	d.mu.RLock()
	set, ok := d.conversations[conversationID]
	d.mu.RUnlock()
	if ok && d.now().Sub(set.loadedAt) < d.ttl {
		return set, nil
	}

	v, err, _ := d.loads.Do("c:"+strconv.FormatInt(conversationID, 10), func() (interface{}, error) {
		conv, err := d.store.GetConversation(ctx, conversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("directory: load conversation %d: %w", conversationID, err)
		}
		return d.remember(conv), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*memberSet), nil
}

func (d *Directory) remember(conv *chat.Conversation) *memberSet {
	set := newMemberSet(conv.ProjectID, conv.Members, d.now())
	d.mu.Lock()
	d.conversations[conv.ID] = set
	d.mu.Unlock()
	return set
}

func newMemberSet(projectID int64, members []string, at time.Time) *memberSet {
	set := &memberSet{
		members:   make(map[string]struct{}, len(members)),
		projectID: projectID,
		loadedAt:  at,
	}
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	return set
}

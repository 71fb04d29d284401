package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// AuthPrefix is the Redis key prefix mapping a bearer token to a user id.
	AuthPrefix = "auth:"

	// ConnPrefix is the Redis key prefix for connection hashes. The set of
	// joined rooms lives under ConnPrefix + <id> + RoomsSuffix.
	ConnPrefix  = "conn:"
	RoomsSuffix = ":rooms"

	// ConnTTL is the time-to-live for connection records. It is refreshed on
	// every room change and heartbeat.
	ConnTTL = 1 * time.Hour
)

// ErrUnauthenticated is returned when a token does not resolve to a user.
var ErrUnauthenticated = errors.New("session: unauthenticated")

// Conn is the Redis record of one live WebSocket connection.
type Conn struct {
	ID        string `redis:"id"`
	UserID    string `redis:"user_id"`
	Server    string `redis:"server"`     // which WS server instance
	CreatedAt int64  `redis:"created_at"` // unix timestamp
}

// Store manages identity lookups and connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Authenticate resolves a bearer token to the user id stored under
// auth:<token>.
func (s *Store) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	userID, err := s.client.Get(ctx, AuthPrefix+token).Result()
	if errors.Is(err, redis.Nil) || (err == nil && userID == "") {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("session: resolve token: %w", err)
	}
	return userID, nil
}

// IssueToken stores a token for userID. Production tokens are written by
// the auth service; this is used by development tooling and tests.
func (s *Store) IssueToken(ctx context.Context, token, userID string, ttl time.Duration) error {
	return s.client.Set(ctx, AuthPrefix+token, userID, ttl).Err()
}

// CreateConn records a new connection for userID.
func (s *Store) CreateConn(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID

	record := map[string]interface{}{
		"id":         connID,
		"user_id":    userID,
		"server":     s.serverName,
		"created_at": time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetConn retrieves a connection record. Returns nil if not found.
func (s *Store) GetConn(ctx context.Context, connID string) (*Conn, error) {
	var c Conn
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, nil // not found
	}
	return &c, nil
}

// AddRoom records that the connection joined a room and refreshes the TTL.
func (s *Store) AddRoom(ctx context.Context, connID, room string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, ConnPrefix+connID+RoomsSuffix, room)
	pipe.Expire(ctx, ConnPrefix+connID+RoomsSuffix, ConnTTL)
	pipe.Expire(ctx, ConnPrefix+connID, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveRoom records that the connection left a room.
func (s *Store) RemoveRoom(ctx context.Context, connID, room string) error {
	return s.client.SRem(ctx, ConnPrefix+connID+RoomsSuffix, room).Err()
}

// Rooms returns the rooms recorded for the connection.
func (s *Store) Rooms(ctx context.Context, connID string) ([]string, error) {
	return s.client.SMembers(ctx, ConnPrefix+connID+RoomsSuffix).Result()
}

// RefreshTTL extends the connection record's TTL.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, ConnPrefix+connID, ConnTTL)
	pipe.Expire(ctx, ConnPrefix+connID+RoomsSuffix, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteConn removes a connection record and its room set.
func (s *Store) DeleteConn(ctx context.Context, connID string) error {
	return s.client.Del(ctx, ConnPrefix+connID, ConnPrefix+connID+RoomsSuffix).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// StaticAuthenticator treats the token itself as the user id. It is only
// enabled for local development when Redis is not configured.
type StaticAuthenticator struct{}

// Authenticate implements the same contract as Store.Authenticate.
func (StaticAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// TokenFromRequest extracts a bearer token from an Authorization header
// value or, failing that, from a token query parameter.
func TokenFromRequest(header, query string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(query)
}

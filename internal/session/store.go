package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all connection-session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the connection lifecycle.
	StatusConnected = "connected"
	StatusJoined    = "joined"
)

// Session is one websocket connection's record stored in Redis.
type Session struct {
	ID         string `redis:"id"`          // connection id
	Status     string `redis:"status"`      // connected | joined
	UserID     string `redis:"user_id"`     // empty until join
	Role       string `redis:"role"`        // farmer | expert, optional
	Server     string `redis:"server"`      // which chat server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection-session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this chat server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new connection record with connected status and 1h TTL.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          connID,
		"status":      StatusConnected,
		"user_id":     "",
		"role":        "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// BindUser records that userID joined on the connection and refreshes the TTL.
func (s *Store) BindUser(ctx context.Context, connID, userID, role string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"user_id", userID,
		"role", role,
		"status", StatusJoined,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch updates last_active and extends the record's TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Ping checks Redis reachability for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Package presence tracks which relay instance each user's live
// connections are attached to, backed by Redis. Presence records let
// other services (and other relay instances) answer "is this user
// online, and where" without touching the in-memory registry.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL is the time-to-live for presence keys. Heartbeats
	// refresh it; a crashed instance's entries age out on their own.
	PresenceTTL = 2 * time.Minute
)

// Record is a user's presence state stored in Redis.
type Record struct {
	UserID      int64  `redis:"user_id"`
	Username    string `redis:"username"`
	Instance    string `redis:"instance"`    // which relay instance holds the connections
	Connections int    `redis:"connections"` // live connection count on that instance
	LastSeen    int64  `redis:"last_seen"`   // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client   *redis.Client
	instance string // identifier for this relay instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, instance string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return &Store{client: client, instance: instance}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by tests and
// by services that share one client across stores.
func NewStoreWithClient(client *redis.Client, instance string) *Store {
	return &Store{client: client, instance: instance}
}

func key(userID int64) string {
	return PresencePrefix + strconv.FormatInt(userID, 10)
}

// Connected records a new live connection for a user on this instance,
// incrementing the connection count and refreshing the TTL.
func (s *Store) Connected(ctx context.Context, userID int64, username string) error {
	k := key(userID)
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"user_id":   userID,
		"username":  username,
		"instance":  s.instance,
		"last_seen": now,
	})
	pipe.HIncrBy(ctx, k, "connections", 1)
	pipe.Expire(ctx, k, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Disconnected decrements a user's connection count. When the count
// reaches zero the presence record is removed entirely.
func (s *Store) Disconnected(ctx context.Context, userID int64) error {
	k := key(userID)

	remaining, err := s.client.HIncrBy(ctx, k, "connections", -1).Result()
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return s.client.Del(ctx, k).Err()
	}
	return s.client.HSet(ctx, k, "last_seen", time.Now().Unix()).Err()
}

// Get retrieves a user's presence record. Returns nil if the user is
// offline (no record).
func (s *Store) Get(ctx context.Context, userID int64) (*Record, error) {
	var rec Record
	err := s.client.HGetAll(ctx, key(userID)).Scan(&rec)
	if err != nil {
		return nil, err
	}
	if rec.UserID == 0 {
		return nil, nil // not found
	}
	return &rec, nil
}

// IsOnline reports whether the user has at least one live connection
// anywhere in the cluster.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := s.client.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Refresh extends the presence TTL and bumps last_seen. Called on
// heartbeat for each connected user.
func (s *Store) Refresh(ctx context.Context, userID int64) error {
	k := key(userID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, k, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Clear removes a user's presence record regardless of count. Used
// when an instance shuts down and drops all of its connections.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, key(userID)).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

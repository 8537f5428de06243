// Package penalty tracks moderation strikes and applies escalating
// mutes, backed by Redis. Mute records are simple key-value pairs with
// TTL-based expiry:
//
//	Key:   mute:<user_id>
//	Value: <reason>
//	TTL:   mute duration
package penalty

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MutePrefix is the Redis key prefix for mute records.
	MutePrefix = "mute:"

	// StrikesPrefix is the Redis key prefix for strike counters.
	StrikesPrefix = "strikes:"

	// Escalating mute durations.
	Mute15Min  = 15 * time.Minute // 1st strike window
	Mute1Hour  = 1 * time.Hour    // 2nd
	Mute24Hour = 24 * time.Hour   // 3rd and beyond

	// StrikesTTL is how long the strike counter lives in Redis. After
	// 24h without new strikes the counter resets to zero.
	StrikesTTL = 24 * time.Hour

	// MuteThreshold is the number of strikes within StrikesTTL that
	// triggers an automatic mute.
	MuteThreshold = 3
)

// Store manages mute records and strike counters in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a penalty store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func muteKey(userID int64) string {
	return MutePrefix + strconv.FormatInt(userID, 10)
}

func strikesKey(userID int64) string {
	return StrikesPrefix + strconv.FormatInt(userID, 10)
}

// IsMuted checks if a user is currently muted.
// Returns (isMuted, remainingSeconds, reason, error). Redis errors are
// returned so callers can decide how to handle them; the relay treats
// an error as not muted (fail-open, same as the moderation pipeline).
func (s *Store) IsMuted(ctx context.Context, userID int64) (bool, int, string, error) {
	key := muteKey(userID)

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// Mute exists but the TTL is unreadable. Report muted with 0
		// remaining rather than swallowing the mute.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Mute silences a user for the given duration. The mute expires
// automatically.
func (s *Store) Mute(ctx context.Context, userID int64, duration time.Duration, reason string) error {
	return s.client.Set(ctx, muteKey(userID), reason, duration).Err()
}

// Unmute lifts a mute immediately.
func (s *Store) Unmute(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, muteKey(userID)).Err()
}

// escalationDuration returns the mute duration for a given strike count.
func escalationDuration(strikes int) time.Duration {
	switch {
	case strikes <= 1:
		return Mute15Min
	case strikes == 2:
		return Mute1Hour
	default:
		return Mute24Hour
	}
}

// StrikeCount returns the current strike counter for a user. Returns 0
// if no strikes are recorded or the counter expired.
func (s *Store) StrikeCount(ctx context.Context, userID int64) (int, error) {
	val, err := s.client.Get(ctx, strikesKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// RecordStrike increments a user's strike counter and, once the
// counter reaches MuteThreshold, applies a mute whose duration
// escalates with the strike count:
//
//	3rd strike  -> 24 hours (count maps past the early tiers)
//	below that  -> no mute, just the counter
//
// The strike counter has a 24h TTL set on first increment so the
// window does not slide. Returns (muted, duration, error).
func (s *Store) RecordStrike(ctx context.Context, userID int64, reason string) (bool, time.Duration, error) {
	key := strikesKey(userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("penalty: strike incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("penalty: strike expire: %w", err)
		}
	}

	if count >= MuteThreshold {
		duration := escalationDuration(int(count))
		if err := s.Mute(ctx, userID, duration, reason); err != nil {
			return false, 0, fmt.Errorf("penalty: strike mute: %w", err)
		}
		return true, duration, nil
	}
	return false, 0, nil
}

// Escalate records a strike and always mutes, with duration escalating
// by strike count (15m, 1h, then 24h). Used by the moderation API when
// a human reviewer confirms a violation.
func (s *Store) Escalate(ctx context.Context, userID int64, reason string) (time.Duration, error) {
	key := strikesKey(userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("penalty: escalate incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return 0, fmt.Errorf("penalty: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Mute(ctx, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("penalty: escalate mute: %w", err)
	}
	return duration, nil
}

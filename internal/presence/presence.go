// Package presence stores per-user liveness as TTL'd Redis keys. A user is
// online exactly while their key exists; no sign-off is needed because an
// abandoned session simply stops refreshing and the key expires.
package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store tracks heartbeats with a fixed online window.
type Store struct {
	client *redis.Client
	window time.Duration
}

// New returns a Store whose keys expire after window.
func New(client *redis.Client, window time.Duration) *Store {
	return &Store{client: client, window: window}
}

// Heartbeat records that the user is alive right now.
func (s *Store) Heartbeat(ctx context.Context, userID string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.client.Set(ctx, key(userID), now, s.window).Err()
}

// LastSeen returns the most recent heartbeat time. The second return is
// false when the user has no live heartbeat.
func (s *Store) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(millis), true, nil
}

// Online reports whether the user's heartbeat is still within the window.
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	exists, err := s.client.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func key(userID string) string {
	return "presence:" + userID
}

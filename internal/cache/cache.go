package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports that a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a string key-value store with expiry. Implementations are safe
// for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A ttl <= 0 keeps the key until deleted.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Incr atomically adds one to the integer at key, starting from zero,
	// and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// UnreadVersionKey holds a counter bumped every time the user's unread
// total may have changed. It never expires.
func UnreadVersionKey(userID string) string {
	return "unread:" + userID + ":version"
}

// UnreadKey holds the user's unread total computed at version. A fill that
// races a bump lands on a version no reader asks for again.
func UnreadKey(userID, version string) string {
	return "unread:" + userID + ":" + version
}

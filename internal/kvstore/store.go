package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("kv_not_found")
	ErrUnavailable    = errors.New("kv_unavailable")
	ErrNotConfigured  = errors.New("kv_not_configured")
	ErrInvalidKey     = errors.New("kv_invalid_key")
	ErrInvalidCounter = errors.New("kv_invalid_counter")
)

// Store is a last-write-wins key-value store with per-key TTL.
// It offers no multi-key transactions; callers must not rely on any.
type Store interface {
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr atomically increments a counter, applying ttl when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX writes value only when key is absent.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Ping(ctx context.Context) error
}

package ratelimiter

import (
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// GetterSetter stores bucket state. InMemory is the only implementation in
// this process; the interface keeps the limiter storage agnostic.
type GetterSetter interface {
	Get(key string) (int64, error)
	SetWithExpiration(key string, value int64, expiration time.Duration) error
	Delete(key string) error
	Close() error
}

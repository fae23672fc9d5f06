package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport-level store failures. Callers treat it as
// retryable infrastructure trouble, never as a domain decision.
var ErrUnavailable = errors.New("key-value store unavailable")

// Store is the shared mutable state backing quota counters, task records and
// chat sessions. Only single-key atomic operations are offered; there are no
// multi-key transactions, so all record designs must stay safe under
// last-write-wins per field.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// IncrBy atomically adjusts an integer counter, creating it at zero.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// Retry runs fn up to attempts+1 times, backing off between tries, but only
// while the failure is ErrUnavailable. Domain errors pass through untouched.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if i >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(i, base)):
		}
	}
}

func backoff(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 2*time.Second {
			return 2 * time.Second
		}
	}
	return d
}

// Package kv wraps a Redis client with the small set of primitives the
// turn pipeline actually needs: atomic set-if-absent with TTL, get,
// delete, TTL read, and atomic read-and-delete. Higher-level packages
// (dedup, turn, guards) build their key schemas on top of this.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get and ReadAndDelete when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is the capability surface every caller in this module depends on.
// Defined as an interface so pkg/dedup, pkg/turn, and pkg/guards can be
// tested against an in-memory fake without a live Redis instance.
type Store interface {
	// SetIfAbsent sets key to value with the given TTL only if key does
	// not already exist. Returns true if this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set unconditionally sets key to value with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value at key, or ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining TTL of key. Returns 0, ErrNotFound if
	// the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ReadAndDelete atomically reads and removes key in one round trip.
	// Returns ErrNotFound if key did not exist.
	ReadAndDelete(ctx context.Context, key string) (string, error)

	// Incr increments the integer at key by 1, creating it at 1 with the
	// given TTL if absent, and refreshing the TTL only on creation.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Close releases the underlying connection pool.
	Close() error
}

// Client is a Store backed by a real Redis server via go-redis/v9.
type Client struct {
	rdb *redis.Client
}

// New connects to the Redis instance at addr/db with the given password
// (empty for none). The connection is lazy; go-redis dials on first use.
func New(addr, password string, db int) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping verifies connectivity, used by the admin readiness check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: ping: %w", err)
	}
	return nil
}

func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %s: %w", key, err)
	}
	return nil
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: ttl %s: %w", key, err)
	}
	if ttl == -1 {
		// Redis reports -1 for a key that exists without an expiry.
		return 0, nil
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

// ReadAndDelete pipelines GET+DEL into a single round trip, matching the
// capability spec's "pipelined get+delete acceptable" allowance.
func (c *Client) ReadAndDelete(ctx context.Context, key string) (string, error) {
	getCmd := redis.NewStringCmd(ctx, "GET", key)
	delCmd := redis.NewIntCmd(ctx, "DEL", key)

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Process(ctx, getCmd)
		pipe.Process(ctx, delCmd)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("kv: read-and-delete %s: %w", key, err)
	}

	v, getErr := getCmd.Result()
	if errors.Is(getErr, redis.Nil) {
		return "", ErrNotFound
	}
	if getErr != nil {
		return "", fmt.Errorf("kv: read-and-delete %s: %w", key, getErr)
	}
	return v, nil
}

func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: incr %s: %w", key, err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("kv: expire %s: %w", key, err)
		}
	}
	return n, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

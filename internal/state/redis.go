package state

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrKeyMissing is returned by RedisClient.Get when the key does not exist,
// distinguishing absence from a transport fault.
var ErrKeyMissing = errors.New("key missing")

// RedisClient abstracts the TTL-store operations needed by Store.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// Set stores value under key with the given expiration.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	// Get retrieves the value of a key. Returns ErrKeyMissing when absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)
	// Expire sets a key's time to live.
	Expire(ctx context.Context, key string, expiration time.Duration) error
	// Keys returns all keys matching pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Close shuts down the client.
	Close() error
}

// goRedisAdapter wraps a go-redis client to implement RedisClient.
type goRedisAdapter struct {
	client *goredis.Client
}

// NewGoRedisAdapter wraps an established go-redis client.
func NewGoRedisAdapter(client *goredis.Client) RedisClient {
	return &goRedisAdapter{client: client}
}

func (a *goRedisAdapter) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return a.client.Set(ctx, key, value, expiration).Err()
}

func (a *goRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := a.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrKeyMissing
	}
	return data, err
}

func (a *goRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

func (a *goRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.client.SAdd(ctx, key, args...).Err()
}

func (a *goRedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.client.SRem(ctx, key, args...).Err()
}

func (a *goRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.client.SMembers(ctx, key).Result()
}

func (a *goRedisAdapter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return a.client.Expire(ctx, key, expiration).Err()
}

func (a *goRedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	return a.client.Keys(ctx, pattern).Result()
}

func (a *goRedisAdapter) Close() error {
	return a.client.Close()
}

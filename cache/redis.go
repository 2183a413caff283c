package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	paidaction "github.com/satsflow/paidaction"
)

const (
	defaultKeyPrefix = "paidaction:cache:"
	maxTxRetries     = 16
)

// RedisCache stores each cache object as a Redis hash so several processes
// can share field-level state. Values are JSON encoded.
//
// ModifyField is an optimistic WATCH/MULTI transaction retried on conflict.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

var _ paidaction.Cache = (*RedisCache)(nil)

// RedisOption configures the redis cache
type RedisOption func(*RedisCache)

// WithKeyPrefix namespaces the hash keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) {
		c.prefix = prefix
	}
}

// NewRedisCache creates a cache on top of an existing client
func NewRedisCache(rdb *redis.Client, opts ...RedisOption) *RedisCache {
	c := &RedisCache{rdb: rdb, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRedisCacheFromURL parses a redis:// URL and connects
func NewRedisCacheFromURL(ctx context.Context, url string, opts ...RedisOption) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCache(rdb, opts...), nil
}

func (c *RedisCache) key(id paidaction.ObjectID) string {
	return c.prefix + string(id)
}

// ModifyField replaces a field with fn(existing)
func (c *RedisCache) ModifyField(ctx context.Context, id paidaction.ObjectID, field string, fn paidaction.FieldUpdater) error {
	key := c.key(id)

	txf := func(tx *redis.Tx) error {
		existing, err := readValue(tx.HGet(ctx, key, field))
		if err != nil {
			return err
		}
		next, err := json.Marshal(fn(existing))
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", id, field, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, next)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("modify %s.%s: too much contention", id, field)
}

// ReadField returns a field's value and whether it is present
func (c *RedisCache) ReadField(ctx context.Context, id paidaction.ObjectID, field string) (interface{}, bool, error) {
	cmd := c.rdb.HGet(ctx, c.key(id), field)
	if errors.Is(cmd.Err(), redis.Nil) {
		return nil, false, nil
	}
	v, err := readValue(cmd)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Close closes the underlying client
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func readValue(cmd *redis.StringCmd) (interface{}, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode cached value: %w", err)
	}
	return v, nil
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisPrefix = "carecoord:session:"

// RedisStore keeps records as JSON strings with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Save(ctx context.Context, rec *Record) error {
	ttl := r.ttl
	if old, err := r.Load(ctx, rec.Key); err == nil && old.Revoked {
		rec.Revoked = true
		ttl = redis.KeepTTL
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := r.client.Set(ctx, redisPrefix+rec.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Revoke(ctx context.Context, key string) error {
	rec, err := r.Load(ctx, key)
	if err != nil {
		return err
	}
	rec.Revoked = true
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return r.client.Set(ctx, redisPrefix+key, raw, redis.KeepTTL).Err()
}

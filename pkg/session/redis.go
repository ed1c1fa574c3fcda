package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings for sessions.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires idle sessions inside Redis; zero keeps them forever.
	TTL time.Duration
}

// RedisBackend stores each session as a JSON string and indexes keys in a
// sorted set scored by last update time.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend creates a Redis session backend. The connection is lazy;
// use Ping to check it.
func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "clawloop:session:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBackend{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

func (b *RedisBackend) Name() string { return "redis" }

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Load(ctx context.Context, key string) (*Session, error) {
	raw, err := b.client.Get(ctx, b.sessionKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}

func (b *RedisBackend) Persist(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.sessionKey(s.Key), raw, b.ttl)
		pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: float64(s.Updated.Unix()), Member: s.Key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context) ([]Info, error) {
	members, err := b.client.ZRangeWithScores(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]Info, 0, len(members))
	for _, z := range members {
		key, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Info{Key: key, Updated: time.Unix(int64(z.Score), 0)})
	}
	return out, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.sessionKey(key))
		pipe.ZRem(ctx, b.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) sessionKey(key string) string {
	return b.prefix + "s:" + key
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "index"
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/models"
)

// NewRedisClient connects to addr, which may be a host:port pair or a
// redis:// URL, and pings it.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         addr,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

type redisChange struct {
	Key string `json:"key"`
	Old []byte `json:"old,omitempty"`
	New []byte `json:"new"`
}

// RedisStore shares the record between processes and devices. Every write
// publishes the old/new pair on a changes channel.
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	channel string
}

func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	return &RedisStore{
		rdb:     rdb,
		prefix:  namespace + ":kv:",
		channel: namespace + ":changes",
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	var old []byte
	prev, err := s.rdb.SetArgs(ctx, s.prefix+key, value, redis.SetArgs{Get: true}).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("redis set %q: %w", key, err)
	default:
		old = []byte(prev)
	}

	payload, err := json.Marshal(redisChange{Key: key, Old: old, New: value})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		// The value is stored; watchers catch up on the next write.
		slog.Error("redis: publish change failed", "key", key, "error", err)
	}
	return nil
}

func (s *RedisStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	return subscribeRedis(ctx, s.rdb, s.channel, func(payload string) (core.Change, bool) {
		var c redisChange
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			slog.Warn("redis: bad change payload", "error", err)
			return core.Change{}, false
		}
		if c.Key != key {
			return core.Change{}, false
		}
		return core.Change{Key: c.Key, Old: c.Old, New: c.New}, true
	})
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

// RedisBus carries CONFIG_UPDATED broadcasts between processes.
type RedisBus struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBus(rdb *redis.Client, namespace string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: namespace + ":broadcast"}
}

func (b *RedisBus) Publish(ctx context.Context, msg models.BroadcastMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan models.BroadcastMessage, error) {
	return subscribeRedis(ctx, b.rdb, b.channel, func(payload string) (models.BroadcastMessage, bool) {
		var m models.BroadcastMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			slog.Warn("redis: bad broadcast payload", "error", err)
			return m, false
		}
		return m, true
	})
}

func (b *RedisBus) Close() error {
	return nil
}

// subscribeRedis waits for the subscription to be confirmed, then forwards
// decoded payloads until ctx ends.
func subscribeRedis[T any](ctx context.Context, rdb *redis.Client, channel string, decode func(string) (T, bool)) (<-chan T, error) {
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan T, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				v, ok := decode(msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var (
	_ core.KVStore    = (*RedisStore)(nil)
	_ core.MessageBus = (*RedisBus)(nil)
)

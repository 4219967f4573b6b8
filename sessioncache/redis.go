package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRemovalChannel carries removal events between RedisStorage handles.
const DefaultRemovalChannel = "docsauth:sessioncache:removed"

// RedisStorage shares the cache between processes through Redis. Entries
// expire with their TTL; removals are published on a channel.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	channel   string
	origin    string
}

type removal struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// NewRedisStorage connects to addr and checks the connection.
func NewRedisStorage(ctx context.Context, addr, keyPrefix string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStorageWithClient(client, keyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. Every call yields a distinct handle.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		channel:   DefaultRemovalChannel,
		origin:    uuid.NewString(),
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if n == 0 {
		return nil
	}
	msg, err := json.Marshal(removal{Key: s.keyPrefix + key, Origin: s.origin})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish removal of %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Removed(ctx context.Context, key string) (<-chan struct{}, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	// Wait for the subscription to be confirmed so no removal is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	out := make(chan struct{}, 1)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev removal
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.Key != s.keyPrefix+key || ev.Origin == s.origin {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

var _ Storage = (*RedisStorage)(nil)

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gander-ai/gander/types"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed deployments. Metadata lives in a string key,
// the message log in a list, and a sorted set indexes sessions by
// update time for listing.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-based session store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "gander:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "session:",
	}, nil
}

// metaKey returns the Redis key for a session's metadata.
func (s *RedisStore) metaKey(id string) string {
	return s.keyPrefix + "meta:" + id
}

// msgsKey returns the Redis key for a session's message log.
func (s *RedisStore) msgsKey(id string) string {
	return s.keyPrefix + "msgs:" + id
}

// indexKey returns the Redis key for the session index.
func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "index"
}

// Load returns the session with the given id.
func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.metaKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode session metadata: %w", err)
	}

	raw, err := s.client.LRange(ctx, s.msgsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		var msg types.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode session message: %w", err)
		}
		msgs = append(msgs, msg)
	}

	return &Session{Metadata: meta, Messages: msgs}, nil
}

// Append adds messages to the session log.
func (s *RedisStore) Append(ctx context.Context, id string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	if err := s.exists(ctx, id); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		pipe.RPush(ctx, s.msgsKey(id), data)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Replace overwrites the session log.
func (s *RedisStore) Replace(ctx context.Context, id string, msgs []types.Message) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.msgsKey(id))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		pipe.RPush(ctx, s.msgsKey(id), data)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// SaveMetadata creates or updates the session metadata record.
func (s *RedisStore) SaveMetadata(ctx context.Context, meta Metadata) error {
	if meta.ID == "" {
		return ErrInvalidInput
	}

	normalizeMetadata(&meta)

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.metaKey(meta.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(meta.UpdatedAt.UnixNano()),
		Member: meta.ID,
	})

	_, err = pipe.Exec(ctx)
	return err
}

// List returns metadata for all sessions, most recently updated first.
func (s *RedisStore) List(ctx context.Context) ([]Metadata, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Metadata{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.metaKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	metas := make([]Metadata, 0, len(values))
	for _, value := range values {
		str, ok := value.(string)
		if !ok {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal([]byte(str), &meta); err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	return metas, nil
}

// Delete removes the session and its message log.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.metaKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.msgsKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)

	_, err = pipe.Exec(ctx)
	return err
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// exists checks that a session metadata record is present.
func (s *RedisStore) exists(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.metaKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

// Package notify owns the cross-request shared state the diff engine
// mutates: per-user mention/alert counters, the global hashtag index, and
// the notification queue. Everything is plain redis get/increment
// primitives; no locks or versioning.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tideline/api/internal/stream"
)

const (
	mentionKeyPrefix = "mentions:"
	alertKeyPrefix   = "alerts:"
	hashtagSetKey    = "hashtags"
	queueKey         = "notifications"
)

type Counts struct {
	Mentions   int64 `json:"mentions"`
	AlertWords int64 `json:"alertWords"`
}

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) AdjustMentionCount(ctx context.Context, userID uuid.UUID, delta int) error {
	if err := s.client.IncrBy(ctx, mentionKeyPrefix+userID.String(), int64(delta)).Err(); err != nil {
		return fmt.Errorf("adjust mention count: %w", err)
	}
	return nil
}

func (s *RedisStore) AdjustAlertCount(ctx context.Context, userID uuid.UUID, delta int) error {
	if err := s.client.IncrBy(ctx, alertKeyPrefix+userID.String(), int64(delta)).Err(); err != nil {
		return fmt.Errorf("adjust alert count: %w", err)
	}
	return nil
}

// UserCounts returns the viewer's advisory notification counters. Counters
// drive a "you have N new mentions" indicator and are not authoritative.
func (s *RedisStore) UserCounts(ctx context.Context, userID uuid.UUID) (Counts, error) {
	mentions, err := s.counter(ctx, mentionKeyPrefix+userID.String())
	if err != nil {
		return Counts{}, err
	}
	alerts, err := s.counter(ctx, alertKeyPrefix+userID.String())
	if err != nil {
		return Counts{}, err
	}
	return Counts{Mentions: mentions, AlertWords: alerts}, nil
}

func (s *RedisStore) counter(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return value, nil
}

// PushNotification enqueues a payload for delivery. Delivery itself is a
// separate consumer's concern.
func (s *RedisStore) PushNotification(ctx context.Context, notification stream.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.client.RPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// RegisterHashtags adds tags to the global hashtag index. Hashtags are only
// ever added, never removed; SADD is idempotent so re-registration on edit
// is harmless.
func (s *RedisStore) RegisterHashtags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	members := make([]any, len(tags))
	for i, tag := range tags {
		members[i] = tag
	}
	if err := s.client.SAdd(ctx, hashtagSetKey, members...).Err(); err != nil {
		return fmt.Errorf("register hashtags: %w", err)
	}
	return nil
}

// Hashtags returns the registered hashtag index.
func (s *RedisStore) Hashtags(ctx context.Context) ([]string, error) {
	tags, err := s.client.SMembers(ctx, hashtagSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list hashtags: %w", err)
	}
	return tags, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Package redis хранит состояние поэтапного включения миграции в Redis:
// время последней попытки пользователя и занятые слоты параллельных миграций
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "clinsync:rollout:"
	slotsKey      = "slots"
	attemptKey    = "attempt:"
	pingTimeout   = 5 * time.Second
)

// acquireScript атомарно занимает слот, если лимит не исчерпан.
// Слоты хранятся в sorted set со временем истечения в качестве score.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// RolloutStore состояние rollout в Redis
type RolloutStore struct {
	client *redis.Client
	prefix string
}

// New подключается к Redis по URL вида redis://host:port/db
func New(redisURL string) (*RolloutStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient создает хранилище поверх готового клиента
func NewWithClient(client *redis.Client) *RolloutStore {
	return &RolloutStore{
		client: client,
		prefix: defaultPrefix,
	}
}

func (s *RolloutStore) key(name string) string {
	return s.prefix + name
}

// LastAttempt время последней попытки миграции, нулевое если попыток не было
func (s *RolloutStore) LastAttempt(ctx context.Context, userID string) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.key(attemptKey+userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last attempt: %w", err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last attempt %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// RecordAttempt запоминает попытку, ключ истекает вместе с окном ожидания
func (s *RolloutStore) RecordAttempt(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(attemptKey+userID), at.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// AcquireSlot занимает слот для пользователя. Слот освобождается явно или истекает через ttl.
func (s *RolloutStore) AcquireSlot(ctx context.Context, userID string, limit int, now time.Time, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(slotsKey)},
		userID,
		limit,
		now.UnixMilli(),
		now.Add(ttl).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	return res == 1, nil
}

// ReleaseSlot освобождает слот пользователя
func (s *RolloutStore) ReleaseSlot(ctx context.Context, userID string) error {
	if err := s.client.ZRem(ctx, s.key(slotsKey), userID).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// ActiveSlots число не истекших слотов
func (s *RolloutStore) ActiveSlots(ctx context.Context, now time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.key(slotsKey), strconv.FormatInt(now.UnixMilli()+1, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return int(n), nil
}

// Ping проверяет доступность Redis
func (s *RolloutStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (s *RolloutStore) Close() error {
	return s.client.Close()
}

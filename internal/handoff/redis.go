package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// RedisStore — handoff в Redis: значения в JSON, срок жизни через EXPIRE,
// Take атомарен (GETDEL).
type RedisStore struct {
	db     *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOptions — параметры подключения.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// OpenRedisStore подключается к Redis и проверяет соединение.
func OpenRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	db := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("проверка подключения к Redis %s: %w", opts.Addr, err)
	}
	return &RedisStore{db: db, ttl: opts.TTL, prefix: opts.Prefix}, nil
}

// Put реализует Store.
func (s *RedisStore) Put(ctx context.Context, key string, md model.Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("сериализация метаданных handoff: %w", err)
	}
	if err := s.db.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("запись handoff %s: %w", key, err)
	}
	return nil
}

// Take реализует Store.
func (s *RedisStore) Take(ctx context.Context, key string) (model.Metadata, error) {
	raw, err := s.db.GetDel(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		observe(ErrNotFound)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("чтение handoff %s: %w", key, err)
	}

	md, err := model.NormalizeMetadata(json.RawMessage(raw))
	if err != nil {
		return nil, fmt.Errorf("разбор handoff %s: %w", key, err)
	}
	observe(nil)
	return md, nil
}

// Ping проверяет доступность Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx).Err()
}

// Close закрывает соединения.
func (s *RedisStore) Close() error {
	return s.db.Close()
}

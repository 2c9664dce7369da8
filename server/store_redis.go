package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"go-lambda-channels/config"
)

// RedisStore keeps connection records in Redis so every instance behind the
// same WebSocket gateway can address them.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to the configured Redis and verifies it answers.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.Addr)
	}
	return NewRedisStoreFromClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "conn:" + id
}

// Save writes conn unless a record for the id already exists.
func (s *RedisStore) Save(ctx context.Context, conn Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return errors.Wrap(err, "encode connection")
	}
	if err := s.client.SetNX(ctx, s.key(conn.ID), data, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis setnx %s", conn.ID)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return errors.Wrapf(err, "redis del %s", id)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (Connection, bool, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Connection{}, false, nil
	}
	if err != nil {
		return Connection{}, false, errors.Wrapf(err, "redis get %s", id)
	}

	var conn Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return Connection{}, false, errors.Wrapf(err, "decode connection %s", id)
	}
	return conn, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

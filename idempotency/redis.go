package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces idempotency keys in redis.
const DefaultKeyPrefix = "walletcore:idempotency:"

// RedisStore shares idempotency keys between wallet processes. Create relies on SETNX so
// exactly one process wins a key.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store on top of an existing client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultKeyPrefix, ttl: ttl}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Get retrieves an existing record by key
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decodeRecord(raw)
}

// Create creates a new pending record
func (s *RedisStore) Create(ctx context.Context, key string) (*Record, error) {
	now := time.Now()
	record := &Record{Key: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	ok, err := s.client.SetNX(ctx, s.redisKey(key), raw, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		existing, getErr := s.Get(ctx, key)
		if getErr != nil {
			return nil, errors.Join(ErrDuplicateKey, getErr)
		}
		return existing, ErrDuplicateKey
	}
	return record, nil
}

// Update updates an existing record, keeping its remaining expiry.
func (s *RedisStore) Update(ctx context.Context, record *Record) error {
	cp := *record
	cp.UpdatedAt = time.Now()
	raw, err := json.Marshal(&cp)
	if err != nil {
		return err
	}

	ok, err := s.client.SetXX(ctx, s.redisKey(record.Key), raw, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setxx %s: %w", record.Key, err)
	}
	if !ok {
		return ErrKeyNotFound
	}
	return nil
}

// Delete removes a record by key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func decodeRecord(raw []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &record, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/redis/go-redis/v9"
)

const redisFlowPrefix = "authfront:flow:"

var _ Storage = (*RedisStorage)(nil)

// RedisStorage keeps encrypted flow snapshots in Redis and lets key expiry
// do the cleanup.
type RedisStorage struct {
	client    redis.UniversalClient
	encryptor crypto.Encryptor
	now       func() time.Time
}

// redisFlowDoc is the JSON value stored under each flow key
type redisFlowDoc struct {
	Kind      string `json:"kind"`
	Data      string `json:"data"` // Encrypted snapshot
	ExpiresAt int64  `json:"expires_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStorage creates flow storage on an existing client
func NewRedisStorage(client redis.UniversalClient, encryptor crypto.Encryptor) (*RedisStorage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	return &RedisStorage{client: client, encryptor: encryptor, now: time.Now}, nil
}

func flowKey(id string) string {
	return redisFlowPrefix + id
}

// SaveFlow encrypts and stores a snapshot with a TTL matching its expiry
func (s *RedisStorage) SaveFlow(ctx context.Context, record *FlowRecord) error {
	encrypted, err := s.encryptor.Encrypt(string(record.Data))
	if err != nil {
		return fmt.Errorf("failed to encrypt flow: %w", err)
	}

	value, err := json.Marshal(redisFlowDoc{
		Kind:      record.Kind,
		Data:      encrypted,
		ExpiresAt: record.ExpiresAt.UnixMilli(),
		UpdatedAt: record.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	var ttl time.Duration
	if !record.ExpiresAt.IsZero() {
		ttl = record.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			// Already expired; make sure no stale copy survives
			return s.DeleteFlow(ctx, record.ID)
		}
	}

	if err := s.client.Set(ctx, flowKey(record.ID), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store flow: %w", err)
	}
	return nil
}

// GetFlow loads and decrypts a snapshot
func (s *RedisStorage) GetFlow(ctx context.Context, id string) (*FlowRecord, error) {
	raw, err := s.client.Get(ctx, flowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	var doc redisFlowDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
	}

	data, err := s.encryptor.Decrypt(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt flow: %w", err)
	}

	record := &FlowRecord{
		ID:        id,
		Kind:      doc.Kind,
		Data:      []byte(data),
		ExpiresAt: time.UnixMilli(doc.ExpiresAt),
		UpdatedAt: time.UnixMilli(doc.UpdatedAt),
	}
	if record.Expired(s.now()) {
		return nil, ErrFlowNotFound
	}
	return record, nil
}

// DeleteFlow removes a snapshot
func (s *RedisStorage) DeleteFlow(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, flowKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// CleanupExpiredFlows is a no-op; Redis expires flow keys on its own.
func (s *RedisStorage) CleanupExpiredFlows(context.Context) (int, error) {
	return 0, nil
}

// Close closes the underlying client
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

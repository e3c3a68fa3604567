package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"

	"github.com/dataprochub/broker/internal/types"
)

const defaultKeyPrefix = "session:"

// redisStore implements the Store interface using Redis
type redisStore struct {
	client    *redis.Client
	keyPrefix string
}

// newRedisClient creates a Redis client from a redis:// URI
func newRedisClient(redisURI string) (*redis.Client, error) {
	if redisURI == "" {
		return nil, errors.New("redis URI is required")
	}

	uri, err := url.Parse(redisURI)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URI: %w", err)
	}

	password := ""
	if uri.User != nil {
		password, _ = uri.User.Password()
	}

	opts := &redis.Options{
		Addr:     uri.Host,
		Password: password,
		DB:       0,
	}

	return redis.NewClient(opts), nil
}

// newRedisStore creates a new Redis-backed handle store
func newRedisStore(client *redis.Client, keyPrefix string) (Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &redisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// formKey creates a Redis key with proper prefix for a session
func (r *redisStore) formKey(session types.SessionID) string {
	return r.keyPrefix + session.String()
}

// PutHandle stores the handle record for a session. Records carry no TTL:
// a handle lives until the session is torn down or the reaper collects it.
func (r *redisStore) PutHandle(ctx context.Context, record Record) error {
	session := record.Handle.Session
	if !session.IsValid() {
		return types.ErrEmptyID
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode handle for session %s: %w", session, err)
	}

	if err := r.client.Set(ctx, r.formKey(session), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store handle for session %s: %w", session, err)
	}
	return nil
}

// GetHandle retrieves the handle record for a session
func (r *redisStore) GetHandle(ctx context.Context, session types.SessionID) (Record, error) {
	data, err := r.client.Get(ctx, r.formKey(session)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get handle for session %s: %w", session, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("failed to decode handle for session %s: %w", session, err)
	}
	return record, nil
}

// DeleteHandle removes the handle record for a session
func (r *redisStore) DeleteHandle(ctx context.Context, session types.SessionID) error {
	if err := r.client.Del(ctx, r.formKey(session)).Err(); err != nil {
		return fmt.Errorf("failed to delete handle for session %s: %w", session, err)
	}
	return nil
}

// ListHandles scans all persisted handle records
func (r *redisStore) ListHandles(ctx context.Context) ([]Record, error) {
	var records []Record

	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				// Deleted between scan and get, skip it.
				continue
			}
			return nil, fmt.Errorf("failed to read handle %s: %w", iter.Val(), err)
		}

		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to decode handle %s: %w", iter.Val(), err)
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan handles: %w", err)
	}

	return records, nil
}

// Close closes the Redis client connection
func (r *redisStore) Close() error {
	return r.client.Close()
}

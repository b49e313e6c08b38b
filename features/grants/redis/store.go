// Package redis provides the Redis-backed permanent grant store.
// Grants live in one hash keyed by permission id; grant expiry stays a
// GrantManager concern so the semantics match the in-memory store.
package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"goa.design/llmos/runtime/security"
)

const defaultKey = "llmos:grants"

type (
	// Options configures the Redis grant store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// Key overrides the default hash key.
		Key string
	}

	// Store implements security.GrantStore on Redis.
	Store struct {
		client *redis.Client
		key    string
	}
)

// New returns a store backed by Redis.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	key := opts.Key
	if key == "" {
		key = defaultKey
	}
	return &Store{client: opts.Client, key: key}, nil
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return "grants-redis" }

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Put stores the grant in the hash field named by its permission id.
func (s *Store) Put(ctx context.Context, g security.Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, g.PermissionID, data).Err()
}

// Get fetches a grant by permission id.
func (s *Store) Get(ctx context.Context, permissionID string) (security.Grant, bool, error) {
	data, err := s.client.HGet(ctx, s.key, permissionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return security.Grant{}, false, nil
	}
	if err != nil {
		return security.Grant{}, false, err
	}
	var g security.Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return security.Grant{}, false, err
	}
	return g, true, nil
}

// Delete removes a grant. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, permissionID string) error {
	return s.client.HDel(ctx, s.key, permissionID).Err()
}

// List returns every stored grant.
func (s *Store) List(ctx context.Context) ([]security.Grant, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]security.Grant, 0, len(fields))
	for _, data := range fields {
		var g security.Grant
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

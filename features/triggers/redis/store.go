// Package redis provides the Redis-backed trigger definition store.
// Each definition is stored as JSON under one key; a companion set
// tracks the known trigger ids so listing avoids SCAN.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"goa.design/llmos/runtime/triggers"
)

const defaultPrefix = "llmos:triggers"

type (
	// Options configures the Redis trigger store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// Prefix namespaces the keys. Defaults to llmos:triggers.
		Prefix string
	}

	// Store implements triggers.Store on Redis.
	Store struct {
		client *redis.Client
		prefix string
	}
)

// New returns a store backed by Redis.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: opts.Client, prefix: prefix}, nil
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return "triggers-redis" }

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(triggerID string) string { return s.prefix + ":def:" + triggerID }

func (s *Store) idsKey() string { return s.prefix + ":ids" }

// Save writes the definition and records its id, atomically.
func (s *Store) Save(ctx context.Context, d *triggers.Definition) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(d.TriggerID), data, 0)
		pipe.SAdd(ctx, s.idsKey(), d.TriggerID)
		return nil
	})
	return err
}

// Get fetches a definition. Missing ids report ok=false.
func (s *Store) Get(ctx context.Context, triggerID string) (*triggers.Definition, bool, error) {
	data, err := s.client.Get(ctx, s.key(triggerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var d triggers.Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

// List returns every definition, ordered by trigger id. Ids whose
// definition key is gone are pruned from the id set.
func (s *Store) List(ctx context.Context) ([]*triggers.Definition, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*triggers.Definition, 0, len(ids))
	for _, id := range ids {
		d, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.client.SRem(ctx, s.idsKey(), id)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Delete removes a definition and its id, atomically. Unknown ids are
// a no-op.
func (s *Store) Delete(ctx context.Context, triggerID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(triggerID))
		pipe.SRem(ctx, s.idsKey(), triggerID)
		return nil
	})
	return err
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps each session as one JSON value and a per-tenant set
// of conversation keys for List. Save uses WATCH/MULTI/EXEC so a
// concurrent writer in another process surfaces as a version conflict.
type redisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func (r *redisStore) key(k Key) string {
	return r.prefix + ":session:" + k.TenantID + ":" + k.ConversationKey
}

func (r *redisStore) indexKey(tenantID string) string {
	return r.prefix + ":sessions:" + tenantID
}

func (r *redisStore) Load(ctx context.Context, key Key) (*Session, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return New(key, r.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return decodeSession(val)
}

func (r *redisStore) Save(ctx context.Context, s *Session) error {
	rk := r.key(s.Key)

	var saved *Session
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var (
			storedVersion int64
			storedHistory []Turn
		)
		val, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			stored, err := decodeSession(val)
			if err != nil {
				return err
			}
			storedVersion = stored.Version
			storedHistory = stored.History
		}

		if s.Version != storedVersion {
			return ErrVersionConflict
		}
		if err := checkExtends(storedHistory, s.History); err != nil {
			return err
		}

		next := s.Clone()
		next.Version++
		next.UpdatedAt = r.now()
		if next.CreatedAt.IsZero() {
			next.CreatedAt = next.UpdatedAt
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, data, r.ttl)
			pipe.SAdd(ctx, r.indexKey(s.TenantID), s.ConversationKey)
			return nil
		})
		if err != nil {
			return err
		}
		saved = next
		return nil
	}, rk)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	s.Version = saved.Version
	s.CreatedAt = saved.CreatedAt
	s.UpdatedAt = saved.UpdatedAt
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key Key) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(key))
		pipe.SRem(ctx, r.indexKey(key.TenantID), key.ConversationKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List reads the tenant index. Entries whose record expired through
// the TTL are pruned from the index as they are found.
func (r *redisStore) List(ctx context.Context, tenantID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.indexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", tenantID, err)
	}

	keys := []string{}
	for _, m := range members {
		n, err := r.client.Exists(ctx, r.key(Key{TenantID: tenantID, ConversationKey: m})).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", tenantID, err)
		}
		if n == 0 {
			r.client.SRem(ctx, r.indexKey(tenantID), m)
			continue
		}
		keys = append(keys, m)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Facts == nil {
		s.Facts = make(map[string]Fact)
	}
	if s.Flags == nil {
		s.Flags = make(map[string]time.Time)
	}
	return &s, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrVersionConflict is returned by Save when the stored record
	// changed since the session was loaded.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrHistoryRewrite is returned by Save when the session's history
	// is not an extension of the stored history.
	ErrHistoryRewrite = errors.New("session history rewrite")

	// ErrInvalidStoreType is returned by NewStore for unknown drivers.
	ErrInvalidStoreType = errors.New("invalid session store type")

	// ErrInvalidConfig is returned by NewStore when a driver is missing
	// a required option.
	ErrInvalidConfig = errors.New("invalid session store configuration")
)

// Store persists sessions as whole records.
type Store interface {
	// Load returns the session for key, or a fresh unsaved session
	// with Version 0 when none exists.
	Load(ctx context.Context, key Key) (*Session, error)

	// Save atomically replaces the stored record. s.Version must equal
	// the stored version (0 for a new session); on success it is
	// incremented in place.
	Save(ctx context.Context, s *Session) error

	// Delete removes the session. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key Key) error

	// List returns the conversation keys stored for a tenant, sorted.
	List(ctx context.Context, tenantID string) ([]string, error)

	Close() error
}

// Type names a storage driver.
type Type string

// Supported drivers.
const (
	TypeMemory Type = "memory"
	TypeSQLite Type = "sqlite"
	TypeRedis  Type = "redis"
)

// Option configures a store built by [NewStore].
type Option func(*storeConfig)

type storeConfig struct {
	sqlitePath   string
	sqliteDriver string
	redisClient  redis.UniversalClient
	redisTTL     time.Duration
	redisPrefix  string
	now          func() time.Time
}

// WithSQLitePath sets the database file for the sqlite driver.
func WithSQLitePath(path string) Option {
	return func(c *storeConfig) {
		c.sqlitePath = path
	}
}

// WithSQLiteDriver selects the database/sql driver name: "sqlite3"
// (mattn, cgo) or "sqlite" (modernc, pure Go). Defaults to "sqlite3".
func WithSQLiteDriver(name string) Option {
	return func(c *storeConfig) {
		c.sqliteDriver = name
	}
}

// WithRedisClient sets the client for the redis driver.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL expires idle sessions after ttl. Zero keeps them until
// deleted.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}

// WithRedisPrefix namespaces redis keys. Defaults to "atende".
func WithRedisPrefix(prefix string) Option {
	return func(c *storeConfig) {
		c.redisPrefix = prefix
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		c.now = now
	}
}

// NewStore builds a store for the given driver.
func NewStore(t Type, opts ...Option) (Store, error) {
	cfg := &storeConfig{
		sqliteDriver: "sqlite3",
		redisPrefix:  "atende",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	switch t {
	case TypeMemory:
		return newMemoryStore(cfg.now), nil
	case TypeSQLite:
		if cfg.sqlitePath == "" {
			return nil, fmt.Errorf("sqlite path: %w", ErrInvalidConfig)
		}
		return newSQLiteStore(cfg.sqliteDriver, cfg.sqlitePath, cfg.now)
	case TypeRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("redis client: %w", ErrInvalidConfig)
		}
		return &redisStore{
			client: cfg.redisClient,
			ttl:    cfg.redisTTL,
			prefix: cfg.redisPrefix,
			now:    cfg.now,
		}, nil
	default:
		return nil, fmt.Errorf("%q: %w", t, ErrInvalidStoreType)
	}
}

// checkExtends verifies that next's history starts with every turn of
// stored, in order.
func checkExtends(stored, next []Turn) error {
	if len(next) < len(stored) {
		return fmt.Errorf("%d stored turns, %d given: %w", len(stored), len(next), ErrHistoryRewrite)
	}
	for i := range stored {
		if stored[i].ID != next[i].ID {
			return fmt.Errorf("turn %d id mismatch: %w", i, ErrHistoryRewrite)
		}
	}
	return nil
}

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// sqliteStore keeps one row per session plus one row per turn. Turns
// are only ever inserted, which keeps Save cost proportional to the
// new turns rather than the whole history.
type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

func newSQLiteStore(driver, path string, now func() time.Time) (*sqliteStore, error) {
	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("sqlite driver %q: %w", driver, ErrInvalidConfig)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; transactions queue on the pool instead of
	// failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, now: now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		tenant_id        TEXT NOT NULL,
		conversation_key TEXT NOT NULL,
		version          INTEGER NOT NULL,
		phase            TEXT NOT NULL DEFAULT '',
		facts            TEXT NOT NULL DEFAULT '{}',
		flags            TEXT NOT NULL DEFAULT '{}',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		PRIMARY KEY (tenant_id, conversation_key)
	);

	CREATE TABLE IF NOT EXISTS turns (
		tenant_id        TEXT NOT NULL,
		conversation_key TEXT NOT NULL,
		seq              INTEGER NOT NULL,
		id               TEXT NOT NULL,
		role             TEXT NOT NULL,
		text             TEXT NOT NULL,
		chunks           TEXT,
		facts            TEXT,
		phase            TEXT NOT NULL DEFAULT '',
		intent           TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		PRIMARY KEY (tenant_id, conversation_key, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Load(ctx context.Context, key Key) (*Session, error) {
	var (
		sess                 = &Session{Key: key}
		facts, flags         string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, phase, facts, flags, created_at, updated_at
		 FROM sessions WHERE tenant_id = ? AND conversation_key = ?`,
		key.TenantID, key.ConversationKey,
	).Scan(&sess.Version, &sess.Phase, &facts, &flags, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return New(key, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(facts), &sess.Facts); err != nil {
		return nil, fmt.Errorf("decode facts %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(flags), &sess.Flags); err != nil {
		return nil, fmt.Errorf("decode flags %s: %w", key, err)
	}
	if sess.Facts == nil {
		sess.Facts = make(map[string]Fact)
	}
	if sess.Flags == nil {
		sess.Flags = make(map[string]time.Time)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	history, err := s.loadTurns(ctx, key)
	if err != nil {
		return nil, err
	}
	sess.History = history
	return sess, nil
}

func (s *sqliteStore) loadTurns(ctx context.Context, key Key) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, chunks, facts, phase, intent, created_at
		 FROM turns WHERE tenant_id = ? AND conversation_key = ?
		 ORDER BY seq`,
		key.TenantID, key.ConversationKey,
	)
	if err != nil {
		return nil, fmt.Errorf("load turns %s: %w", key, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t             Turn
			role, created string
			chunks, facts sql.NullString
		)
		if err := rows.Scan(&t.ID, &role, &t.Text, &chunks, &facts, &t.Phase, &t.Intent, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if chunks.Valid && chunks.String != "" {
			if err := json.Unmarshal([]byte(chunks.String), &t.Chunks); err != nil {
				return nil, fmt.Errorf("decode chunks of turn %s: %w", t.ID, err)
			}
		}
		if facts.Valid && facts.String != "" {
			if err := json.Unmarshal([]byte(facts.String), &t.Facts); err != nil {
				return nil, fmt.Errorf("decode facts of turn %s: %w", t.ID, err)
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *sqliteStore) Save(ctx context.Context, sess *Session) error {
	facts, err := json.Marshal(sess.Facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	flags, err := json.Marshal(sess.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM sessions WHERE tenant_id = ? AND conversation_key = ?`,
		sess.TenantID, sess.ConversationKey,
	).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read version: %w", err)
	}
	if stored != sess.Version {
		return ErrVersionConflict
	}

	storedTurns, err := storedTurnIDs(ctx, tx, sess.Key)
	if err != nil {
		return err
	}
	if err := checkExtends(storedTurns, sess.History); err != nil {
		return err
	}
	count := len(storedTurns)

	now := s.now()
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (tenant_id, conversation_key, version, phase, facts, flags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, conversation_key) DO UPDATE
		 SET version = excluded.version, phase = excluded.phase, facts = excluded.facts,
		     flags = excluded.flags, updated_at = excluded.updated_at`,
		sess.TenantID, sess.ConversationKey, sess.Version+1, sess.Phase,
		string(facts), string(flags),
		createdAt.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for seq := count; seq < len(sess.History); seq++ {
		if err := insertTurn(ctx, tx, sess.Key, seq, sess.History[seq]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	sess.Version++
	sess.CreatedAt = createdAt
	sess.UpdatedAt = now
	return nil
}

// storedTurnIDs returns the key's stored turns in order, carrying only
// their ids.
func storedTurnIDs(ctx context.Context, tx *sql.Tx, key Key) ([]Turn, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM turns WHERE tenant_id = ? AND conversation_key = ? ORDER BY seq`,
		key.TenantID, key.ConversationKey,
	)
	if err != nil {
		return nil, fmt.Errorf("read turn ids: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID); err != nil {
			return nil, fmt.Errorf("scan turn id: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func insertTurn(ctx context.Context, tx *sql.Tx, key Key, seq int, t Turn) error {
	var chunks, facts sql.NullString
	if len(t.Chunks) > 0 {
		b, err := json.Marshal(t.Chunks)
		if err != nil {
			return fmt.Errorf("encode chunks: %w", err)
		}
		chunks = sql.NullString{String: string(b), Valid: true}
	}
	if len(t.Facts) > 0 {
		b, err := json.Marshal(t.Facts)
		if err != nil {
			return fmt.Errorf("encode turn facts: %w", err)
		}
		facts = sql.NullString{String: string(b), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO turns (tenant_id, conversation_key, seq, id, role, text, chunks, facts, phase, intent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.TenantID, key.ConversationKey, seq, t.ID, string(t.Role), t.Text,
		chunks, facts, t.Phase, t.Intent, t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert turn %d: %w", seq, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"turns", "sessions"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE tenant_id = ? AND conversation_key = ?`,
			key.TenantID, key.ConversationKey,
		); err != nil {
			return fmt.Errorf("delete %s %s: %w", table, key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) List(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_key FROM sessions WHERE tenant_id = ? ORDER BY conversation_key`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", tenantID, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

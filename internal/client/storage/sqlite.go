package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    seq     INTEGER PRIMARY KEY AUTOINCREMENT,
    key     TEXT NOT NULL,
    value   TEXT NOT NULL DEFAULT '',
    deleted INTEGER NOT NULL DEFAULT 0,
    writer  TEXT NOT NULL,
    at      INTEGER NOT NULL
);
`

// changeRetention is how long entries stay in the change log. Instances
// polling less often than this miss notifications (but not values).
const changeRetention = time.Minute

// SQLiteStore is a Store backed by a SQLite file that several processes open
// at once. Every write is appended to a change log tagged with the writer's
// instance ID; Watch polls the log and delivers other instances' writes.
type SQLiteStore struct {
	db       *sql.DB
	instance string
	log      *zap.Logger

	mu      sync.Mutex
	subs    subscribers
	lastSeq int64
}

// OpenSQLite opens (creating if needed) the store at path.
func OpenSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		instance: uuid.NewString(),
		log:      log.With(zap.String("component", "sqlite-store")),
	}
	// Only changes made after this instance opened are notifications for it.
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&s.lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("read change log head: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InstanceID identifies this instance's writes in the change log.
func (s *SQLiteStore) InstanceID() string {
	return s.instance
}

// Get implements Store. Read failures are logged and reported as absent.
func (s *SQLiteStore) Get(key string) (string, bool) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		s.log.Error("store read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, true
}

// Set implements Store.
func (s *SQLiteStore) Set(key, value string) error {
	return s.write(key, value, false)
}

// Remove implements Store.
func (s *SQLiteStore) Remove(key string) error {
	return s.write(key, "", true)
}

func (s *SQLiteStore) write(key, value string, deleted bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if deleted {
		res, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
	} else {
		_, err = tx.Exec(`
			INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, key, value)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO changes (key, value, deleted, writer, at) VALUES (?, ?, ?, ?, ?)
	`, key, value, deleted, s.instance, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Keys implements Lister.
func (s *SQLiteStore) Keys(prefix string) []string {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		s.log.Error("store list failed", zap.String("prefix", prefix), zap.Error(err))
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			s.log.Error("store list scan failed", zap.Error(err))
			return keys
		}
		keys = append(keys, k)
	}
	return keys
}

// OnExternalChange implements Store. Notifications arrive from Watch.
func (s *SQLiteStore) OnExternalChange(key string, fn func(Change)) func() {
	s.mu.Lock()
	id := s.subs.add(key, fn)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.subs.remove(key, id)
		s.mu.Unlock()
	}
}

// Watch polls the change log every interval until ctx is done.
func (s *SQLiteStore) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.poll(ctx); err != nil {
					s.log.Error("failed to poll change log", zap.Error(err))
				}
			}
		}
	}()
}

// poll delivers changes written by other instances since the last poll and
// prunes old log entries.
func (s *SQLiteStore) poll(ctx context.Context) error {
	s.mu.Lock()
	since := s.lastSeq
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, key, value, deleted, writer FROM changes WHERE seq > ? ORDER BY seq
	`, since)
	if err != nil {
		return fmt.Errorf("read changes: %w", err)
	}

	type pending struct {
		c   Change
		fns []func(Change)
	}
	var out []pending
	last := since
	for rows.Next() {
		var (
			seq    int64
			c      Change
			writer string
		)
		if err := rows.Scan(&seq, &c.Key, &c.Value, &c.Deleted, &writer); err != nil {
			rows.Close()
			return fmt.Errorf("scan change: %w", err)
		}
		last = seq
		if writer == s.instance {
			continue
		}
		s.mu.Lock()
		fns := s.subs.forKey(c.Key)
		s.mu.Unlock()
		if len(fns) > 0 {
			out = append(out, pending{c, fns})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate changes: %w", err)
	}
	rows.Close()

	s.mu.Lock()
	s.lastSeq = last
	s.mu.Unlock()

	for _, p := range out {
		for _, fn := range p.fns {
			fn(p.c)
		}
	}

	cutoff := time.Now().Add(-changeRetention).UnixNano()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune changes: %w", err)
	}
	return nil
}

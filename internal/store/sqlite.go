package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	sqlite3 "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  id            TEXT PRIMARY KEY,
  queue_name    TEXT NOT NULL DEFAULT 'default',
  data          BLOB NOT NULL,
  visible_after INTEGER NOT NULL,
  retry_count   INTEGER NOT NULL DEFAULT 0,
  created_at    INTEGER NOT NULL
) STRICT;
CREATE INDEX IF NOT EXISTS idx_messages_pop
  ON messages(queue_name, visible_after, created_at);

CREATE TABLE IF NOT EXISTS dlq (
  id         TEXT PRIMARY KEY,
  queue_name TEXT,
  data       BLOB,
  failed_at  INTEGER,
  reason     TEXT
) STRICT;
`

type SQLiteOption func(*SQLiteStore)

// WithSQLiteBusyTimeout sets how long concurrent writers wait for the
// file lock before the operation fails with ErrBusy.
func WithSQLiteBusyTimeout(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// WithSQLiteExternalWakeups watches the database's WAL file so commits
// from other processes wake in-process long polls early. Purely an
// optimization; polling covers the case where events are dropped.
func WithSQLiteExternalWakeups(enabled bool) SQLiteOption {
	return func(s *SQLiteStore) {
		s.watchExternal = enabled
	}
}

type SQLiteStore struct {
	db   *sql.DB
	path string

	busyTimeout   time.Duration
	watchExternal bool

	mu      sync.Mutex
	notify  chan struct{}
	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database file, applies migrations
// and configures write-ahead logging plus a busy timeout.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}
	if dbPath == ":memory:" {
		return nil, errors.New("in-memory database is not supported")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:          db,
		path:        dbPath,
		busyTimeout: 5 * time.Second,
		notify:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if s.watchExternal {
		if err := s.startWALWatcher(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", mapSQLiteError(err))
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous: %w", mapSQLiteError(err))
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", s.busyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", mapSQLiteError(err))
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withWriteTxn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", mapSQLiteError(err))
		}

		var current int
		err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
		hasVersion := true
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sqlite: read schema_version: %w", mapSQLiteError(err))
			}
			hasVersion = false
			current = 0
		}

		if current > sqliteSchemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
		}

		for v := current + 1; v <= sqliteSchemaVersion; v++ {
			switch v {
			case 1:
				if _, err := conn.ExecContext(ctx, sqliteSchemaV1); err != nil {
					return fmt.Errorf("sqlite: migrate v1: %w", mapSQLiteError(err))
				}
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
		}

		if !hasVersion || current != sqliteSchemaVersion {
			if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, sqliteSchemaVersion); err != nil {
				return fmt.Errorf("sqlite: write schema_version: %w", mapSQLiteError(err))
			}
		}
		return nil
	})
}

// withWriteTxn begins an immediate writer transaction at call time,
// commits on clean return and rolls back on every other exit path.
func (s *SQLiteStore) withWriteTxn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapSQLiteError(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return mapSQLiteError(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return mapSQLiteError(err)
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	err := s.withWriteTxn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
INSERT INTO messages (id, queue_name, data, visible_after, retry_count, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`,
			rec.ID, rec.Queue, rec.Data, rec.VisibleAfter, rec.RetryCount, rec.CreatedAt,
		)
		return mapSQLiteError(err)
	})
	if err != nil {
		return err
	}
	s.signal()
	return nil
}

func (s *SQLiteStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := s.withWriteTxn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for i := range recs {
			rec := &recs[i]
			if _, err := conn.ExecContext(ctx, `
INSERT INTO messages (id, queue_name, data, visible_after, retry_count, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`,
				rec.ID, rec.Queue, rec.Data, rec.VisibleAfter, rec.RetryCount, rec.CreatedAt,
			); err != nil {
				return mapSQLiteError(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.signal()
	return nil
}

func (s *SQLiteStore) PopOnce(ctx context.Context, queue string, now, invisibleFor int64, maxRetries int, divertReason string) (*Record, string, error) {
	var rec *Record
	var diverted string

	err := s.withWriteTxn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var row Record
		err := conn.QueryRowContext(ctx, `
SELECT id, queue_name, data, visible_after, retry_count, created_at
FROM messages
WHERE queue_name = ?
  AND visible_after <= ?
ORDER BY visible_after ASC, created_at ASC, id ASC
LIMIT 1;
`, queue, now).Scan(&row.ID, &row.Queue, &row.Data, &row.VisibleAfter, &row.RetryCount, &row.CreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return mapSQLiteError(err)
		}

		if row.RetryCount >= maxRetries {
			if err := moveToDLQSQLite(ctx, conn, row.ID, now, divertReason); err != nil {
				return err
			}
			diverted = row.ID
			return nil
		}

		if _, err := conn.ExecContext(ctx, `
UPDATE messages
SET visible_after = ?, retry_count = retry_count + 1
WHERE id = ?;
`, now+invisibleFor, row.ID); err != nil {
			return mapSQLiteError(err)
		}
		row.RetryCount++
		rec = &row
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return rec, diverted, nil
}

func moveToDLQSQLite(ctx context.Context, conn *sql.Conn, msgID string, now int64, reason string) error {
	if _, err := conn.ExecContext(ctx, `
INSERT INTO dlq (id, queue_name, data, failed_at, reason)
SELECT id, queue_name, data, ?, ?
FROM messages
WHERE id = ?;
`, now, reason, msgID); err != nil {
		return mapSQLiteError(err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, msgID); err != nil {
		return mapSQLiteError(err)
	}
	return nil
}

func (s *SQLiteStore) Peek(ctx context.Context, queue string, now int64) (*Record, error) {
	var row Record
	err := s.db.QueryRowContext(ctx, `
SELECT id, queue_name, data, visible_after, retry_count, created_at
FROM messages
WHERE queue_name = ?
  AND visible_after <= ?
ORDER BY visible_after ASC, created_at ASC, id ASC
LIMIT 1;
`, queue, now).Scan(&row.ID, &row.Queue, &row.Data, &row.VisibleAfter, &row.RetryCount, &row.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapSQLiteError(err)
	}
	return &row, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id)
	return mapSQLiteError(err)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, retryCount, maxRetries int, now int64, reason string) (bool, error) {
	diverted := false
	err := s.withWriteTxn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if retryCount >= maxRetries {
			res, err := conn.ExecContext(ctx, `
INSERT INTO dlq (id, queue_name, data, failed_at, reason)
SELECT id, queue_name, data, ?, ?
FROM messages
WHERE id = ?;
`, now, reason, id)
			if err != nil {
				return mapSQLiteError(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// Row already gone; expected under lease expiry.
				return nil
			}
			if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id); err != nil {
				return mapSQLiteError(err)
			}
			diverted = true
			return nil
		}

		_, err := conn.ExecContext(ctx, `UPDATE messages SET visible_after = ? WHERE id = ?;`, now, id)
		return mapSQLiteError(err)
	})
	if err != nil {
		return false, err
	}
	if !diverted {
		s.signal()
	}
	return diverted, nil
}

func (s *SQLiteStore) Size(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue_name = ?;`, queue).Scan(&n)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return n, nil
}

func (s *SQLiteStore) VisibleSize(ctx context.Context, queue string, now int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages WHERE queue_name = ? AND visible_after <= ?;
`, queue, now).Scan(&n)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return n, nil
}

func (s *SQLiteStore) DLQSize(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq WHERE queue_name = ?;`, queue).Scan(&n)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return n, nil
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, queue string, limit int) ([]DeadRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, queue_name, data, failed_at, reason
FROM dlq
WHERE queue_name = ?
ORDER BY failed_at ASC, id ASC
LIMIT ?;
`, queue, limit)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	defer rows.Close()

	var out []DeadRecord
	for rows.Next() {
		var d DeadRecord
		if err := rows.Scan(&d.ID, &d.Queue, &d.Data, &d.FailedAt, &d.Reason); err != nil {
			return nil, mapSQLiteError(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError(err)
	}
	return out, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, queue string, dlq bool) error {
	return s.withWriteTxn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE queue_name = ?;`, queue); err != nil {
			return mapSQLiteError(err)
		}
		if dlq {
			if _, err := conn.ExecContext(ctx, `DELETE FROM dlq WHERE queue_name = ?;`, queue); err != nil {
				return mapSQLiteError(err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Redrive(ctx context.Context, queue string, now int64) (int, error) {
	moved := 0
	err := s.withWriteTxn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
INSERT INTO messages (id, queue_name, data, visible_after, retry_count, created_at)
SELECT id, queue_name, data, ?, 0, ?
FROM dlq
WHERE queue_name = ?;
`, now, now, queue)
		if err != nil {
			return mapSQLiteError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		moved = int(n)
		if _, err := conn.ExecContext(ctx, `DELETE FROM dlq WHERE queue_name = ?;`, queue); err != nil {
			return mapSQLiteError(err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		s.signal()
	}
	return moved, nil
}

func (s *SQLiteStore) Wakeup() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *SQLiteStore) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}

// startWALWatcher signals waiters whenever another process appends to
// the WAL. In-process writers already signal directly; the watcher only
// narrows the window for external ones.
func (s *SQLiteStore) startWALWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sqlite: wal watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("sqlite: watch %s: %w", dir, err)
	}
	s.watcher = w

	base := filepath.Base(s.path)
	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if name != base && name != base+"-wal" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.signal()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (s *SQLiteStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	return s.db.Close()
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite3.Error
	if errors.As(err, &se) {
		// Extended result codes carry the base code in the low byte.
		switch se.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return fmt.Errorf("%w: %v", ErrBusy, err)
		case 11, 26: // SQLITE_CORRUPT, SQLITE_NOTADB
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		case 19: // SQLITE_CONSTRAINT
			return fmt.Errorf("%w: %v", ErrIDTaken, err)
		}
	}
	return err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
  id            TEXT PRIMARY KEY,
  queue_name    TEXT NOT NULL DEFAULT 'default',
  data          BYTEA NOT NULL,
  visible_after BIGINT NOT NULL,
  retry_count   INTEGER NOT NULL DEFAULT 0,
  created_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_pop
  ON messages(queue_name, visible_after, created_at);

CREATE TABLE IF NOT EXISTS dlq (
  id         TEXT PRIMARY KEY,
  queue_name TEXT,
  data       BYTEA,
  failed_at  BIGINT,
  reason     TEXT
);
`

type PostgresOption func(*PostgresStore)

// WithPostgresLockTimeout bounds how long a writer waits for row locks
// before the operation fails with ErrBusy.
func WithPostgresLockTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// PostgresStore implements the same contract as the SQLite backend on a
// shared server. Leasing relies on FOR UPDATE SKIP LOCKED instead of the
// file-level writer reservation.
type PostgresStore struct {
	db *sql.DB

	lockTimeout time.Duration

	mu     sync.Mutex
	notify chan struct{}
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{
		db:          db,
		lockTimeout: 5 * time.Second,
		notify:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init() error {
	ctx := context.Background()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", mapPostgresError(err))
	}
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: schema: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) withWriteTxn(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPostgresError(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms';", s.lockTimeout.Milliseconds())); err != nil {
		return mapPostgresError(err)
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapPostgresError(err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	err := s.withWriteTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, queue_name, data, visible_after, retry_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`,
			rec.ID, rec.Queue, rec.Data, rec.VisibleAfter, rec.RetryCount, rec.CreatedAt,
		)
		return mapPostgresError(err)
	})
	if err != nil {
		return err
	}
	s.signal()
	return nil
}

func (s *PostgresStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := s.withWriteTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i := range recs {
			rec := &recs[i]
			if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, queue_name, data, visible_after, retry_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`,
				rec.ID, rec.Queue, rec.Data, rec.VisibleAfter, rec.RetryCount, rec.CreatedAt,
			); err != nil {
				return mapPostgresError(err)
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

func (s *PostgresStore) PopOnce(ctx context.Context, queue string, now, invisibleFor int64, maxRetries int, divertReason string) (*Record, string, error) {
	var rec *Record
	var diverted string

	err := s.withWriteTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var row Record
		err := tx.QueryRowContext(ctx, `
SELECT id, queue_name, data, visible_after, retry_count, created_at
FROM messages
WHERE queue_name = $1
  AND visible_after <= $2
ORDER BY visible_after ASC, created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED;
`, queue, now).Scan(&row.ID, &row.Queue, &row.Data, &row.VisibleAfter, &row.RetryCount, &row.CreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return mapPostgresError(err)
		}

		if row.RetryCount >= maxRetries {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO dlq (id, queue_name, data, failed_at, reason)
SELECT id, queue_name, data, $1, $2
FROM messages
WHERE id = $3;
`, now, divertReason, row.ID); err != nil {
				return mapPostgresError(err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1;`, row.ID); err != nil {
				return mapPostgresError(err)
			}
			diverted = row.ID
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE messages
SET visible_after = $1, retry_count = retry_count + 1
WHERE id = $2;
`, now+invisibleFor, row.ID); err != nil {
			return mapPostgresError(err)
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

func (s *PostgresStore) Peek(ctx context.Context, queue string, now int64) (*Record, error) {
	var row Record
	err := s.db.QueryRowContext(ctx, `
SELECT id, queue_name, data, visible_after, retry_count, created_at
FROM messages
WHERE queue_name = $1
  AND visible_after <= $2
ORDER BY visible_after ASC, created_at ASC, id ASC
LIMIT 1;
`, queue, now).Scan(&row.ID, &row.Queue, &row.Data, &row.VisibleAfter, &row.RetryCount, &row.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPostgresError(err)
	}
	return &row, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1;`, id)
	return mapPostgresError(err)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, retryCount, maxRetries int, now int64, reason string) (bool, error) {
	diverted := false
	err := s.withWriteTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if retryCount >= maxRetries {
			res, err := tx.ExecContext(ctx, `
INSERT INTO dlq (id, queue_name, data, failed_at, reason)
SELECT id, queue_name, data, $1, $2
FROM messages
WHERE id = $3;
`, now, reason, id)
			if err != nil {
				return mapPostgresError(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1;`, id); err != nil {
				return mapPostgresError(err)
			}
			diverted = true
			return nil
		}

		_, err := tx.ExecContext(ctx, `UPDATE messages SET visible_after = $1 WHERE id = $2;`, now, id)
		return mapPostgresError(err)
	})
	if err != nil {
		return false, err
	}
	if !diverted {
		s.signal()
	}
	return diverted, nil
}

func (s *PostgresStore) Size(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue_name = $1;`, queue).Scan(&n)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return n, nil
}

func (s *PostgresStore) VisibleSize(ctx context.Context, queue string, now int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages WHERE queue_name = $1 AND visible_after <= $2;
`, queue, now).Scan(&n)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return n, nil
}

func (s *PostgresStore) DLQSize(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq WHERE queue_name = $1;`, queue).Scan(&n)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return n, nil
}

func (s *PostgresStore) ListDLQ(ctx context.Context, queue string, limit int) ([]DeadRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, queue_name, data, failed_at, reason
FROM dlq
WHERE queue_name = $1
ORDER BY failed_at ASC, id ASC
LIMIT $2;
`, queue, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var out []DeadRecord
	for rows.Next() {
		var d DeadRecord
		if err := rows.Scan(&d.ID, &d.Queue, &d.Data, &d.FailedAt, &d.Reason); err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return out, nil
}

func (s *PostgresStore) Clear(ctx context.Context, queue string, dlq bool) error {
	return s.withWriteTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE queue_name = $1;`, queue); err != nil {
			return mapPostgresError(err)
		}
		if dlq {
			if _, err := tx.ExecContext(ctx, `DELETE FROM dlq WHERE queue_name = $1;`, queue); err != nil {
				return mapPostgresError(err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Redrive(ctx context.Context, queue string, now int64) (int, error) {
	moved := 0
	err := s.withWriteTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, queue_name, data, visible_after, retry_count, created_at)
SELECT id, queue_name, data, $1, 0, $2
FROM dlq
WHERE queue_name = $3;
`, now, now, queue)
		if err != nil {
			return mapPostgresError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		moved = int(n)
		if _, err := tx.ExecContext(ctx, `DELETE FROM dlq WHERE queue_name = $1;`, queue); err != nil {
			return mapPostgresError(err)
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

func (s *PostgresStore) Wakeup() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *PostgresStore) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrIDTaken, err)
		case "55P03", "40001", "40P01": // lock_not_available, serialization, deadlock
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return err
}

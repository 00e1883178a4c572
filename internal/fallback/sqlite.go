package fallback

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-notify/internal/observability"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists entries in a local SQLite file. Times are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	applyPragmas(ctx, db, observability.Component("fallback").WithField("path", path))

	schema, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// applyPragmas tunes the connection. Failures are logged and the store stays
// usable with SQLite defaults.
func applyPragmas(ctx context.Context, db *sql.DB, logger *logrus.Entry) {
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		logger.WithError(err).Warn("Failed to set SQLite busy timeout")
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		logger.WithError(err).Warn("Failed to enable SQLite WAL journal")
	} else if !strings.EqualFold(mode, "wal") {
		logger.WithField("journal_mode", mode).Warn("SQLite WAL journal not available")
	}

	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL"); err != nil {
		logger.WithError(err).Warn("Failed to set SQLite synchronous mode")
	}
}

const sqliteColumns = `id, routing_key, message, enqueued_at, retry_count, max_retries, next_attempt_at, last_error, status, locked_until`

func (s *SQLiteStore) Create(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fallback_queue(`+sqliteColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RoutingKey, e.Message, e.EnqueuedAt.UnixMilli(), e.RetryCount, e.MaxRetries,
		e.NextAttemptAt.UnixMilli(), nullStr(e.LastError), string(e.Status), nullMillis(e.LockedUntil),
	)
	if err != nil {
		return fmt.Errorf("inserting fallback entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM fallback_queue WHERE id = ?`, id)
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nowMS := now.UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM fallback_queue
		 WHERE (status = 'pending' AND next_attempt_at <= ?)
		    OR (status = 'processing' AND locked_until <= ?)
		 ORDER BY next_attempt_at, enqueued_at
		 LIMIT ?`,
		nowMS, nowMS, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting due entries: %w", err)
	}

	var claimed []Entry
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lockedUntil := now.Add(lease)
	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE fallback_queue SET status = 'processing', locked_until = ? WHERE id = ?`,
			lockedUntil.UnixMilli(), claimed[i].ID,
		); err != nil {
			return nil, fmt.Errorf("leasing entry %s: %w", claimed[i].ID, err)
		}
		claimed[i].Status = StatusProcessing
		claimed[i].LockedUntil = time.UnixMilli(lockedUntil.UnixMilli())
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM fallback_queue WHERE id = ?`, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, lastErr string, nextAttemptAt time.Time) error {
	return s.execOne(ctx,
		`UPDATE fallback_queue
		 SET retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?, status = 'pending', locked_until = NULL
		 WHERE id = ?`,
		nullStr(lastErr), nextAttemptAt.UnixMilli(), id,
	)
}

func (s *SQLiteStore) Bury(ctx context.Context, id string, lastErr string) error {
	return s.execOne(ctx,
		`UPDATE fallback_queue
		 SET retry_count = retry_count + 1, last_error = ?, status = 'dead', locked_until = NULL
		 WHERE id = ?`,
		nullStr(lastErr), id,
	)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM fallback_queue GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.add(Status(status), n)
	}
	return st, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Entry, error) {
	var (
		e           Entry
		enqueuedAt  int64
		nextAttempt int64
		lastErr     sql.NullString
		status      string
		lockedUntil sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.RoutingKey, &e.Message, &enqueuedAt, &e.RetryCount, &e.MaxRetries,
		&nextAttempt, &lastErr, &status, &lockedUntil); err != nil {
		return Entry{}, err
	}
	e.EnqueuedAt = time.UnixMilli(enqueuedAt)
	e.NextAttemptAt = time.UnixMilli(nextAttempt)
	e.LastError = lastErr.String
	e.Status = Status(status)
	if lockedUntil.Valid {
		e.LockedUntil = time.UnixMilli(lockedUntil.Int64)
	}
	return e, nil
}

func (st *Stats) add(status Status, n int64) {
	switch status {
	case StatusPending:
		st.Pending += n
	case StatusProcessing:
		st.Processing += n
	case StatusDead:
		st.Dead += n
	}
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

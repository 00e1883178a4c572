package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in Postgres. Claim uses FOR UPDATE SKIP
// LOCKED so several workers can share one table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	schema, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

const pgColumns = `id, routing_key, message, enqueued_at, retry_count, max_retries, next_attempt_at, last_error, status, locked_until`

func (s *PostgresStore) Create(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fallback_queue (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.RoutingKey, e.Message, e.EnqueuedAt, e.RetryCount, e.MaxRetries,
		e.NextAttemptAt, nullStr(e.LastError), string(e.Status), nullTime(e.LockedUntil))
	if err != nil {
		return fmt.Errorf("inserting fallback entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM fallback_queue WHERE id = $1`, id)
	e, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE fallback_queue SET status = 'processing', locked_until = $2
		WHERE id IN (
			SELECT id FROM fallback_queue
			WHERE (status = 'pending' AND next_attempt_at <= $1)
			   OR (status = 'processing' AND locked_until <= $1)
			ORDER BY next_attempt_at, enqueued_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming due entries: %w", err)
	}
	defer rows.Close()

	var claimed []Entry
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, e)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) Complete(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM fallback_queue WHERE id = $1`, id)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, lastErr string, nextAttemptAt time.Time) error {
	return s.execOne(ctx, `
		UPDATE fallback_queue
		SET retry_count = retry_count + 1, last_error = $2, next_attempt_at = $3, status = 'pending', locked_until = NULL
		WHERE id = $1
	`, id, nullStr(lastErr), nextAttemptAt)
}

func (s *PostgresStore) Bury(ctx context.Context, id string, lastErr string) error {
	return s.execOne(ctx, `
		UPDATE fallback_queue
		SET retry_count = retry_count + 1, last_error = $2, status = 'dead', locked_until = NULL
		WHERE id = $1
	`, id, nullStr(lastErr))
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM fallback_queue GROUP BY status`)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgres(row pgx.Row) (Entry, error) {
	var (
		e           Entry
		lastErr     *string
		status      string
		lockedUntil *time.Time
	)
	if err := row.Scan(&e.ID, &e.RoutingKey, &e.Message, &e.EnqueuedAt, &e.RetryCount, &e.MaxRetries,
		&e.NextAttemptAt, &lastErr, &status, &lockedUntil); err != nil {
		return Entry{}, err
	}
	if lastErr != nil {
		e.LastError = *lastErr
	}
	e.Status = Status(status)
	if lockedUntil != nil {
		e.LockedUntil = *lockedUntil
	}
	return e, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

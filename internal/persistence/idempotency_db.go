package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresIdempotencyChecker is tier 2 of command deduplication, backed by
// event_log.idempotency_keys.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether the command key was recorded before.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, command, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.idempotency_keys
		WHERE command = $1 AND idempotency_key = $2`,
		command, idempotencyKey,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record stores a processed command key. Recording twice is a no-op.
func (pic *PostgresIdempotencyChecker) Record(ctx context.Context, command, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	_, err := pic.db.ExecContext(ctx, `
		INSERT INTO event_log.idempotency_keys (command, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		command, idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("record %s:%s: %w", command, idempotencyKey, err)
	}
	return nil
}

// RecentKeys returns up to limit composite "command:key" entries, oldest
// first, for warming the in-memory tier on startup.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT command, idempotency_key FROM (
			SELECT command, idempotency_key, processed_at
			FROM event_log.idempotency_keys
			ORDER BY processed_at DESC
			LIMIT $1
		) recent
		ORDER BY processed_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var command, key string
		if err := rows.Scan(&command, &key); err != nil {
			return nil, err
		}
		keys = append(keys, command+":"+key)
	}
	return keys, rows.Err()
}

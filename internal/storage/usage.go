package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// IncrementUsage bumps the counter for key if it is below limit. The
// conditional upsert makes check-and-increment a single statement, so two
// concurrent requests cannot both take the last slot.
func (db *DB) IncrementUsage(ctx context.Context, key model.UsageKey, limit int) (int, bool, error) {
	if limit <= 0 {
		count, err := db.GetUsage(ctx, key)
		return count, false, err
	}
	period := model.DayStart(key.Period)
	var count int
	err := db.pool.QueryRow(ctx,
		`INSERT INTO usage_limits
		   (identifier, identifier_type, resource_type, period_start, period_end, usage_count, limit_max)
		 VALUES ($1, $2, $3, $4, $5, 1, $6)
		 ON CONFLICT (identifier, identifier_type, resource_type, period_start) DO UPDATE SET
		   usage_count = usage_limits.usage_count + 1,
		   limit_max = EXCLUDED.limit_max,
		   updated_at = now()
		 WHERE usage_limits.usage_count < EXCLUDED.limit_max
		 RETURNING usage_count`,
		key.Identifier, string(key.Kind), key.Resource, period, key.PeriodEnd(), limit,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		// The WHERE clause rejected the update: the limit is already reached.
		current, err := db.GetUsage(ctx, key)
		if err != nil {
			return 0, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: increment usage: %w", err)
	}
	return count, true, nil
}

// GetUsage returns the current count, zero when no row exists.
func (db *DB) GetUsage(ctx context.Context, key model.UsageKey) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT usage_count FROM usage_limits
		 WHERE identifier = $1 AND identifier_type = $2 AND resource_type = $3 AND period_start = $4`,
		key.Identifier, string(key.Kind), key.Resource, model.DayStart(key.Period),
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: get usage: %w", err)
	}
	return count, nil
}

// ResetUsage deletes the counter for key.
func (db *DB) ResetUsage(ctx context.Context, key model.UsageKey) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM usage_limits
		 WHERE identifier = $1 AND identifier_type = $2 AND resource_type = $3 AND period_start = $4`,
		key.Identifier, string(key.Kind), key.Resource, model.DayStart(key.Period),
	)
	if err != nil {
		return fmt.Errorf("storage: reset usage: %w", err)
	}
	return nil
}

// PurgeUsage deletes counters whose period ended before cutoff and
// returns how many rows were removed.
func (db *DB) PurgeUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM usage_limits WHERE period_end < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: purge usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

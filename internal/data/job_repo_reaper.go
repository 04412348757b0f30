package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veridoc/veridoc/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
const (
	advisoryLockReaperMajor         = 2100
	advisoryLockReaperFailSubmitted = 1 // minor key for FailStaleSubmitted
	advisoryLockReaperDeleteExpired = 2 // minor key for DeleteExpired
)

// FailStaleSubmitted marks submitted jobs nothing claimed within maxAge as
// failed. Processes up to batchSize jobs per call to prevent long locks and
// I/O spikes. Uses advisory locks so concurrent reaper instances skip
// instead of stacking.
func (r *JobRepo) FailStaleSubmitted(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if maxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperFailSubmitted).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			cutoffTime := currentTime.Add(-maxAge)

			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'failed',
					last_error = 'job timed out waiting for dispatch',
					completed_at = $1,
					updated_at = $1
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = 'submitted'
					  AND submitted_at < $2
					ORDER BY submitted_at
					LIMIT $3
				)
			`, currentTime.UTC(), cutoffTime.UTC(), batchSize)
			if err != nil {
				return fmt.Errorf("fail stale submitted jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// DeleteExpired removes terminal jobs whose per-job TTL has elapsed. Review
// tasks go with them via ON DELETE CASCADE. Jobs with a zero TTL are kept
// until an operator removes them.
func (r *JobRepo) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperDeleteExpired).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()

			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status IN ('completed', 'failed')
					  AND ttl_seconds > 0
					  AND COALESCE(completed_at, updated_at) + make_interval(secs => ttl_seconds) < $1
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $2
				)
			`, currentTime, batchSize)
			if err != nil {
				return fmt.Errorf("delete expired jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// RequeueExpiredClaims returns abandoned processing jobs to the queue. The
// dispatcher runs the same sweep before each claim; this entry point lets the
// reaper cover idle periods.
func (r *JobRepo) RequeueExpiredClaims(ctx context.Context) (int64, error) {
	return r.requeueExpired(ctx)
}

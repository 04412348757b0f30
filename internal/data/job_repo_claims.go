package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/veridoc/veridoc/internal/errors"

	"github.com/veridoc/veridoc/internal/data/pgxutil"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/model"
)

// SQL used by ClaimNext to atomically claim the next submitted job.
// Priority classes first, FIFO on submission time within a class.
const claimNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE status = 'submitted' AND submitted_at <= $1
    ORDER BY priority DESC, submitted_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'processing',
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $4
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.dedup_key, j.document_ref, j.document_class, j.status, j.priority, j.page_count, j.confidence_score, j.assigned_worker_id, j.result_ref, j.retry_count, j.max_retries, j.last_error, j.ttl_seconds, j.submitted_at, j.started_at, j.completed_at, j.lease_expires_at, j.created_at, j.updated_at`

// Advisory lock namespace for the expired-claim sweep so concurrent
// dispatchers do not stack sweeps.
const advisoryLockSweepMajor int64 = 2101

func advisoryLockSweepMinor(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

const expiredLeaseError = "claim lease expired"

// requeueExpired returns abandoned processing jobs to the queue and returns
// the number of rows touched. Jobs whose lease lapsed with the retry budget
// already spent fail terminally instead of going back on the queue.
func (r *JobRepo) requeueExpired(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockSweepMinor("requeue_expired_claims")
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockSweepMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET
            retry_count = retry_count + 1,
            status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'submitted' END,
            completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $1::timestamptz ELSE NULL END,
            last_error = $2,
            lease_expires_at = NULL,
            assigned_worker_id = NULL,
            updated_at = $1
          WHERE status = 'processing'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $1
        `, currentTime, expiredLeaseError)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra

			if rowsAffected > 0 {
				if _, notifyErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, '')`, string(domainjob.TopicSubmitted)); notifyErr != nil {
					return fmt.Errorf("notify requeued jobs: %w", notifyErr)
				}
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// ClaimNext atomically claims the oldest eligible submitted job and moves it
// to processing under a lease. Returns model.ErrNoJobsAvailable when the
// queue is empty.
func (r *JobRepo) ClaimNext(ctx context.Context, leaseSeconds int) (*model.Job, error) {
	if leaseSeconds <= 0 {
		return nil, apperrors.Validation("leaseSeconds must be positive")
	}

	if _, err := r.requeueExpired(ctx); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("requeue expired claims: %w", err))
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				claimNextUpdateSQL,
				currentTime.UTC(),
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
				currentTime.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("claim job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Heartbeat refreshes the lease on a processing job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, apperrors.Validation("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("heartbeat job: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// AssignWorker records which worker holds a processing job.
func (r *JobRepo) AssignWorker(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET assigned_worker_id = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, jobID, workerID, r.timeProvider.Now().UTC())
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("assign worker: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign worker rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// WaitForNotification blocks until the store signals activity on a topic.
func (r *JobRepo) WaitForNotification(ctx context.Context, topic domainjob.Topic) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := string(topic)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/veridoc/veridoc/internal/errors"

	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/data/pgxutil"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/lifecycle"
	"github.com/veridoc/veridoc/internal/domain/model"
)

// Finalize completes a job with a trusted result. The update is guarded on
// the caller's expected source states so a racing settlement path loses
// cleanly with false.
func (r *JobRepo) Finalize(ctx context.Context, params core.FinalizeParams) (bool, error) {
	from := params.From
	if len(from) == 0 {
		from = lifecycle.SourceStates(lifecycle.TransitionFinalize)
	}
	for _, s := range from {
		if _, err := lifecycle.Resolve(s, lifecycle.TransitionFinalize); err != nil {
			return false, apperrors.Validation(err.Error())
		}
	}

	currentTime := r.timeProvider.Now().UTC()
	query := `
		UPDATE jobs
		SET status = 'completed',
		    result_ref = COALESCE(NULLIF($2, ''), result_ref),
		    confidence_score = COALESCE(confidence_score, $3),
		    completed_at = $4,
		    updated_at = $4,
		    lease_expires_at = NULL,
		    assigned_worker_id = NULL,
		    last_error = NULL
		WHERE id = $1 AND status IN (` + statusList(from) + `)
	`

	res, err := r.DB.ExecContext(ctx, query, params.JobID, params.ResultRef, params.Confidence, currentTime)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("finalize job: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// RouteToReview parks a low-confidence result for tier-1 review. The score
// and preliminary result travel with the job so reviewers and the consensus
// settlement see what the model produced.
func (r *JobRepo) RouteToReview(ctx context.Context, params core.RouteToReviewParams) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	query := `
		UPDATE jobs
		SET status = 'awaiting_review',
		    confidence_score = $2,
		    result_ref = $3,
		    updated_at = $4,
		    lease_expires_at = NULL,
		    assigned_worker_id = NULL
		WHERE id = $1 AND status IN (` + statusGuard(lifecycle.TransitionRouteReview) + `)
	`

	res, err := r.DB.ExecContext(ctx, query, params.JobID, params.Confidence, params.ResultRef, currentTime)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("route job to review: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("route to review rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Requeue absorbs a recoverable worker failure: the job goes back to the
// queue with an incremented retry count, or fails terminally once the budget
// is spent. The returned result says which happened.
func (r *JobRepo) Requeue(ctx context.Context, id, errMsg string) (*core.RequeueResult, error) {
	requeueDelay := r.requeueDelay()
	currentTime := r.timeProvider.Now()
	retrySubmittedAt := currentTime.Add(time.Duration(requeueDelay) * time.Second)

	query := `
      UPDATE jobs
      SET
        last_error = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'submitted' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
        submitted_at = CASE WHEN retry_count + 1 >= max_retries THEN submitted_at
                            ELSE $4::timestamptz END,
        lease_expires_at = NULL,
        assigned_worker_id = NULL,
        updated_at = $3
      WHERE id = $1 AND status IN (` + statusGuard(lifecycle.TransitionRequeue) + `)
      RETURNING ` + jobColumns

	var result *core.RequeueResult
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, query, id, errMsg, currentTime.UTC(), retrySubmittedAt.UTC())
			if qerr != nil {
				return fmt.Errorf("requeue job: %w", qerr)
			}
			job, cerr := collectJobFromRows(rows)
			rows.Close()
			if errors.Is(cerr, pgx.ErrNoRows) {
				return pgx.ErrNoRows
			}
			if cerr != nil {
				return fmt.Errorf("collect requeued job: %w", cerr)
			}

			result = &core.RequeueResult{
				Job:       job,
				Requeued:  job.Status == model.JobStatusSubmitted,
				Exhausted: job.Status == model.JobStatusFailed,
			}

			if result.Requeued {
				return notifyTopic(ctx, tx, domainjob.TopicSubmitted, job.ID)
			}
			return nil
		},
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Conflict("job is not processing")
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return result, nil
}

// ReturnToQueue releases a claimed job back to submitted with its retry
// count untouched. This is the capacity path: the dispatcher claimed the job
// but no worker turned up within the acquire bound, so the job waits out the
// cold start instead of burning retries toward terminal failure.
func (r *JobRepo) ReturnToQueue(ctx context.Context, id, reason string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	query := `
		UPDATE jobs
		SET status = 'submitted',
		    last_error = $2,
		    lease_expires_at = NULL,
		    assigned_worker_id = NULL,
		    updated_at = $3
		WHERE id = $1 AND status IN (` + statusGuard(lifecycle.TransitionRequeue) + `)
	`

	var updated bool
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, execErr := tx.Exec(ctx, query, id, reason, currentTime)
			if execErr != nil {
				return fmt.Errorf("return job to queue: %w", execErr)
			}
			updated = tag.RowsAffected() > 0
			if updated {
				return notifyTopic(ctx, tx, domainjob.TopicSubmitted, id)
			}
			return nil
		},
	})
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return updated, nil
}

// Escalate hands a disputed review to the tier-2 expert.
func (r *JobRepo) Escalate(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'escalated',
		    updated_at = $2
		WHERE id = $1 AND status IN (`+statusGuard(lifecycle.TransitionEscalate)+`)
	`, id, currentTime)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("escalate job: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("escalate rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// FailTerminal marks a job failed with no further retries.
func (r *JobRepo) FailTerminal(ctx context.Context, id, errMsg string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    completed_at = $3,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    assigned_worker_id = NULL
		WHERE id = $1 AND status IN (`+statusGuard(lifecycle.TransitionFail)+`)
	`, id, errMsg, currentTime)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("fail job: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Cancel aborts a job before completion and returns the updated record.
// Terminal jobs report a conflict; the stored outcome stands.
func (r *JobRepo) Cancel(ctx context.Context, id string) (*model.Job, error) {
	currentTime := r.timeProvider.Now().UTC()
	// Voiding the job's unvoted review tasks rides the same statement so a
	// cancel that wins the transition never leaves reviewers holding open work.
	query := `
		WITH canceled AS (
			UPDATE jobs
			SET status = 'failed',
			    last_error = 'canceled',
			    completed_at = $2,
			    updated_at = $2,
			    lease_expires_at = NULL,
			    assigned_worker_id = NULL
			WHERE id = $1 AND status IN (` + statusGuard(lifecycle.TransitionCancel) + `)
			RETURNING ` + jobColumns + `
		), voided AS (
			UPDATE review_tasks
			SET voided = TRUE
			WHERE job_id = $1 AND vote IS NULL AND voided = FALSE
			  AND EXISTS (SELECT 1 FROM canceled)
		)
		SELECT ` + jobColumns + ` FROM canceled`

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, query, id, currentTime)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		job, qerr = collectJobFromRows(rows)
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Conflict(fmt.Sprintf("job is already %s", existing.Status))
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("cancel job: %w", err))
	}
	return job, nil
}

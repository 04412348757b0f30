package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/veridoc/veridoc/internal/errors"

	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/data/pgxutil"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/model"
)

// ReviewRepo provides database operations for review tasks. Votes are
// append-once: a task's vote column is written at most one time, ever, and
// every write is conditional on it still being open.
type ReviewRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// ReviewRepoConfig holds configuration options for the review repository.
type ReviewRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewReviewRepo creates a new ReviewRepo instance.
func NewReviewRepo(db *sql.DB, cfg ReviewRepoConfig) *ReviewRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ReviewRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const reviewTaskColumns = `
  id,
  job_id,
  tier,
  reviewer_slot,
  vote,
  submitted_at,
  deadline,
  voided,
  created_at
`

// CreateQuorum creates the fixed tier-1 batch for a job in one transaction.
// A second call for the same job hits the per-job-tier-slot unique index and
// reports a conflict, so a racing duplicate routing never doubles the batch.
func (r *ReviewRepo) CreateQuorum(ctx context.Context, params core.CreateQuorumParams) ([]model.ReviewTask, error) {
	if strings.TrimSpace(params.JobID) == "" {
		return nil, apperrors.Validation("job id is required")
	}
	if params.Quorum <= 0 {
		return nil, apperrors.Validation("quorum must be positive")
	}
	if params.Deadline.IsZero() {
		return nil, apperrors.Validation("deadline is required")
	}

	tasks := make([]model.ReviewTask, 0, params.Quorum)
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			for slot := 1; slot <= params.Quorum; slot++ {
				rows, err := tx.Query(ctx, `
				  INSERT INTO review_tasks(id, job_id, tier, reviewer_slot, deadline)
				  VALUES ($1, $2, $3, $4, $5)
				  RETURNING `+reviewTaskColumns,
					uuid.NewString(),
					params.JobID,
					int(model.ReviewTierQuorum),
					slot,
					params.Deadline.UTC(),
				)
				if err != nil {
					return fmt.Errorf("insert review task: %w", err)
				}
				task, collectErr := collectReviewTaskFromRows(rows)
				rows.Close()
				if collectErr != nil {
					return fmt.Errorf("collect review task: %w", collectErr)
				}
				tasks = append(tasks, *task)
			}
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return tasks, nil
}

// CreateExpert creates the single tier-2 task for an escalated job.
func (r *ReviewRepo) CreateExpert(ctx context.Context, jobID string, deadline time.Time) (*model.ReviewTask, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, apperrors.Validation("job id is required")
	}
	if deadline.IsZero() {
		return nil, apperrors.Validation("deadline is required")
	}

	var task *model.ReviewTask
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
		  INSERT INTO review_tasks(id, job_id, tier, reviewer_slot, deadline)
		  VALUES ($1, $2, $3, 1, $4)
		  RETURNING `+reviewTaskColumns,
			uuid.NewString(),
			jobID,
			int(model.ReviewTierExpert),
			deadline.UTC(),
		)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		task, qerr = collectReviewTaskFromRows(rows)
		return qerr
	})
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("create expert task: %w", err))
	}
	return task, nil
}

// RecordVote records a vote for an open task. The write is conditional on
// vote IS NULL so the first submission wins; a duplicate or concurrent
// resubmission reads back the stored task and reports Duplicate.
func (r *ReviewRepo) RecordVote(ctx context.Context, taskID, vote string) (*core.RecordVoteResult, error) {
	if err := model.ValidateVote(vote); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	currentTime := r.timeProvider.Now().UTC()

	var task *model.ReviewTask
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `
			  UPDATE review_tasks
			  SET vote = $2,
			      submitted_at = $3
			  WHERE id = $1
			    AND vote IS NULL
			    AND voided = FALSE
			    AND deadline > $3
			  RETURNING `+reviewTaskColumns,
				taskID, vote, currentTime)
			if qerr != nil {
				return fmt.Errorf("record vote: %w", qerr)
			}
			t, cerr := collectReviewTaskFromRows(rows)
			rows.Close()
			if errors.Is(cerr, pgx.ErrNoRows) {
				return pgx.ErrNoRows
			}
			if cerr != nil {
				return fmt.Errorf("collect voted task: %w", cerr)
			}

			if notifyErr := notifyTopic(ctx, tx, domainjob.TopicReviewSettled, t.JobID); notifyErr != nil {
				return notifyErr
			}
			task = t
			return nil
		},
	})
	if err == nil {
		return &core.RecordVoteResult{Task: task}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.MapDBError(err)
	}

	// The conditional write lost. Read the task back to say why.
	existing, getErr := r.GetTask(ctx, taskID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Vote != nil {
		return &core.RecordVoteResult{Task: existing, Duplicate: true}, nil
	}
	if existing.Voided {
		return nil, apperrors.Conflict("review task was voided")
	}
	return nil, apperrors.Conflict("review task deadline has passed")
}

// GetTask retrieves a review task by ID.
func (r *ReviewRepo) GetTask(ctx context.Context, taskID string) (*model.ReviewTask, error) {
	var task *model.ReviewTask
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+reviewTaskColumns+`
			FROM review_tasks
			WHERE id = $1
		`, taskID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		task, qerr = collectReviewTaskFromRows(rows)
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("review task not found")
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get review task: %w", err))
	}
	return task, nil
}

// ListByJob returns a job's review tasks for one tier, ordered by slot.
func (r *ReviewRepo) ListByJob(ctx context.Context, jobID string, tier model.ReviewTier) ([]model.ReviewTask, error) {
	var tasks []model.ReviewTask
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+reviewTaskColumns+`
			FROM review_tasks
			WHERE job_id = $1 AND tier = $2
			ORDER BY reviewer_slot ASC
		`, jobID, int(tier))
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			task, scanErr := scanReviewTaskFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			tasks = append(tasks, *task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list review tasks: %w", err))
	}
	return tasks, nil
}

// VoidOpenTasks voids every unvoted task for a job so reviewers see the
// assignment is gone. Recorded votes are left untouched.
func (r *ReviewRepo) VoidOpenTasks(ctx context.Context, jobID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE review_tasks
		SET voided = TRUE
		WHERE job_id = $1 AND vote IS NULL AND voided = FALSE
	`, jobID)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("void open tasks: %w", err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("void rows affected: %w", err)
	}
	return rowsAffected, nil
}

// ListJobsPastDeadline returns distinct job IDs that still have open tasks
// whose deadline has passed, for the settlement sweep.
func (r *ReviewRepo) ListJobsPastDeadline(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	currentTime := r.timeProvider.Now().UTC()
	rows, err := r.DB.QueryContext(ctx, `
		SELECT DISTINCT job_id
		FROM review_tasks
		WHERE vote IS NULL
		  AND voided = FALSE
		  AND deadline < $1
		LIMIT $2
	`, currentTime, limit)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list jobs past deadline: %w", err))
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobIDs []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan job id: %w", scanErr)
		}
		jobIDs = append(jobIDs, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return jobIDs, nil
}

func collectReviewTaskFromRows(rows pgx.Rows) (*model.ReviewTask, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	task, err := scanReviewTaskFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return task, nil
}

func scanReviewTaskFromRow(scanner jobRowScanner) (*model.ReviewTask, error) {
	task := &model.ReviewTask{}
	var vote sql.NullString
	var submittedAt sql.NullTime
	if err := scanner.Scan(
		&task.ID,
		&task.JobID,
		&task.Tier,
		&task.ReviewerSlot,
		&vote,
		&submittedAt,
		&task.Deadline,
		&task.Voided,
		&task.CreatedAt,
	); err != nil {
		return nil, err
	}

	task.Vote = cloneNullableString(vote)
	task.SubmittedAt = cloneNullableTime(submittedAt)
	return task, nil
}

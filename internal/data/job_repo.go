// Package data contains the Postgres and Redis repository implementations
// behind the core port interfaces.
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

	"github.com/veridoc/veridoc/internal/data/pgxutil"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/lifecycle"
	"github.com/veridoc/veridoc/internal/domain/model"
)

// ErrJobNotFound is returned when a job is not found.
var ErrJobNotFound = errors.New("job not found")

// JobRepoConfig holds configuration options for the job repository.
type JobRepoConfig struct {
	// RequeueDelaySeconds defers a requeued job so the failed attempt's
	// worker pressure drains before the next claim.
	RequeueDelaySeconds int
	Logger              *slog.Logger
	TimeProvider        TimeProvider
}

// JobRepo provides database operations for job management. Every transition
// is a conditional UPDATE guarded by the lifecycle source states, so a lost
// race shows up as zero rows affected rather than a clobbered status.
type JobRepo struct {
	DB           *sql.DB
	cfg          JobRepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg JobRepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  dedup_key,
  document_ref,
  document_class,
  status,
  priority,
  page_count,
  confidence_score,
  assigned_worker_id,
  result_ref,
  retry_count,
  max_retries,
  last_error,
  ttl_seconds,
  submitted_at,
  started_at,
  completed_at,
  lease_expires_at,
  created_at,
  updated_at
`

const defaultRequeueDelaySeconds = 15

func (r *JobRepo) requeueDelay() int {
	if r.cfg.RequeueDelaySeconds > 0 {
		return r.cfg.RequeueDelaySeconds
	}
	return defaultRequeueDelaySeconds
}

// statusGuard renders a transition's source states as a SQL IN list. The
// values come from lifecycle constants, never from callers.
func statusGuard(t lifecycle.Transition) string {
	return statusList(lifecycle.SourceStates(t))
}

func statusList(states []model.JobStatus) string {
	quoted := make([]string, len(states))
	for i, s := range states {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

// Create admits a job, idempotent on the dedup key. The bool reports whether
// this call created the record; a losing resubmission gets the existing job.
func (r *JobRepo) Create(ctx context.Context, req *model.SubmitJobRequest) (*model.Job, bool, error) {
	if req == nil {
		return nil, false, apperrors.Validation("submit job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, apperrors.Validation(err.Error())
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	pageCount := req.PageCount
	if pageCount <= 0 {
		pageCount = 1
	}

	var job *model.Job
	var created bool
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
			  INSERT INTO jobs(id, dedup_key, document_ref, document_class, status, priority, page_count, max_retries, ttl_seconds, submitted_at)
			  VALUES ($1, $2, $3, $4, 'submitted', $5, $6, $7, $8, $9)
			  ON CONFLICT (dedup_key) DO NOTHING
			  RETURNING `+jobColumns,
				uuid.NewString(),
				req.DedupKey,
				req.DocumentRef,
				req.DocumentClass,
				req.Priority,
				pageCount,
				maxRetries,
				req.TTLSeconds,
				r.timeProvider.Now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			j, collectErr := collectJobFromRows(rows)
			rows.Close()
			if errors.Is(collectErr, pgx.ErrNoRows) {
				// Dedup key already admitted; the existing record wins.
				return nil
			}
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}

			if notifyErr := notifyTopic(ctx, tx, domainjob.TopicSubmitted, j.ID); notifyErr != nil {
				return notifyErr
			}

			job = j
			created = true
			return nil
		},
	})
	if txErr != nil {
		return nil, false, apperrors.MapDBError(txErr)
	}

	if job != nil {
		return job, created, nil
	}

	existing, err := r.GetByDedupKey(ctx, req.DedupKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

const defaultMaxRetries = 3

func notifyTopic(ctx context.Context, tx pgx.Tx, topic domainjob.Topic, payload string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, string(topic), payload); err != nil {
		return fmt.Errorf("notify %s: %w", topic, err)
	}
	return nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetByDedupKey retrieves a job by its dedup key.
func (r *JobRepo) GetByDedupKey(ctx context.Context, dedupKey string) (*model.Job, error) {
	return r.getOne(ctx, `WHERE dedup_key = $1`, dedupKey)
}

func (r *JobRepo) getOne(ctx context.Context, where string, arg any) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `SELECT `+jobColumns+` FROM jobs `+where, arg)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		job, qerr = collectJobFromRows(rows)
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job not found")
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// ListByStatus returns jobs in a given status, oldest first.
func (r *JobRepo) ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	if !status.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("invalid job status: %q", status))
	}
	if limit <= 0 {
		limit = 100
	}

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = $1
			ORDER BY submitted_at ASC
			LIMIT $2
		`, status, limit)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list jobs by status: %w", err))
	}
	return jobs, nil
}

// Stats returns job counts per lifecycle state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'submitted')       AS submitted,
    count(*) FILTER (WHERE status = 'processing')      AS processing,
    count(*) FILTER (WHERE status = 'awaiting_review') AS awaiting_review,
    count(*) FILTER (WHERE status = 'escalated')       AS escalated,
    count(*) FILTER (WHERE status = 'completed')       AS completed,
    count(*) FILTER (WHERE status = 'failed')          AS failed
  FROM jobs
  `).Scan(
		&s.Submitted,
		&s.Processing,
		&s.AwaitingReview,
		&s.Escalated,
		&s.Completed,
		&s.Failed,
	)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("job stats: %w", err))
	}
	return &s, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	confidence                      sql.NullFloat64
	workerID, resultRef, lastError  sql.NullString
	startedAt, completedAt, leaseAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.DedupKey,
		&job.DocumentRef,
		&job.DocumentClass,
		&job.Status,
		&job.Priority,
		&job.PageCount,
		&d.confidence,
		&d.workerID,
		&d.resultRef,
		&job.RetryCount,
		&job.MaxRetries,
		&d.lastError,
		&job.TTLSeconds,
		&job.SubmittedAt,
		&d.startedAt,
		&d.completedAt,
		&d.leaseAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.ConfidenceScore = cloneNullableFloat(d.confidence)
	job.AssignedWorkerID = cloneNullableString(d.workerID)
	job.ResultRef = cloneNullableString(d.resultRef)
	job.LastError = cloneNullableString(d.lastError)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

func cloneNullableFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Package service contains the business logic between the runner loops and
// the repositories.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/veridoc/veridoc/internal/errors"

	"github.com/veridoc/veridoc/internal/core"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/model"
)

const (
	dedupReservePrefix = "veridoc:dedup:"
	resultCachePrefix  = "veridoc:result:"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	LeasePolicy     *domainjob.LeasePolicy    // Required: claim lease resolution
	Cache           core.CacheRepository      // Optional: dedup reservations and result cache
	Publisher       core.EventPublisher       // Optional: finalized-event fan-out
	Logger          *slog.Logger              // Optional: structured logger
	DedupReserveTTL time.Duration             // Optional: fast-path reservation window
	ResultCacheTTL  time.Duration             // Optional: finalized-result cache window
	Notifier        domainjob.Notifier        // Optional: custom availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for job intake, claiming, and terminal
// transitions. Postgres is authoritative for every decision; Redis only
// short-circuits obvious duplicates and caches finalized results.
type JobService struct {
	repo            core.JobRepository
	cache           core.CacheRepository
	publisher       core.EventPublisher
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	dedupReserveTTL time.Duration
	resultCacheTTL  time.Duration
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.LeasePolicy == nil {
		return nil, errors.New("LeasePolicy is required")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	dedupTTL := opts.DedupReserveTTL
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	resultTTL := opts.ResultCacheTTL
	if resultTTL <= 0 {
		resultTTL = time.Hour
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	return &JobService{
		repo:            opts.Repo,
		cache:           opts.Cache,
		publisher:       opts.Publisher,
		leasePolicy:     opts.LeasePolicy,
		notifier:        notifier,
		logger:          logger,
		dedupReserveTTL: dedupTTL,
		resultCacheTTL:  resultTTL,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// SubmitResult reports how an admission went: the authoritative job record
// plus whether this submission created it.
type SubmitResult struct {
	Job     *model.Job
	Created bool
}

// Submit admits a job, idempotent on the dedup key. A Redis reservation
// short-circuits obvious duplicate bursts; Postgres still enforces the unique
// constraint, so a lost or failed reservation never double-admits.
func (s *JobService) Submit(ctx context.Context, req *model.SubmitJobRequest) (*SubmitResult, error) {
	if req == nil {
		return nil, apperrors.Validation("submit job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	if s.cache != nil {
		won, err := s.cache.Reserve(ctx, dedupReservePrefix+req.DedupKey, []byte(req.DocumentRef), s.dedupReserveTTL)
		if err != nil && s.logger != nil {
			// Cache trouble must never block intake.
			s.logger.WarnContext(ctx, "dedup reservation failed, falling through to store", "error", err)
		}
		if err == nil && !won {
			existing, getErr := s.repo.GetByDedupKey(ctx, req.DedupKey)
			if getErr == nil {
				return &SubmitResult{Job: existing, Created: false}, nil
			}
			if !apperrors.IsNotFound(getErr) {
				return nil, getErr
			}
			// Reservation exists but the row does not yet; the winning
			// submission is still in flight. Create resolves the race.
		}
	}

	job, created, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job submitted",
			"id", job.ID,
			"document_class", job.DocumentClass,
			"priority", job.Priority,
			"pages", job.PageCount,
			"created", created,
		)
	}

	return &SubmitResult{Job: job, Created: created}, nil
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByDedupKey retrieves a job by its dedup key.
func (s *JobService) GetByDedupKey(ctx context.Context, dedupKey string) (*model.Job, error) {
	return s.repo.GetByDedupKey(ctx, dedupKey)
}

// ClaimNext claims the next submitted job under a lease sized for the job's
// document. The store hands the job out with the base lease; when the
// document needs more, the claim is immediately extended.
func (s *JobService) ClaimNext(ctx context.Context) (*model.Job, error) {
	base := s.leasePolicy.ForJob(nil)

	job, err := s.repo.ClaimNext(ctx, base.Seconds)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	decision := s.leasePolicy.ForJob(job)
	if decision.Seconds > base.Seconds {
		if _, hbErr := s.repo.Heartbeat(ctx, job.ID, decision.Seconds); hbErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "extend claim lease failed", "id", job.ID, "error", hbErr)
		}
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job claimed",
			"id", job.ID,
			"pages", job.PageCount,
			"lease_seconds", decision.Seconds,
			"lease_clamped", decision.Clamped,
		)
	}

	return job, nil
}

// Heartbeat extends the claim lease on a processing job.
func (s *JobService) Heartbeat(ctx context.Context, job *model.Job) (bool, error) {
	if job == nil {
		return false, apperrors.Validation("job is required")
	}

	decision := s.leasePolicy.ForJob(job)
	updated, err := s.repo.Heartbeat(ctx, job.ID, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", job.ID, err)
	}
	return updated, nil
}

// AssignWorker records which worker holds a processing job.
func (s *JobService) AssignWorker(ctx context.Context, jobID, workerID string) error {
	updated, err := s.repo.AssignWorker(ctx, jobID, workerID)
	if err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}
	if !updated {
		return apperrors.Conflict("job is not processing")
	}
	return nil
}

// Finalize completes a job whose confidence cleared its class threshold.
func (s *JobService) Finalize(ctx context.Context, job *model.Job, resultRef string, confidence float64) error {
	if job == nil {
		return apperrors.Validation("job is required")
	}

	updated, err := s.repo.Finalize(ctx, core.FinalizeParams{
		JobID:      job.ID,
		From:       []model.JobStatus{model.JobStatusProcessing},
		ResultRef:  resultRef,
		Confidence: &confidence,
	})
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	if !updated {
		return apperrors.Conflict("job left processing before finalize")
	}

	s.afterTerminal(ctx, job.ID, model.FinalizedEvent{
		JobID:           job.ID,
		Status:          model.JobStatusCompleted,
		ResultRef:       resultRef,
		ConfidenceScore: &confidence,
	})

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job finalized",
			"id", job.ID,
			"confidence", confidence,
		)
	}
	return nil
}

// Requeue absorbs a recoverable worker failure.
func (s *JobService) Requeue(ctx context.Context, jobID, reason string) (*core.RequeueResult, error) {
	result, err := s.repo.Requeue(ctx, jobID, reason)
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", jobID, err)
	}

	if result.Exhausted {
		s.afterTerminal(ctx, jobID, model.FinalizedEvent{
			JobID:  jobID,
			Status: model.JobStatusFailed,
		})
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job requeued",
			"id", jobID,
			"reason", reason,
			"retry_count", result.Job.RetryCount,
			"exhausted", result.Exhausted,
		)
	}
	return result, nil
}

// ReturnToQueue sends a claimed job back to the queue without spending retry
// budget. Used when the pool had no worker to give, which is backpressure
// rather than a job fault.
func (s *JobService) ReturnToQueue(ctx context.Context, jobID, reason string) (bool, error) {
	updated, err := s.repo.ReturnToQueue(ctx, jobID, reason)
	if err != nil {
		return false, fmt.Errorf("return job %s to queue: %w", jobID, err)
	}

	if updated && s.logger != nil {
		s.logger.InfoContext(ctx, "job returned to queue",
			"id", jobID,
			"reason", reason,
		)
	}
	return updated, nil
}

// FailTerminal marks a job failed with no further retries and fans the
// terminal event out.
func (s *JobService) FailTerminal(ctx context.Context, jobID, reason string) error {
	updated, err := s.repo.FailTerminal(ctx, jobID, reason)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if !updated {
		return apperrors.Conflict("job already terminal")
	}

	s.afterTerminal(ctx, jobID, model.FinalizedEvent{
		JobID:  jobID,
		Status: model.JobStatusFailed,
	})

	if s.logger != nil {
		s.logger.ErrorContext(ctx, "job failed terminally", "id", jobID, "reason", reason)
	}
	return nil
}

// Cancel aborts a job before completion. Terminal jobs conflict; the stored
// outcome stands.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.repo.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.afterTerminal(ctx, job.ID, model.FinalizedEvent{
		JobID:  job.ID,
		Status: model.JobStatusFailed,
	})

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job canceled", "id", job.ID)
	}
	return job, nil
}

// Stats returns job counts per lifecycle state.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	return s.repo.Stats(ctx)
}

// ListByStatus returns jobs in one lifecycle state, oldest first.
func (s *JobService) ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	if !status.Valid() {
		return nil, apperrors.Validationf("invalid job status: %q", status)
	}
	return s.repo.ListByStatus(ctx, status, limit)
}

// CachedResult returns the finalized event cached for a job, if any. Misses
// return nil, nil; callers fall back to the store.
func (s *JobService) CachedResult(ctx context.Context, jobID string) (*model.FinalizedEvent, error) {
	if s.cache == nil {
		return nil, nil
	}
	raw, err := s.cache.Get(ctx, resultCachePrefix+jobID)
	if err != nil || raw == nil {
		return nil, err
	}
	var event model.FinalizedEvent
	if unmarshalErr := json.Unmarshal(raw, &event); unmarshalErr != nil {
		return nil, fmt.Errorf("decode cached result: %w", unmarshalErr)
	}
	return &event, nil
}

// Subscribe creates a subscription for job availability notifications.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(topic domainjob.Topic) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(topic)
}

// StopNotifier shuts down the availability listeners.
func (s *JobService) StopNotifier() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// afterTerminal caches the outcome and publishes the finalized event. Both
// are best-effort: the store already holds the truth.
func (s *JobService) afterTerminal(ctx context.Context, jobID string, event model.FinalizedEvent) {
	event.FinalizedAt = time.Now().UTC()

	if s.cache != nil {
		if raw, err := json.Marshal(event); err == nil {
			if cacheErr := s.cache.Set(ctx, resultCachePrefix+jobID, raw, s.resultCacheTTL); cacheErr != nil && s.logger != nil {
				s.logger.WarnContext(ctx, "cache finalized result failed", "id", jobID, "error", cacheErr)
			}
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishFinalized(ctx, event); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "publish finalized event failed", "id", jobID, "error", err)
		}
	}
}

// Package dispatch pulls claimed jobs off the queue and drives them through
// inference, confidence evaluation, and the finalize-or-review decision.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veridoc/veridoc/config"
	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/domain/confidence"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/model"
	apperrors "github.com/veridoc/veridoc/internal/errors"
	"github.com/veridoc/veridoc/internal/service"
)

// RunnerOptions configures the dispatch runner.
type RunnerOptions struct {
	Jobs      *service.JobService
	Reviews   *service.ReviewService
	Pool      core.WorkerPool
	Worker    core.WorkerClient
	Evaluator *confidence.Evaluator
	Config    config.DispatchConfig
	Logger    *slog.Logger
}

// Runner claims jobs and executes them on pool workers until its context is
// cancelled.
type Runner struct {
	jobs      *service.JobService
	reviews   *service.ReviewService
	pool      core.WorkerPool
	worker    core.WorkerClient
	evaluator *confidence.Evaluator
	cfg       config.DispatchConfig
	logger    *slog.Logger
}

// NewRunner validates dependencies and constructs a dispatch runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Reviews == nil {
		return nil, errors.New("review service is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("worker client is required")
	}
	if opts.Evaluator == nil {
		return nil, errors.New("confidence evaluator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	cfg.Sanitize()

	return &Runner{
		jobs:      opts.Jobs,
		reviews:   opts.Reviews,
		pool:      opts.Pool,
		worker:    opts.Worker,
		evaluator: opts.Evaluator,
		cfg:       cfg,
		logger:    logger.With("component", "dispatch_runner"),
	}, nil
}

// Run starts worker goroutines plus the demand-signal loop and processes jobs
// until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting dispatcher",
		"workers", r.cfg.Concurrency,
		"idle_wait", r.cfg.IdleWait,
	)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, notify := r.jobs.Subscribe(domainjob.TopicSubmitted)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, notify); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.signalLoop(ctx)
	}()

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ClaimNext(ctx)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForWork(ctx, notify) {
				return nil
			}
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return fmt.Errorf("claim next: %w", err)
		}
	}
	return nil
}

// waitForWork blocks until a queue notification arrives or the idle-wait
// bound elapses, whichever comes first. The timeout covers missed
// notifications and requeued jobs whose delay has passed.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(r.cfg.IdleWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	worker, err := r.pool.Acquire(ctx, job.ID)
	if err != nil {
		r.absorbFailure(ctx, job, fmt.Errorf("acquire worker: %w", err))
		return
	}

	failed := false
	defer func() { r.pool.Release(worker.ID, failed) }()

	if err := r.jobs.AssignWorker(ctx, job.ID, worker.ID); err != nil {
		// Lost the job between claim and assignment; someone else owns it.
		r.logger.WarnContext(ctx, "assignment lost", "job_id", job.ID, "error", err)
		return
	}

	result, err := r.infer(ctx, job, worker)
	if errors.Is(err, errJobLeftProcessing) {
		// Canceled out from under us mid-inference. The store already holds
		// the terminal outcome; just give the worker back.
		r.logger.InfoContext(ctx, "job canceled during inference", "job_id", job.ID, "worker_id", worker.ID)
		return
	}
	if err != nil {
		failed = true
		r.absorbFailure(ctx, job, err)
		return
	}

	decision, err := r.evaluator.Evaluate(job.DocumentClass, result.Raw)
	if err != nil {
		failed = true
		r.absorbFailure(ctx, job, fmt.Errorf("evaluate confidence: %w", err))
		return
	}

	r.logger.InfoContext(ctx, "inference complete",
		"job_id", job.ID,
		"worker_id", worker.ID,
		"score", decision.Score,
		"threshold", decision.Threshold,
		"pass", decision.Pass,
		"duration", result.Duration,
	)

	if decision.Pass {
		if err := r.jobs.Finalize(ctx, job, result.ResultRef, decision.Score); err != nil && !apperrors.IsConflict(err) {
			r.logger.ErrorContext(ctx, "finalize job", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := r.reviews.Route(ctx, job.ID, decision.Score, result.ResultRef); err != nil && !apperrors.IsConflict(err) {
		r.logger.ErrorContext(ctx, "route to review", "job_id", job.ID, "error", err)
	}
}

// errJobLeftProcessing aborts an in-flight inference whose job was canceled
// or otherwise moved out of processing behind our back.
var errJobLeftProcessing = errors.New("job left processing during inference")

// infer runs the document through the worker under a page-scaled timeout. A
// watcher polls the job's stored status so a cancellation frees the worker
// within one check interval instead of holding it for the full inference.
func (r *Runner) infer(ctx context.Context, job *model.Job, worker *model.Worker) (*model.InferenceResult, error) {
	inferCtx, cancel := context.WithTimeout(ctx, r.inferTimeout(job))
	defer cancel()

	watchCtx, stopWatch := context.WithCancelCause(inferCtx)
	defer stopWatch(nil)
	go r.watchForCancel(watchCtx, job.ID, stopWatch)

	result, err := r.worker.Infer(watchCtx, worker.Endpoint, core.InferRequest{
		JobID:         job.ID,
		DocumentRef:   job.DocumentRef,
		DocumentClass: job.DocumentClass,
	})
	if err != nil {
		if errors.Is(context.Cause(watchCtx), errJobLeftProcessing) {
			return nil, errJobLeftProcessing
		}
		if inferCtx.Err() != nil && ctx.Err() == nil {
			return nil, apperrors.Transientf("inference timed out after %s", r.inferTimeout(job))
		}
		return nil, fmt.Errorf("infer: %w", err)
	}
	return result, nil
}

// watchForCancel cancels the inference context when the job's stored status
// leaves processing.
func (r *Runner) watchForCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.cfg.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := r.jobs.Get(ctx, jobID)
			if err != nil {
				continue
			}
			if job.Status != model.JobStatusProcessing {
				cancel(errJobLeftProcessing)
				return
			}
		}
	}
}

func (r *Runner) inferTimeout(job *model.Job) time.Duration {
	timeout := r.cfg.InferBaseTimeout
	if job.PageCount > 1 {
		timeout += time.Duration(job.PageCount-1) * r.cfg.InferPerPageTimeout
	}
	if timeout > r.cfg.InferTimeoutCeiling {
		timeout = r.cfg.InferTimeoutCeiling
	}
	return timeout
}

// absorbFailure sends capacity waits back to the queue without touching the
// retry budget, requeues transient failures against the budget, and fails
// everything else terminally. Shutdown cancellation leaves the job alone so
// its lease expiry puts it back on the queue.
func (r *Runner) absorbFailure(ctx context.Context, job *model.Job, cause error) {
	if ctx.Err() != nil {
		return
	}

	// No worker inside the acquire bound is backpressure, not a job fault.
	// The job waits out the cold start with its budget intact.
	if apperrors.IsCapacity(cause) {
		if _, err := r.jobs.ReturnToQueue(ctx, job.ID, cause.Error()); err != nil {
			r.logger.ErrorContext(ctx, "return job to queue", "job_id", job.ID, "error", err, "cause", cause)
		}
		return
	}

	if apperrors.IsTransient(cause) || apperrors.IsTimeout(cause) {
		if _, err := r.jobs.Requeue(ctx, job.ID, cause.Error()); err != nil {
			r.logger.ErrorContext(ctx, "requeue job", "job_id", job.ID, "error", err, "cause", cause)
		}
		return
	}

	if err := r.jobs.FailTerminal(ctx, job.ID, cause.Error()); err != nil && !apperrors.IsConflict(err) {
		r.logger.ErrorContext(ctx, "fail job", "job_id", job.ID, "error", err, "cause", cause)
	}
}

// signalLoop periodically reports queue depth and active work to the pool
// controller so scaling decisions see dispatcher-observed demand.
func (r *Runner) signalLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SignalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := r.jobs.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.WarnContext(ctx, "queue stats", "error", err)
				}
				continue
			}
			r.pool.ReportSignal(stats.Submitted, stats.Processing)
		}
	}
}

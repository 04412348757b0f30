// Package reviewsweep drives review settlement: it reacts to vote
// notifications and periodically sweeps reviews past their deadlines.
package reviewsweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/veridoc/veridoc/config"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/model"
	apperrors "github.com/veridoc/veridoc/internal/errors"
	"github.com/veridoc/veridoc/internal/service"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Jobs    *service.JobService
	Reviews *service.ReviewService
	Config  config.ReviewConfig
	Logger  *slog.Logger
}

// Runner settles reviews. Settlement is recomputed from stored votes, so
// running a pass twice, or racing a pass against a vote submission, converges
// on the same outcome.
type Runner struct {
	jobs    *service.JobService
	reviews *service.ReviewService
	cfg     config.ReviewConfig
	logger  *slog.Logger
}

// NewRunner creates a new review sweep runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Reviews == nil {
		return nil, errors.New("review service is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	cfg.Sanitize()

	return &Runner{
		jobs:    opts.Jobs,
		reviews: opts.Reviews,
		cfg:     cfg,
		logger:  logger.With("component", "review_sweep"),
	}, nil
}

// Run reacts to vote notifications and sweeps on the configured interval
// until the context is cancelled. Pass errors are logged, not fatal.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting review sweep",
		"interval", r.cfg.SweepInterval,
		"batch", r.cfg.SweepBatch,
	)

	unsub, notify := r.jobs.Subscribe(domainjob.TopicReviewSettled)
	defer unsub()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "review sweep stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-notify:
			r.settleOpen(ctx)

		case <-ticker.C:
			settled, err := r.reviews.SettleDeadlines(ctx, r.cfg.SweepBatch)
			if err != nil && ctx.Err() == nil {
				// Continue running despite errors
				r.logger.ErrorContext(ctx, "deadline sweep", "error", err)
			}
			if settled > 0 {
				r.logger.InfoContext(ctx, "deadline sweep settled reviews", "count", settled)
			}
			r.settleOpen(ctx)
		}
	}
}

// settleOpen recomputes settlement for every job still parked in a review
// state. Reviews without a decisive vote set simply stay pending.
func (r *Runner) settleOpen(ctx context.Context) {
	for _, status := range []model.JobStatus{model.JobStatusAwaitingReview, model.JobStatusEscalated} {
		jobs, err := r.jobs.ListByStatus(ctx, status, r.cfg.SweepBatch)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "list jobs for settlement", "status", status, "error", err)
			}
			return
		}
		for _, job := range jobs {
			if ctx.Err() != nil {
				return
			}
			if err := r.reviews.Settle(ctx, job.ID); err != nil && !apperrors.IsConflict(err) {
				r.logger.ErrorContext(ctx, "settle review", "job_id", job.ID, "error", err)
			}
		}
	}
}

package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veridoc/veridoc/config"
	"github.com/veridoc/veridoc/internal/core"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo   core.ReaperRepository // Required: reaper repository
	Config config.ReaperConfig   // Required: reaper configuration
	Logger *slog.Logger          // Optional: structured logger
}

// ReaperService provides job cleanup operations.
//
// This service manages:
// - Requeueing processing jobs whose claim lease expired.
// - Deleting terminal jobs whose per-job TTL elapsed.
// - Optionally failing submitted jobs nothing claimed within the configured
//   window (off unless SubmittedMaxAge is set).
type ReaperService struct {
	repo   core.ReaperRepository
	config config.ReaperConfig
	logger *slog.Logger
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"submitted_max_age", opts.Config.SubmittedMaxAge,
			"batch_size", opts.Config.BatchSize,
		)
	}

	return &ReaperService{
		repo:   opts.Repo,
		config: opts.Config,
		logger: logger,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				// Continue running despite errors
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// runCleanup performs all cleanup operations once.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	var errs []error

	if count, err := s.repo.RequeueExpiredClaims(ctx); err != nil {
		errs = append(errs, fmt.Errorf("requeue expired claims: %w", err))
	} else if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "requeued expired claims", "count", count)
	}

	// Opt-in: queued jobs survive fleet outages unless an operator sets an
	// explicit age bound.
	if s.config.SubmittedMaxAge > 0 {
		if count, err := s.failStaleSubmitted(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fail stale submitted jobs: %w", err))
		} else if count > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "failed stale submitted jobs",
				"count", count,
				"max_age", s.config.SubmittedMaxAge,
			)
		}
	}

	if count, err := s.deleteExpired(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delete expired jobs: %w", err))
	} else if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted expired jobs", "count", count)
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}
	return nil
}

// failStaleSubmitted loops until no more rows are affected to handle large
// datasets in batches.
func (s *ReaperService) failStaleSubmitted(ctx context.Context) (int64, error) {
	var totalCount int64
	for {
		count, err := s.repo.FailStaleSubmitted(ctx, s.config.SubmittedMaxAge, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}
	return totalCount, nil
}

// deleteExpired loops until no more rows are affected to handle large
// datasets in batches.
func (s *ReaperService) deleteExpired(ctx context.Context) (int64, error) {
	var totalCount int64
	for {
		count, err := s.repo.DeleteExpired(ctx, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}
	return totalCount, nil
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug("cleanup interrupted by shutdown", "phase", label)
		return
	}
	s.logger.Error("cleanup failed", "phase", label, "error", err)
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

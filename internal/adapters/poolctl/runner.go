// Package poolctl runs the worker-pool control loop.
package poolctl

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/veridoc/veridoc/internal/service"
)

// Runner drives the pool controller's reconciliation ticks at a fixed
// interval.
type Runner struct {
	pool     *service.PoolService
	interval time.Duration
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Pool     *service.PoolService
	Interval time.Duration
	Logger   *slog.Logger
}

// NewRunner creates a new pool control runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Pool == nil {
		return nil, errors.New("pool service is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pool:     opts.Pool,
		interval: interval,
		logger:   logger.With("component", "poolctl_runner"),
	}, nil
}

// Run executes control ticks until the context is cancelled. Tick errors are
// logged, not fatal: a failed reconciliation is retried on the next interval.
// In-flight provisioning and terminations are drained before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting pool controller", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.pool.Shutdown()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "pool controller stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			start := time.Now()
			if err := r.pool.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				// Continue running despite errors
				r.logger.ErrorContext(ctx, "pool control tick", "error", err, "elapsed", time.Since(start))
			}
		}
	}
}

// Package fleet holds the pure scaling decisions for the GPU worker pool.
// The pool controller feeds it a per-tick scaling signal and applies the plan
// it returns; nothing in this package touches the registry or the provider.
package fleet

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/veridoc/veridoc/internal/domain/model"
)

// PlannerConfig bounds and weights the target-size computation. All values
// come from configuration; the floor may be zero to eliminate idle cost.
type PlannerConfig struct {
	MinWorkers int
	MaxWorkers int
	// QueueWeight converts queued jobs into wanted workers (primary signal).
	// A weight of 0.5 asks for one worker per two queued jobs.
	QueueWeight float64
	// ThroughputWeight scales the demand implied by observed per-worker
	// throughput (secondary signal).
	ThroughputWeight float64
	// TargetJobsPerWorker sets how much observed throughput one worker is
	// expected to absorb before the planner wants another.
	TargetJobsPerWorker float64
	// IdleGrace is how long a worker must sit idle before it becomes a
	// scale-in candidate.
	IdleGrace time.Duration
}

// Validate checks planner bounds.
func (c PlannerConfig) Validate() error {
	if c.MinWorkers < 0 {
		return errors.New("min workers must be >= 0")
	}
	if c.MaxWorkers < c.MinWorkers {
		return errors.New("max workers must be >= min workers")
	}
	if c.MaxWorkers == 0 && c.MinWorkers == 0 && c.QueueWeight == 0 {
		return errors.New("planner would be permanently pinned at zero")
	}
	if c.QueueWeight < 0 || c.ThroughputWeight < 0 {
		return errors.New("signal weights must be >= 0")
	}
	return nil
}

// Plan is the controller's marching orders for one tick.
type Plan struct {
	Target   int
	ScaleOut int
	// Drain lists worker IDs to put into draining, oldest idle first.
	Drain []string
}

// TargetSize computes the wanted fleet size from the signal: queue depth is
// the primary driver, observed throughput the secondary, active jobs set the
// floor so running work is never starved of its worker, and the result is
// clamped to [MinWorkers, MaxWorkers].
func TargetSize(sig model.ScalingSignal, cfg PlannerConfig) int {
	fromQueue := float64(sig.QueueDepth) * cfg.QueueWeight
	fromThroughput := 0.0
	if cfg.TargetJobsPerWorker > 0 {
		fromThroughput = sig.JobsPerWorkerMin * float64(sig.LiveWorkers) /
			cfg.TargetJobsPerWorker * cfg.ThroughputWeight
	}

	want := int(math.Ceil(fromQueue + fromThroughput))
	if sig.ActiveJobs > want {
		want = sig.ActiveJobs
	}
	if want < cfg.MinWorkers {
		want = cfg.MinWorkers
	}
	if want > cfg.MaxWorkers {
		want = cfg.MaxWorkers
	}
	return want
}

// BuildPlan compares the target size against the live fleet and decides how
// many workers to add or which to drain. Only workers idle past the grace
// period are drained, preferring the longest idle; a busy worker is never a
// drain candidate.
func BuildPlan(sig model.ScalingSignal, workers []model.Worker, cfg PlannerConfig, now time.Time) Plan {
	target := TargetSize(sig, cfg)

	live := 0
	var idle []model.Worker
	for _, w := range workers {
		switch w.State {
		case model.WorkerStateProvisioning, model.WorkerStateWarming,
			model.WorkerStateReady, model.WorkerStateBusy:
			live++
			if w.State == model.WorkerStateReady && w.CurrentJobID == nil &&
				now.Sub(w.IdleSince) >= cfg.IdleGrace {
				idle = append(idle, w)
			}
		case model.WorkerStateDraining, model.WorkerStateTerminated:
			// already leaving the fleet
		}
	}

	plan := Plan{Target: target}
	switch {
	case live < target:
		plan.ScaleOut = target - live
	case live > target:
		plan.Drain = drainCandidates(idle, live-target)
	}
	return plan
}

// drainCandidates picks up to n workers to drain, oldest idle first. Ties are
// broken by ID so repeated planning over the same fleet is deterministic.
func drainCandidates(idle []model.Worker, n int) []string {
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].IdleSince.Equal(idle[j].IdleSince) {
			return idle[i].IdleSince.Before(idle[j].IdleSince)
		}
		return idle[i].ID < idle[j].ID
	})

	if n > len(idle) {
		n = len(idle)
	}
	out := make([]string, 0, n)
	for _, w := range idle[:n] {
		out = append(out, w.ID)
	}
	return out
}

// ProvisionBackoff returns the wait before the next provisioning attempt:
// exponential from base, capped at ceil. Attempt counts from zero.
func ProvisionBackoff(attempt int, base, ceil time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := base << uint(attempt)
	if backoff <= 0 || backoff > ceil {
		return ceil
	}
	return backoff
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/veridoc/veridoc/internal/errors"

	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/data"
	"github.com/veridoc/veridoc/internal/domain/fleet"
	"github.com/veridoc/veridoc/internal/domain/model"
)

// PoolServiceOptions groups dependencies for PoolService.
type PoolServiceOptions struct {
	Planner      fleet.PlannerConfig // Required: scaling bounds and weights
	Provisioner  core.Provisioner    // Required: compute backend
	Client       core.WorkerClient   // Required: worker health and readiness probes
	Jobs         *JobService         // Optional: requeue jobs held by dead workers
	Publisher    core.EventPublisher // Optional: worker events and operator alerts
	Logger       *slog.Logger        // Optional: structured logger
	TimeProvider data.TimeProvider   // Optional: clock override for tests

	InstanceClass string // Required: instance class requested from the backend
	Prewarmed     bool   // Optional: ask for pre-baked images

	AcquireWait          time.Duration // Optional: bound on Acquire blocking (default 30s)
	WarmupTimeout        time.Duration // Optional: max model-load wait (default 10m)
	WarmupPollInterval   time.Duration // Optional: readiness poll cadence (default 5s)
	HealthProbeTimeout   time.Duration // Optional: per-probe timeout (default 5s)
	ProvisionTimeout     time.Duration // Optional: per-provision timeout (default 15m)
	ProvisionBackoffBase time.Duration // Optional: first retry wait (default 10s)
	ProvisionBackoffCeil time.Duration // Optional: retry wait cap (default 5m)

	MaxMissedHeartbeats    int // Optional: probes missed before a worker is dead (default 2)
	MaxConsecutiveFailures int // Optional: failed jobs before a worker is drained (default 3)
	AlertAfterFailures     int // Optional: provision failures before the fleet-degraded alert (default 3)
}

// PoolService owns the GPU worker fleet. It is the only component that
// mutates worker state; the dispatcher only acquires and releases. All
// bookkeeping is in memory: the fleet is rebuilt from the compute backend's
// reality after a restart, jobs survive in the store.
type PoolService struct {
	planner      fleet.PlannerConfig
	provisioner  core.Provisioner
	client       core.WorkerClient
	jobs         *JobService
	publisher    core.EventPublisher
	logger       *slog.Logger
	timeProvider data.TimeProvider

	instanceClass string
	prewarmed     bool

	acquireWait          time.Duration
	warmupTimeout        time.Duration
	warmupPollInterval   time.Duration
	healthProbeTimeout   time.Duration
	provisionTimeout     time.Duration
	provisionBackoffBase time.Duration
	provisionBackoffCeil time.Duration

	maxMissedHeartbeats    int
	maxConsecutiveFailures int
	alertAfterFailures     int

	mu                sync.Mutex
	workers           map[string]*model.Worker
	jobFailures       map[string]int // consecutive failed jobs per worker
	readyCh           chan struct{}  // closed and replaced on each ready broadcast
	queueDepth        int
	activeJobs        int
	provisioning      int // in-flight provision attempts
	provisionFailures int // consecutive, reset on success
	nextProvisionAt   time.Time
	releases          int // since last tick, feeds the throughput signal
	lastTickAt        time.Time

	wg sync.WaitGroup
}

// NewPoolService constructs a new PoolService.
func NewPoolService(opts PoolServiceOptions) (*PoolService, error) {
	if err := opts.Planner.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planner config: %w", err)
	}
	if opts.Provisioner == nil {
		return nil, errors.New("Provisioner is required")
	}
	if opts.Client == nil {
		return nil, errors.New("WorkerClient is required")
	}
	if opts.InstanceClass == "" {
		return nil, errors.New("InstanceClass is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "pool_service")
	}

	s := &PoolService{
		planner:       opts.Planner,
		provisioner:   opts.Provisioner,
		client:        opts.Client,
		jobs:          opts.Jobs,
		publisher:     opts.Publisher,
		logger:        logger,
		timeProvider:  tp,
		instanceClass: opts.InstanceClass,
		prewarmed:     opts.Prewarmed,

		acquireWait:          durationOr(opts.AcquireWait, 30*time.Second),
		warmupTimeout:        durationOr(opts.WarmupTimeout, 10*time.Minute),
		warmupPollInterval:   durationOr(opts.WarmupPollInterval, 5*time.Second),
		healthProbeTimeout:   durationOr(opts.HealthProbeTimeout, 5*time.Second),
		provisionTimeout:     durationOr(opts.ProvisionTimeout, 15*time.Minute),
		provisionBackoffBase: durationOr(opts.ProvisionBackoffBase, 10*time.Second),
		provisionBackoffCeil: durationOr(opts.ProvisionBackoffCeil, 5*time.Minute),

		maxMissedHeartbeats:    intOr(opts.MaxMissedHeartbeats, 2),
		maxConsecutiveFailures: intOr(opts.MaxConsecutiveFailures, 3),
		alertAfterFailures:     intOr(opts.AlertAfterFailures, 3),

		workers:     make(map[string]*model.Worker),
		jobFailures: make(map[string]int),
		readyCh:     make(chan struct{}),
		lastTickAt:  tp.Now(),
	}
	return s, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Acquire hands out a ready worker, flipping it to busy atomically. It blocks
// until a worker frees up, the wait bound elapses, or the context ends.
func (s *PoolService) Acquire(ctx context.Context, jobID string) (*model.Worker, error) {
	deadline := time.NewTimer(s.acquireWait)
	defer deadline.Stop()

	for {
		if w, ok := s.tryAcquire(jobID); ok {
			return w, nil
		}

		s.mu.Lock()
		ready := s.readyCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, apperrors.Capacity("no worker became ready within the wait bound")
		case <-ready:
		}
	}
}

func (s *PoolService) tryAcquire(jobID string) (*model.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workers {
		if !w.Assignable() {
			continue
		}
		w.State = model.WorkerStateBusy
		id := jobID
		w.CurrentJobID = &id
		copied := *w
		s.emitWorkerEvent(copied)
		return &copied, true
	}
	return nil, false
}

// Release returns a worker after its job ends. failed marks the worker
// suspect; enough consecutive failures drain it rather than letting it churn
// through the queue.
func (s *PoolService) Release(workerID string, failed bool) {
	s.mu.Lock()

	w, ok := s.workers[workerID]
	if !ok || w.State != model.WorkerStateBusy {
		s.mu.Unlock()
		return
	}

	w.CurrentJobID = nil
	s.releases++

	if failed {
		s.jobFailures[workerID]++
	} else {
		s.jobFailures[workerID] = 0
	}

	if failed && s.jobFailures[workerID] >= s.maxConsecutiveFailures {
		w.State = model.WorkerStateDraining
		copied := *w
		s.emitWorkerEvent(copied)
		s.mu.Unlock()

		if s.logger != nil {
			s.logger.Warn("worker drained after repeated job failures",
				"worker_id", workerID,
				"failures", s.maxConsecutiveFailures,
			)
		}
		s.terminateAsync(workerID)
		return
	}

	w.State = model.WorkerStateReady
	w.IdleSince = s.timeProvider.Now()
	copied := *w
	s.emitWorkerEvent(copied)
	s.broadcastReadyLocked()
	s.mu.Unlock()
}

// ReportSignal feeds dispatcher-observed demand into the next control loop tick.
func (s *PoolService) ReportSignal(queueDepth, activeJobs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepth = queueDepth
	s.activeJobs = activeJobs
}

// Workers returns a snapshot of the fleet.
func (s *PoolService) Workers() []model.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	return out
}

// Tick runs one control loop iteration: probe worker health, recompute the
// scaling plan, and apply it. The runner calls this every 30-60 seconds.
func (s *PoolService) Tick(ctx context.Context) error {
	s.probeHealth(ctx)

	now := s.timeProvider.Now()
	sig, workers, allowProvision := s.snapshotSignal(now)
	plan := fleet.BuildPlan(sig, workers, s.planner, now)

	if s.logger != nil {
		s.logger.Debug("pool tick",
			"queue_depth", sig.QueueDepth,
			"active_jobs", sig.ActiveJobs,
			"ready", sig.ReadyWorkers,
			"live", sig.LiveWorkers,
			"target", plan.Target,
			"scale_out", plan.ScaleOut,
			"drain", len(plan.Drain),
		)
	}

	for _, workerID := range plan.Drain {
		s.drain(workerID)
	}

	if plan.ScaleOut > 0 && allowProvision {
		s.mu.Lock()
		want := plan.ScaleOut - s.provisioning
		s.provisioning += max(want, 0)
		s.mu.Unlock()

		for i := 0; i < want; i++ {
			s.wg.Add(1)
			go s.provisionOne(ctx)
		}
	}

	return nil
}

// Shutdown waits for in-flight provisioning goroutines to settle.
func (s *PoolService) Shutdown() {
	s.wg.Wait()
}

// snapshotSignal computes the per-tick scaling signal under the lock and
// resets the per-tick counters.
func (s *PoolService) snapshotSignal(now time.Time) (model.ScalingSignal, []model.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]model.Worker, 0, len(s.workers))
	ready, live := 0, 0
	for _, w := range s.workers {
		workers = append(workers, *w)
		switch w.State {
		case model.WorkerStateProvisioning, model.WorkerStateWarming,
			model.WorkerStateReady, model.WorkerStateBusy:
			live++
			if w.Assignable() {
				ready++
			}
		case model.WorkerStateDraining, model.WorkerStateTerminated:
		}
	}
	live += s.provisioning

	elapsedMin := now.Sub(s.lastTickAt).Minutes()
	jobsPerWorkerMin := 0.0
	if live > 0 && elapsedMin > 0 {
		jobsPerWorkerMin = float64(s.releases) / float64(live) / elapsedMin
	}
	s.releases = 0
	s.lastTickAt = now

	sig := model.ScalingSignal{
		QueueDepth:       s.queueDepth,
		ActiveJobs:       s.activeJobs,
		ReadyWorkers:     ready,
		LiveWorkers:      live,
		JobsPerWorkerMin: jobsPerWorkerMin,
		ObservedAt:       now,
	}

	allowProvision := !now.Before(s.nextProvisionAt)
	return sig, workers, allowProvision
}

// probeHealth checks every live worker's inference endpoint concurrently.
// A worker that misses enough consecutive probes is declared dead: its job
// goes back on the queue and the instance is terminated.
func (s *PoolService) probeHealth(ctx context.Context) {
	s.mu.Lock()
	targets := make([]model.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w.State == model.WorkerStateReady || w.State == model.WorkerStateBusy {
			targets = append(targets, *w)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, target := range targets {
		w := target
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, s.healthProbeTimeout)
			_, err := s.client.Health(probeCtx, w.Endpoint)
			cancel()
			s.recordProbe(ctx, w.ID, err == nil)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *PoolService) recordProbe(ctx context.Context, workerID string, healthy bool) {
	s.mu.Lock()

	w, ok := s.workers[workerID]
	if !ok || (w.State != model.WorkerStateReady && w.State != model.WorkerStateBusy) {
		s.mu.Unlock()
		return
	}

	if healthy {
		w.MissedHeartbeats = 0
		w.LastHeartbeatAt = s.timeProvider.Now()
		s.mu.Unlock()
		return
	}

	w.MissedHeartbeats++
	if w.MissedHeartbeats < s.maxMissedHeartbeats {
		s.mu.Unlock()
		return
	}

	var orphanedJob string
	if w.CurrentJobID != nil {
		orphanedJob = *w.CurrentJobID
		w.CurrentJobID = nil
	}
	w.State = model.WorkerStateDraining
	copied := *w
	s.emitWorkerEvent(copied)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Error("worker declared dead after missed heartbeats",
			"worker_id", workerID,
			"missed", copied.MissedHeartbeats,
			"orphaned_job", orphanedJob,
		)
	}

	if orphanedJob != "" && s.jobs != nil {
		if _, err := s.jobs.Requeue(ctx, orphanedJob, "worker died mid-job"); err != nil && s.logger != nil {
			s.logger.Error("requeue orphaned job failed", "id", orphanedJob, "error", err)
		}
	}

	s.terminateAsync(workerID)
}

// drain moves an idle worker out of rotation and terminates it. Busy workers
// are never drained by the planner; a forced drain goes through recordProbe
// or Release.
func (s *PoolService) drain(workerID string) {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	if !ok || !w.State.CanTransition(model.WorkerStateDraining) || w.CurrentJobID != nil {
		s.mu.Unlock()
		return
	}
	w.State = model.WorkerStateDraining
	copied := *w
	s.emitWorkerEvent(copied)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("worker draining", "worker_id", workerID)
	}
	s.terminateAsync(workerID)
}

func (s *PoolService) terminateAsync(workerID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := s.provisioner.Terminate(ctx, workerID); err != nil && s.logger != nil {
			s.logger.Error("terminate worker failed", "worker_id", workerID, "error", err)
		}

		s.mu.Lock()
		if w, ok := s.workers[workerID]; ok {
			w.State = model.WorkerStateTerminated
			copied := *w
			s.emitWorkerEvent(copied)
			delete(s.workers, workerID)
			delete(s.jobFailures, workerID)
		}
		s.mu.Unlock()
	}()
}

// provisionOne runs the full provision-and-warm lifecycle for one worker.
// Provisioning takes minutes, so this always runs off the control path.
func (s *PoolService) provisionOne(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.provisioning--
		s.mu.Unlock()
	}()

	provisionCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
	defer cancel()

	instance, err := s.provisioner.Provision(provisionCtx, core.ProvisionRequest{
		InstanceClass: s.instanceClass,
		Prewarmed:     s.prewarmed,
	})
	if err != nil {
		s.recordProvisionFailure(ctx, err)
		return
	}

	now := s.timeProvider.Now()
	worker := &model.Worker{
		ID:              instance.ID,
		InstanceClass:   s.instanceClass,
		State:           model.WorkerStateWarming,
		Endpoint:        instance.Endpoint,
		Prewarmed:       instance.Prewarmed,
		LastHeartbeatAt: now,
		IdleSince:       now,
		CreatedAt:       now,
	}

	s.mu.Lock()
	s.provisionFailures = 0
	s.workers[worker.ID] = worker
	copied := *worker
	s.mu.Unlock()
	s.emitWorkerEvent(copied)

	if s.logger != nil {
		s.logger.Info("worker provisioned, warming",
			"worker_id", worker.ID,
			"endpoint", worker.Endpoint,
			"prewarmed", worker.Prewarmed,
		)
	}

	if warmErr := s.awaitWarm(ctx, worker.ID, worker.Endpoint); warmErr != nil {
		if s.logger != nil {
			s.logger.Error("worker failed to warm", "worker_id", worker.ID, "error", warmErr)
		}
		s.mu.Lock()
		if w, ok := s.workers[worker.ID]; ok {
			w.State = model.WorkerStateDraining
		}
		s.mu.Unlock()
		s.terminateAsync(worker.ID)
		return
	}

	s.mu.Lock()
	if w, ok := s.workers[worker.ID]; ok && w.State == model.WorkerStateWarming {
		w.State = model.WorkerStateReady
		now := s.timeProvider.Now()
		w.LastHeartbeatAt = now
		w.IdleSince = now
		copied := *w
		s.emitWorkerEvent(copied)
		s.broadcastReadyLocked()
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("worker ready", "worker_id", worker.ID)
	}
}

// awaitWarm polls the worker's health endpoint until the model reports
// loaded or the warm-up window lapses.
func (s *PoolService) awaitWarm(ctx context.Context, workerID, endpoint string) error {
	warmCtx, cancel := context.WithTimeout(ctx, s.warmupTimeout)
	defer cancel()

	ticker := time.NewTicker(s.warmupPollInterval)
	defer ticker.Stop()

	for {
		probeCtx, probeCancel := context.WithTimeout(warmCtx, s.healthProbeTimeout)
		health, err := s.client.Health(probeCtx, endpoint)
		probeCancel()
		if err == nil && health.ModelLoaded {
			return nil
		}

		select {
		case <-warmCtx.Done():
			return fmt.Errorf("worker %s did not warm within %s", workerID, s.warmupTimeout)
		case <-ticker.C:
		}
	}
}

func (s *PoolService) recordProvisionFailure(ctx context.Context, cause error) {
	s.mu.Lock()
	s.provisionFailures++
	failures := s.provisionFailures
	backoff := fleet.ProvisionBackoff(failures-1, s.provisionBackoffBase, s.provisionBackoffCeil)
	s.nextProvisionAt = s.timeProvider.Now().Add(backoff)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Error("provision worker failed",
			"error", cause,
			"consecutive_failures", failures,
			"backoff", backoff,
		)
	}

	if failures == s.alertAfterFailures && s.publisher != nil {
		alert := core.OperationalAlert{
			Severity:  "critical",
			Component: "pool_service",
			Message:   "fleet cannot scale: consecutive provisioning failures",
			Metadata: map[string]string{
				"instance_class": s.instanceClass,
				"failures":       fmt.Sprintf("%d", failures),
			},
			OccurredAt: s.timeProvider.Now().UTC(),
		}
		if err := s.publisher.PublishAlert(ctx, alert); err != nil && s.logger != nil {
			s.logger.Error("publish fleet alert failed", "error", err)
		}
	}
}

// broadcastReadyLocked wakes every Acquire waiter. Callers hold s.mu.
func (s *PoolService) broadcastReadyLocked() {
	close(s.readyCh)
	s.readyCh = make(chan struct{})
}

// emitWorkerEvent publishes a state change on a detached goroutine so a slow
// broker never blocks the registry, with or without s.mu held.
func (s *PoolService) emitWorkerEvent(w model.Worker) {
	if s.publisher == nil {
		return
	}
	event := model.WorkerEvent{
		WorkerID:   w.ID,
		State:      w.State,
		OccurredAt: s.timeProvider.Now().UTC(),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.publisher.PublishWorkerEvent(ctx, event); err != nil && s.logger != nil {
			s.logger.Warn("publish worker event failed", "worker_id", w.ID, "error", err)
		}
	}()
}

var _ core.WorkerPool = (*PoolService)(nil)

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/data"
	"github.com/veridoc/veridoc/internal/domain/fleet"
	"github.com/veridoc/veridoc/internal/domain/model"
	apperrors "github.com/veridoc/veridoc/internal/errors"
	"github.com/veridoc/veridoc/internal/mocks"
	"go.uber.org/mock/gomock"
)

type stubProvisioner struct {
	mu          sync.Mutex
	provisionFn func(req core.ProvisionRequest) (*core.ProvisionedInstance, error)
	provisioned int
	terminated  []string
}

func (p *stubProvisioner) Provision(_ context.Context, req core.ProvisionRequest) (*core.ProvisionedInstance, error) {
	p.mu.Lock()
	p.provisioned++
	n := p.provisioned
	p.mu.Unlock()
	if p.provisionFn != nil {
		return p.provisionFn(req)
	}
	return &core.ProvisionedInstance{
		ID:        "worker-" + string(rune('0'+n)),
		Endpoint:  "http://10.0.0.1:8000",
		Prewarmed: req.Prewarmed,
	}, nil
}

func (p *stubProvisioner) Terminate(_ context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, instanceID)
	return nil
}

func (p *stubProvisioner) terminatedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

var _ core.Provisioner = (*stubProvisioner)(nil)

type stubWorkerClient struct {
	mu       sync.Mutex
	healthFn func(endpoint string) (*core.WorkerHealth, error)
	inferFn  func(endpoint string, req core.InferRequest) (*model.InferenceResult, error)
	probes   int
}

func (c *stubWorkerClient) Health(_ context.Context, endpoint string) (*core.WorkerHealth, error) {
	c.mu.Lock()
	c.probes++
	c.mu.Unlock()
	if c.healthFn != nil {
		return c.healthFn(endpoint)
	}
	return &core.WorkerHealth{ModelLoaded: true}, nil
}

func (c *stubWorkerClient) Infer(_ context.Context, endpoint string, req core.InferRequest) (*model.InferenceResult, error) {
	if c.inferFn != nil {
		return c.inferFn(endpoint, req)
	}
	return &model.InferenceResult{}, nil
}

var _ core.WorkerClient = (*stubWorkerClient)(nil)

func testPlannerConfig() fleet.PlannerConfig {
	return fleet.PlannerConfig{
		MinWorkers:  0,
		MaxWorkers:  4,
		QueueWeight: 0.5,
		IdleGrace:   5 * time.Minute,
	}
}

func newTestPoolService(t *testing.T, opts PoolServiceOptions) *PoolService {
	t.Helper()
	if opts.Planner.MaxWorkers == 0 {
		opts.Planner = testPlannerConfig()
	}
	if opts.Provisioner == nil {
		opts.Provisioner = &stubProvisioner{}
	}
	if opts.Client == nil {
		opts.Client = &stubWorkerClient{}
	}
	if opts.InstanceClass == "" {
		opts.InstanceClass = "gpu-a10"
	}
	svc, err := NewPoolService(opts)
	require.NoError(t, err)
	return svc
}

// seedWorker registers a worker directly in the registry, bypassing the
// provisioning lifecycle.
func seedWorker(svc *PoolService, id string, state model.WorkerState) *model.Worker {
	now := svc.timeProvider.Now()
	w := &model.Worker{
		ID:              id,
		InstanceClass:   "gpu-a10",
		State:           state,
		Endpoint:        "http://10.0.0.1:8000",
		LastHeartbeatAt: now,
		IdleSince:       now,
		CreatedAt:       now,
	}
	svc.mu.Lock()
	svc.workers[id] = w
	svc.mu.Unlock()
	return w
}

func TestNewPoolService(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := newTestPoolService(t, PoolServiceOptions{})
		assert.NotNil(t, svc)
		assert.Equal(t, 30*time.Second, svc.acquireWait)
		assert.Equal(t, 2, svc.maxMissedHeartbeats)
	})

	t.Run("missing provisioner", func(t *testing.T) {
		_, err := NewPoolService(PoolServiceOptions{
			Planner:       testPlannerConfig(),
			Client:        &stubWorkerClient{},
			InstanceClass: "gpu-a10",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Provisioner is required")
	})

	t.Run("invalid planner config", func(t *testing.T) {
		_, err := NewPoolService(PoolServiceOptions{
			Planner:       fleet.PlannerConfig{MinWorkers: 3, MaxWorkers: 1},
			Provisioner:   &stubProvisioner{},
			Client:        &stubWorkerClient{},
			InstanceClass: "gpu-a10",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid planner config")
	})
}

func TestPoolService_AcquireRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("acquires a ready worker", func(t *testing.T) {
		svc := newTestPoolService(t, PoolServiceOptions{})
		seedWorker(svc, "worker-1", model.WorkerStateReady)

		w, err := svc.Acquire(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "worker-1", w.ID)
		assert.Equal(t, model.WorkerStateBusy, w.State)
		require.NotNil(t, w.CurrentJobID)
		assert.Equal(t, "job-1", *w.CurrentJobID)

		// The registry copy flipped too.
		workers := svc.Workers()
		require.Len(t, workers, 1)
		assert.Equal(t, model.WorkerStateBusy, workers[0].State)
	})

	t.Run("times out when nothing is ready", func(t *testing.T) {
		svc := newTestPoolService(t, PoolServiceOptions{
			AcquireWait: 20 * time.Millisecond,
		})
		seedWorker(svc, "worker-1", model.WorkerStateWarming)

		w, err := svc.Acquire(ctx, "job-1")
		require.Error(t, err)
		assert.Nil(t, w)
		assert.True(t, apperrors.IsCapacity(err))
	})

	t.Run("release wakes a waiting acquire", func(t *testing.T) {
		svc := newTestPoolService(t, PoolServiceOptions{
			AcquireWait: 2 * time.Second,
		})
		seedWorker(svc, "worker-1", model.WorkerStateReady)

		first, err := svc.Acquire(ctx, "job-1")
		require.NoError(t, err)

		acquired := make(chan *model.Worker, 1)
		go func() {
			w, acquireErr := svc.Acquire(ctx, "job-2")
			if acquireErr == nil {
				acquired <- w
			}
			close(acquired)
		}()

		time.Sleep(10 * time.Millisecond)
		svc.Release(first.ID, false)

		select {
		case w := <-acquired:
			require.NotNil(t, w)
			assert.Equal(t, "worker-1", w.ID)
		case <-time.After(time.Second):
			t.Fatal("waiting acquire never woke up")
		}
	})

	t.Run("canceled context aborts the wait", func(t *testing.T) {
		svc := newTestPoolService(t, PoolServiceOptions{
			AcquireWait: 2 * time.Second,
		})

		waitCtx, cancel := context.WithCancel(ctx)
		cancel()

		w, err := svc.Acquire(waitCtx, "job-1")
		require.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, w)
	})

	t.Run("racing acquires get one busy assignment", func(t *testing.T) {
		svc := newTestPoolService(t, PoolServiceOptions{
			AcquireWait: 50 * time.Millisecond,
		})
		seedWorker(svc, "worker-1", model.WorkerStateReady)

		const racers = 8
		type outcome struct {
			worker *model.Worker
			err    error
		}
		results := make(chan outcome, racers)

		var start sync.WaitGroup
		start.Add(1)
		for i := 0; i < racers; i++ {
			jobID := fmt.Sprintf("job-%d", i)
			go func() {
				start.Wait()
				w, err := svc.Acquire(ctx, jobID)
				results <- outcome{worker: w, err: err}
			}()
		}
		start.Done()

		var won, starved int
		var winner *model.Worker
		for i := 0; i < racers; i++ {
			res := <-results
			if res.err == nil {
				won++
				winner = res.worker
				continue
			}
			starved++
			assert.True(t, apperrors.IsCapacity(res.err))
		}

		// The compare-and-set admits exactly one claimant; everyone else
		// times out as capacity backpressure.
		assert.Equal(t, 1, won)
		assert.Equal(t, racers-1, starved)
		require.NotNil(t, winner)
		assert.Equal(t, model.WorkerStateBusy, winner.State)
		require.NotNil(t, winner.CurrentJobID)

		workers := svc.Workers()
		require.Len(t, workers, 1)
		assert.Equal(t, model.WorkerStateBusy, workers[0].State)
		require.NotNil(t, workers[0].CurrentJobID)
		assert.Equal(t, *winner.CurrentJobID, *workers[0].CurrentJobID)
	})

	t.Run("repeated failures drain the worker", func(t *testing.T) {
		provisioner := &stubProvisioner{}
		svc := newTestPoolService(t, PoolServiceOptions{
			Provisioner:            provisioner,
			MaxConsecutiveFailures: 2,
		})
		seedWorker(svc, "worker-1", model.WorkerStateReady)

		for i := 0; i < 2; i++ {
			w, err := svc.Acquire(ctx, "job-1")
			require.NoError(t, err)
			svc.Release(w.ID, true)
		}
		svc.Shutdown()

		assert.Equal(t, []string{"worker-1"}, provisioner.terminatedIDs())
		assert.Empty(t, svc.Workers())
	})

	t.Run("success resets the failure streak", func(t *testing.T) {
		provisioner := &stubProvisioner{}
		svc := newTestPoolService(t, PoolServiceOptions{
			Provisioner:            provisioner,
			MaxConsecutiveFailures: 2,
		})
		seedWorker(svc, "worker-1", model.WorkerStateReady)

		for _, failed := range []bool{true, false, true} {
			w, err := svc.Acquire(ctx, "job-1")
			require.NoError(t, err)
			svc.Release(w.ID, failed)
		}
		svc.Shutdown()

		assert.Empty(t, provisioner.terminatedIDs())
		require.Len(t, svc.Workers(), 1)
		assert.Equal(t, model.WorkerStateReady, svc.Workers()[0].State)
	})
}

func TestPoolService_Tick(t *testing.T) {
	ctx := context.Background()

	t.Run("scales out for queued work and warms the worker", func(t *testing.T) {
		provisioner := &stubProvisioner{}
		client := &stubWorkerClient{}
		svc := newTestPoolService(t, PoolServiceOptions{
			Provisioner:        provisioner,
			Client:             client,
			WarmupPollInterval: 10 * time.Millisecond,
		})

		// QueueWeight 0.5 over 4 queued jobs wants 2 workers.
		svc.ReportSignal(4, 0)
		require.NoError(t, svc.Tick(ctx))
		svc.Shutdown()

		workers := svc.Workers()
		require.Len(t, workers, 2)
		for _, w := range workers {
			assert.Equal(t, model.WorkerStateReady, w.State)
		}
	})

	t.Run("in-flight provisioning is not doubled", func(t *testing.T) {
		block := make(chan struct{})
		provisioner := &stubProvisioner{
			provisionFn: func(core.ProvisionRequest) (*core.ProvisionedInstance, error) {
				<-block
				return nil, errors.New("aborted")
			},
		}
		svc := newTestPoolService(t, PoolServiceOptions{
			Provisioner: provisioner,
		})

		svc.ReportSignal(4, 0)
		require.NoError(t, svc.Tick(ctx))
		require.NoError(t, svc.Tick(ctx))

		svc.mu.Lock()
		inflight := svc.provisioning
		svc.mu.Unlock()
		assert.Equal(t, 2, inflight)

		close(block)
		svc.Shutdown()
	})

	t.Run("drains idle workers beyond the target", func(t *testing.T) {
		provisioner := &stubProvisioner{}
		svc := newTestPoolService(t, PoolServiceOptions{
			Planner: fleet.PlannerConfig{
				MinWorkers:  0,
				MaxWorkers:  4,
				QueueWeight: 0.5,
				IdleGrace:   time.Minute,
			},
			Provisioner:  provisioner,
			TimeProvider: data.NewFixedTimeProvider(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
		})

		w := seedWorker(svc, "worker-1", model.WorkerStateReady)
		w.IdleSince = svc.timeProvider.Now().Add(-2 * time.Minute)

		// Empty queue, no active jobs: the worker scales to zero.
		svc.ReportSignal(0, 0)
		require.NoError(t, svc.Tick(ctx))
		svc.Shutdown()

		assert.Equal(t, []string{"worker-1"}, provisioner.terminatedIDs())
		assert.Empty(t, svc.Workers())
	})

	t.Run("dead worker requeues its job and is terminated", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockJobRepository(ctrl)
		jobs, _ := newTestJobService(t, repo)

		provisioner := &stubProvisioner{}
		client := &stubWorkerClient{
			healthFn: func(string) (*core.WorkerHealth, error) {
				return nil, errors.New("connection refused")
			},
		}
		svc := newTestPoolService(t, PoolServiceOptions{
			Provisioner:         provisioner,
			Client:              client,
			Jobs:                jobs,
			MaxMissedHeartbeats: 2,
		})

		w := seedWorker(svc, "worker-1", model.WorkerStateBusy)
		jobID := "job-1"
		w.CurrentJobID = &jobID

		repo.EXPECT().Requeue(gomock.Any(), "job-1", "worker died mid-job").
			Return(&core.RequeueResult{
				Job:      &model.Job{ID: "job-1", RetryCount: 1},
				Requeued: true,
			}, nil)

		// First probe failure only counts; the second declares death.
		require.NoError(t, svc.Tick(ctx))
		require.NoError(t, svc.Tick(ctx))
		svc.Shutdown()

		assert.Equal(t, []string{"worker-1"}, provisioner.terminatedIDs())
		assert.Empty(t, svc.Workers())
	})

	t.Run("provision failure backs off and alerts", func(t *testing.T) {
		provisioner := &stubProvisioner{
			provisionFn: func(core.ProvisionRequest) (*core.ProvisionedInstance, error) {
				return nil, errors.New("quota exceeded")
			},
		}
		publisher := &stubPublisher{}
		svc := newTestPoolService(t, PoolServiceOptions{
			Planner: fleet.PlannerConfig{
				MinWorkers:  0,
				MaxWorkers:  1,
				QueueWeight: 1,
				IdleGrace:   time.Minute,
			},
			Provisioner:        provisioner,
			Publisher:          publisher,
			AlertAfterFailures: 1,
		})

		svc.ReportSignal(1, 0)
		require.NoError(t, svc.Tick(ctx))
		svc.Shutdown()

		require.Len(t, publisher.alerts, 1)
		alert := publisher.alerts[0]
		assert.Equal(t, "critical", alert.Severity)
		assert.Equal(t, "pool_service", alert.Component)

		svc.mu.Lock()
		backoffArmed := svc.nextProvisionAt.After(svc.timeProvider.Now().Add(-time.Second))
		svc.mu.Unlock()
		assert.True(t, backoffArmed)

		// The next tick sits out the backoff window.
		svc.ReportSignal(1, 0)
		require.NoError(t, svc.Tick(ctx))
		svc.Shutdown()
		provisioner.mu.Lock()
		attempts := provisioner.provisioned
		provisioner.mu.Unlock()
		assert.Equal(t, 1, attempts)
	})
}

func TestPoolService_ReportSignal(t *testing.T) {
	svc := newTestPoolService(t, PoolServiceOptions{})
	svc.ReportSignal(7, 3)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, 7, svc.queueDepth)
	assert.Equal(t, 3, svc.activeJobs)
}

package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/domain/model"
)

var testCfg = PlannerConfig{
	MinWorkers:          0,
	MaxWorkers:          10,
	QueueWeight:         0.5,
	ThroughputWeight:    1.0,
	TargetJobsPerWorker: 4,
	IdleGrace:           5 * time.Minute,
}

func TestPlannerConfig_Validate(t *testing.T) {
	require.NoError(t, testCfg.Validate())

	bad := testCfg
	bad.MinWorkers = -1
	assert.Error(t, bad.Validate())

	bad = testCfg
	bad.MaxWorkers = 0
	bad.MinWorkers = 3
	assert.Error(t, bad.Validate())

	bad = testCfg
	bad.QueueWeight = -0.1
	assert.Error(t, bad.Validate())
}

func TestTargetSize_QueueDepthIsPrimary(t *testing.T) {
	sig := model.ScalingSignal{QueueDepth: 8}
	assert.Equal(t, 4, TargetSize(sig, testCfg))

	sig.QueueDepth = 1
	assert.Equal(t, 1, TargetSize(sig, testCfg))
}

func TestTargetSize_ClampedToBounds(t *testing.T) {
	sig := model.ScalingSignal{QueueDepth: 500}
	assert.Equal(t, 10, TargetSize(sig, testCfg))

	cfg := testCfg
	cfg.MinWorkers = 2
	assert.Equal(t, 2, TargetSize(model.ScalingSignal{}, cfg))
}

func TestTargetSize_ZeroFloorWhenIdle(t *testing.T) {
	// Scale-to-zero: nothing queued, nothing active, floor of zero.
	assert.Equal(t, 0, TargetSize(model.ScalingSignal{}, testCfg))
}

func TestTargetSize_ActiveJobsKeepWorkers(t *testing.T) {
	sig := model.ScalingSignal{QueueDepth: 0, ActiveJobs: 3}
	assert.Equal(t, 3, TargetSize(sig, testCfg))
}

func TestTargetSize_ThroughputSecondary(t *testing.T) {
	// Two live workers each absorbing 6 jobs/min against a target of 4
	// asks for three workers even with an empty queue.
	sig := model.ScalingSignal{LiveWorkers: 2, JobsPerWorkerMin: 6}
	assert.Equal(t, 3, TargetSize(sig, testCfg))
}

func worker(id string, state model.WorkerState, idleFor time.Duration, now time.Time) model.Worker {
	return model.Worker{ID: id, State: state, IdleSince: now.Add(-idleFor)}
}

func TestBuildPlan_ScaleOut(t *testing.T) {
	now := time.Now()
	workers := []model.Worker{
		worker("w1", model.WorkerStateBusy, 0, now),
		worker("w2", model.WorkerStateWarming, 0, now),
	}
	sig := model.ScalingSignal{QueueDepth: 10, ActiveJobs: 1}

	plan := BuildPlan(sig, workers, testCfg, now)
	assert.Equal(t, 5, plan.Target)
	assert.Equal(t, 3, plan.ScaleOut)
	assert.Empty(t, plan.Drain)
}

func TestBuildPlan_DrainsOldestIdleFirst(t *testing.T) {
	now := time.Now()
	workers := []model.Worker{
		worker("w1", model.WorkerStateReady, 10*time.Minute, now),
		worker("w2", model.WorkerStateReady, 30*time.Minute, now),
		worker("w3", model.WorkerStateReady, 20*time.Minute, now),
	}

	plan := BuildPlan(model.ScalingSignal{QueueDepth: 2}, workers, testCfg, now)
	assert.Equal(t, 1, plan.Target)
	assert.Equal(t, []string{"w2", "w3"}, plan.Drain)
}

func TestBuildPlan_ConvergesToZeroAfterIdleGrace(t *testing.T) {
	now := time.Now()
	workers := []model.Worker{
		worker("w1", model.WorkerStateReady, 6*time.Minute, now),
		worker("w2", model.WorkerStateReady, 7*time.Minute, now),
	}

	plan := BuildPlan(model.ScalingSignal{}, workers, testCfg, now)
	assert.Equal(t, 0, plan.Target)
	assert.Len(t, plan.Drain, 2)
}

func TestBuildPlan_RespectsIdleGrace(t *testing.T) {
	now := time.Now()
	workers := []model.Worker{
		worker("w1", model.WorkerStateReady, time.Minute, now),
	}

	plan := BuildPlan(model.ScalingSignal{}, workers, testCfg, now)
	assert.Equal(t, 0, plan.Target)
	assert.Empty(t, plan.Drain, "worker inside the idle grace period must not drain")
}

func TestBuildPlan_NeverDrainsBusyWorkers(t *testing.T) {
	now := time.Now()
	workers := []model.Worker{
		worker("w1", model.WorkerStateBusy, time.Hour, now),
		worker("w2", model.WorkerStateBusy, time.Hour, now),
	}

	plan := BuildPlan(model.ScalingSignal{}, workers, testCfg, now)
	assert.Empty(t, plan.Drain)
}

func TestBuildPlan_IgnoresLeavingWorkers(t *testing.T) {
	now := time.Now()
	workers := []model.Worker{
		worker("w1", model.WorkerStateDraining, time.Hour, now),
		worker("w2", model.WorkerStateTerminated, time.Hour, now),
	}
	sig := model.ScalingSignal{QueueDepth: 2}

	plan := BuildPlan(sig, workers, testCfg, now)
	assert.Equal(t, 1, plan.ScaleOut, "draining workers do not count toward the live fleet")
}

func TestProvisionBackoff(t *testing.T) {
	base := 10 * time.Second
	ceil := 5 * time.Minute

	assert.Equal(t, 10*time.Second, ProvisionBackoff(0, base, ceil))
	assert.Equal(t, 20*time.Second, ProvisionBackoff(1, base, ceil))
	assert.Equal(t, 80*time.Second, ProvisionBackoff(3, base, ceil))
	assert.Equal(t, ceil, ProvisionBackoff(10, base, ceil))
	assert.Equal(t, ceil, ProvisionBackoff(63, base, ceil), "shift overflow caps at ceiling")
	assert.Equal(t, base, ProvisionBackoff(-2, base, ceil))
}

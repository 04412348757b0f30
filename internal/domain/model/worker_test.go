package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerState_CanTransition_ForwardPath(t *testing.T) {
	assert.True(t, WorkerStateProvisioning.CanTransition(WorkerStateWarming))
	assert.True(t, WorkerStateWarming.CanTransition(WorkerStateReady))
	assert.True(t, WorkerStateReady.CanTransition(WorkerStateBusy))
	assert.True(t, WorkerStateBusy.CanTransition(WorkerStateReady))
	assert.True(t, WorkerStateDraining.CanTransition(WorkerStateTerminated))
}

func TestWorkerState_CanTransition_NoBackwardMoves(t *testing.T) {
	assert.False(t, WorkerStateReady.CanTransition(WorkerStateWarming))
	assert.False(t, WorkerStateWarming.CanTransition(WorkerStateProvisioning))
	assert.False(t, WorkerStateTerminated.CanTransition(WorkerStateReady))
	assert.False(t, WorkerStateTerminated.CanTransition(WorkerStateDraining))
	assert.False(t, WorkerStateDraining.CanTransition(WorkerStateReady))
}

func TestWorkerState_CanTransition_ForcedDrain(t *testing.T) {
	// A heartbeat failure may force a drain from any live state.
	for _, from := range []WorkerState{
		WorkerStateProvisioning,
		WorkerStateWarming,
		WorkerStateReady,
		WorkerStateBusy,
	} {
		assert.True(t, from.CanTransition(WorkerStateDraining), "from %s", from)
	}
}

func TestWorkerState_CanTransition_NoSkips(t *testing.T) {
	assert.False(t, WorkerStateProvisioning.CanTransition(WorkerStateReady))
	assert.False(t, WorkerStateWarming.CanTransition(WorkerStateBusy))
	assert.False(t, WorkerStateReady.CanTransition(WorkerStateTerminated))
}

func TestWorker_Assignable(t *testing.T) {
	w := &Worker{State: WorkerStateReady}
	assert.True(t, w.Assignable())

	jobID := "job-1"
	w.CurrentJobID = &jobID
	assert.False(t, w.Assignable())

	w = &Worker{State: WorkerStateWarming}
	assert.False(t, w.Assignable())

	w = &Worker{State: WorkerStateDraining, IdleSince: time.Now()}
	assert.False(t, w.Assignable())
}

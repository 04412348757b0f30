package model

import (
	"fmt"
	"strings"
	"time"
)

// WorkerState represents the lifecycle state of a GPU worker.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type WorkerState string

const (
	// WorkerStateProvisioning indicates the machine is being created.
	WorkerStateProvisioning WorkerState = "provisioning"
	// WorkerStateWarming indicates the machine is up but the model is still loading.
	WorkerStateWarming WorkerState = "warming"
	// WorkerStateReady indicates the worker can accept a job.
	WorkerStateReady WorkerState = "ready"
	// WorkerStateBusy indicates the worker is running a job.
	WorkerStateBusy WorkerState = "busy"
	// WorkerStateDraining indicates the worker accepts no new jobs and finishes its current one.
	WorkerStateDraining WorkerState = "draining"
	// WorkerStateTerminated indicates the machine is gone.
	WorkerStateTerminated WorkerState = "terminated"
)

// UnmarshalText implements encoding.TextUnmarshaler for WorkerState.
func (s *WorkerState) UnmarshalText(text []byte) error {
	v := WorkerState(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*s = v
		return nil
	}
	return fmt.Errorf("invalid WorkerState: %q", v)
}

// Valid returns true if the WorkerState is valid.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerStateProvisioning, WorkerStateWarming, WorkerStateReady,
		WorkerStateBusy, WorkerStateDraining, WorkerStateTerminated:
		return true
	default:
		return false
	}
}

// workerStateRank orders states along the monotonic lifecycle. Busy and Ready
// share a rank because they may alternate while the worker serves jobs.
func workerStateRank(s WorkerState) int {
	switch s {
	case WorkerStateProvisioning:
		return 0
	case WorkerStateWarming:
		return 1
	case WorkerStateReady, WorkerStateBusy:
		return 2
	case WorkerStateDraining:
		return 3
	case WorkerStateTerminated:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether a worker may move from s to next. Transitions
// are monotonic; the only jump allowed is a forced drain from any live state.
func (s WorkerState) CanTransition(next WorkerState) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	// Forced drain cuts the lifecycle short from any non-terminal state.
	if next == WorkerStateDraining {
		return s != WorkerStateTerminated
	}
	from, to := workerStateRank(s), workerStateRank(next)
	if to < from {
		return false
	}
	switch s {
	case WorkerStateProvisioning:
		return next == WorkerStateWarming
	case WorkerStateWarming:
		return next == WorkerStateReady
	case WorkerStateReady:
		return next == WorkerStateBusy
	case WorkerStateBusy:
		return next == WorkerStateReady
	case WorkerStateDraining:
		return next == WorkerStateTerminated
	default:
		return false
	}
}

// Worker is a GPU compute instance owned exclusively by the pool controller.
// Jobs may reference a worker by ID but never mutate one.
type Worker struct {
	ID               string      `json:"id"`
	InstanceClass    string      `json:"instance_class"`
	State            WorkerState `json:"state"`
	Endpoint         string      `json:"endpoint"`
	Prewarmed        bool        `json:"prewarmed"`
	CurrentJobID     *string     `json:"current_job_id,omitempty"`
	LastHeartbeatAt  time.Time   `json:"last_heartbeat_at"`
	MissedHeartbeats int         `json:"missed_heartbeats"`
	IdleSince        time.Time   `json:"idle_since"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Assignable reports whether the pool may hand this worker a job.
func (w *Worker) Assignable() bool {
	return w.State == WorkerStateReady && w.CurrentJobID == nil
}

// ScalingSignal is the ephemeral per-tick input to the fleet planner. It is
// computed from dispatcher-reported demand and observed worker utilization and
// never persisted beyond the decision window.
type ScalingSignal struct {
	QueueDepth       int
	ActiveJobs       int
	ReadyWorkers     int
	LiveWorkers      int
	JobsPerWorkerMin float64
	ObservedAt       time.Time
}

// WorkerEvent is published on the fleet boundary when a worker changes state.
type WorkerEvent struct {
	WorkerID   string      `json:"worker_id"`
	State      WorkerState `json:"state"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Package core contains the port interfaces between the service layer and the
// adapters. Services depend on these contracts, never on concrete
// implementations.
package core

import (
	"context"
	"time"

	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/model"
)

// JobRepository defines the durable job-store operations. Every state change
// is a conditional write keyed on the job's current status, so racing
// components cannot double-apply a transition.
type JobRepository interface {
	// Create admits a job. It is idempotent on the dedup key: resubmission
	// returns the existing record with created=false.
	Create(ctx context.Context, req *model.SubmitJobRequest) (*model.Job, bool, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByDedupKey(ctx context.Context, dedupKey string) (*model.Job, error)

	// ClaimNext atomically claims the oldest submitted job (FIFO within
	// priority class) and moves it to processing under a lease. Returns
	// model.ErrNoJobsAvailable when the queue is empty.
	ClaimNext(ctx context.Context, leaseSeconds int) (*model.Job, error)
	// Heartbeat extends the claim lease on a processing job.
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	// AssignWorker records which worker holds a processing job so a dead
	// worker's job can be requeued by ID.
	AssignWorker(ctx context.Context, jobID, workerID string) (bool, error)

	Finalize(ctx context.Context, params FinalizeParams) (bool, error)
	RouteToReview(ctx context.Context, params RouteToReviewParams) (bool, error)
	Requeue(ctx context.Context, id, errMsg string) (*RequeueResult, error)
	// ReturnToQueue puts a claimed processing job back in submitted without
	// touching its retry count. Capacity waits land here: no worker within
	// the bound is backpressure, and backpressure must not spend the retry
	// budget a cold-starting fleet needs.
	ReturnToQueue(ctx context.Context, id, reason string) (bool, error)
	Escalate(ctx context.Context, id string) (bool, error)
	FailTerminal(ctx context.Context, id, errMsg string) (bool, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)

	Stats(ctx context.Context) (*model.JobStats, error)
	ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error)
	WaitForNotification(ctx context.Context, topic domainjob.Topic) error
}

// FinalizeParams groups parameters for JobRepository.Finalize.
type FinalizeParams struct {
	JobID string
	// From guards the conditional update; the job must currently be in one
	// of these states.
	From []model.JobStatus
	// ResultRef replaces the stored result reference when non-empty; an
	// empty value keeps whatever the job already carries.
	ResultRef string
	// Confidence is recorded only when the job carries none yet; review
	// routing never overwrites a prior score.
	Confidence *float64
}

// RouteToReviewParams groups parameters for JobRepository.RouteToReview.
type RouteToReviewParams struct {
	JobID      string
	Confidence float64
	ResultRef  string
}

// RequeueResult reports how a recoverable failure was absorbed: either the job
// went back to the queue with an incremented retry count, or the budget was
// exhausted and it failed terminally.
type RequeueResult struct {
	Job       *model.Job
	Requeued  bool
	Exhausted bool
}

// ReaperRepository defines the cleanup operations the reaper loop runs.
type ReaperRepository interface {
	// FailStaleSubmitted fails submitted jobs nothing claimed within maxAge.
	FailStaleSubmitted(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	// DeleteExpired removes terminal jobs whose ttl has elapsed, review
	// tasks included.
	DeleteExpired(ctx context.Context, batchSize int) (int64, error)
	// RequeueExpiredClaims returns abandoned processing jobs to the queue.
	RequeueExpiredClaims(ctx context.Context) (int64, error)
}

// RecordVoteResult reports the outcome of a vote submission.
type RecordVoteResult struct {
	Task *model.ReviewTask
	// Duplicate is true when the slot had already voted; the stored vote
	// wins and the resubmission is a no-op.
	Duplicate bool
}

// ReviewRepository defines the review-task store operations.
type ReviewRepository interface {
	// CreateQuorum creates the fixed tier-1 batch for a job in one
	// transaction. A second call for the same job is rejected.
	CreateQuorum(ctx context.Context, params CreateQuorumParams) ([]model.ReviewTask, error)
	// CreateExpert creates the single tier-2 task for an escalated job.
	CreateExpert(ctx context.Context, jobID string, deadline time.Time) (*model.ReviewTask, error)
	// RecordVote records a vote for an open task. Votes are immutable once
	// written; concurrent and duplicate submissions are safe.
	RecordVote(ctx context.Context, taskID, vote string) (*RecordVoteResult, error)
	GetTask(ctx context.Context, taskID string) (*model.ReviewTask, error)
	ListByJob(ctx context.Context, jobID string, tier model.ReviewTier) ([]model.ReviewTask, error)
	// VoidOpenTasks voids every unvoted task for a job (cancellation,
	// settled consensus) so reviewers see the assignment is gone.
	VoidOpenTasks(ctx context.Context, jobID string) (int64, error)
	// ListJobsPastDeadline returns distinct job IDs that still have open
	// tasks whose deadline has passed, for the settlement sweep.
	ListJobsPastDeadline(ctx context.Context, limit int) ([]string, error)
}

// CreateQuorumParams groups parameters for ReviewRepository.CreateQuorum.
type CreateQuorumParams struct {
	JobID    string
	Quorum   int
	Deadline time.Time
}

// CacheRepository defines the dedup/result cache operations (Redis).
type CacheRepository interface {
	// Reserve stores the value only if the key is absent and reports
	// whether the reservation won.
	Reserve(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// EventPublisher is the notification boundary for downstream consumers.
type EventPublisher interface {
	PublishFinalized(ctx context.Context, event model.FinalizedEvent) error
	PublishWorkerEvent(ctx context.Context, event model.WorkerEvent) error
	PublishAlert(ctx context.Context, alert OperationalAlert) error
}

// OperationalAlert surfaces fatal/operator conditions (fleet cannot scale,
// store unavailable) to whoever is on call.
type OperationalAlert struct {
	Severity   string            `json:"severity"`
	Component  string            `json:"component"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ProvisionRequest asks the compute backend for one GPU instance.
type ProvisionRequest struct {
	InstanceClass string
	// Prewarmed asks for a pre-baked machine image to shrink the
	// provisioning+warming window. Latency optimization only; the backend
	// may ignore it.
	Prewarmed bool
}

// ProvisionedInstance describes a machine the backend created.
type ProvisionedInstance struct {
	ID        string
	Endpoint  string
	Prewarmed bool
}

// Provisioner is the compute backend that creates and destroys GPU machines.
// Provisioning takes minutes; callers must never hold it synchronously on a
// control path.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*ProvisionedInstance, error)
	Terminate(ctx context.Context, instanceID string) error
}

// InferRequest carries one document to a worker.
type InferRequest struct {
	JobID         string
	DocumentRef   string
	DocumentClass model.DocumentClass
}

// WorkerHealth is the readiness report a worker returns while warming.
type WorkerHealth struct {
	ModelLoaded bool
	QueueLength int
}

// WorkerClient talks to a single worker's inference API.
type WorkerClient interface {
	Infer(ctx context.Context, endpoint string, req InferRequest) (*model.InferenceResult, error)
	Health(ctx context.Context, endpoint string) (*WorkerHealth, error)
}

// WorkerPool is the dispatcher-facing contract of the pool controller.
type WorkerPool interface {
	// Acquire hands out a ready worker, flipping it to busy atomically.
	// Returns a capacity error when nothing is ready within the wait bound.
	Acquire(ctx context.Context, jobID string) (*model.Worker, error)
	// Release returns a worker after its job ends. failed marks the worker
	// suspect so repeated failures drain it.
	Release(workerID string, failed bool)
	// ReportSignal feeds dispatcher-observed demand into the next control
	// loop tick.
	ReportSignal(queueDepth, activeJobs int)
}

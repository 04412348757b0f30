// Package model defines the core data types and structures used throughout the veridoc job system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DocumentClass identifies the kind of document a job carries. Confidence
// thresholds and inference timeouts are configured per class.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type DocumentClass string

// JobStatus represents the current lifecycle state of a job.
type JobStatus string

const (
	// DocumentClassImage represents a single-page raster document.
	DocumentClassImage DocumentClass = "image"
	// DocumentClassPDF represents a multi-page PDF document.
	DocumentClassPDF DocumentClass = "pdf"

	// JobStatusSubmitted indicates a job is waiting to be dispatched.
	JobStatusSubmitted JobStatus = "submitted"
	// JobStatusProcessing indicates a job is running on a worker.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusAwaitingReview indicates a low-confidence result is out for tier-1 review.
	JobStatusAwaitingReview JobStatus = "awaiting_review"
	// JobStatusEscalated indicates tier-1 reviewers disagreed and a tier-2 expert decides.
	JobStatusEscalated JobStatus = "escalated"
	// JobStatusCompleted indicates a job finished with a trusted result.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job exhausted its retry budget or hit an unrecoverable error.
	JobStatusFailed JobStatus = "failed"
)

// ErrNoJobsAvailable is returned when no submitted jobs are available for claiming.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for DocumentClass to allow env parsing.
func (c *DocumentClass) UnmarshalText(text []byte) error {
	v := DocumentClass(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*c = v
		return nil
	}
	return fmt.Errorf("invalid DocumentClass: %q", v)
}

// Valid returns true if the DocumentClass is valid.
func (c DocumentClass) Valid() bool {
	return c == DocumentClassImage || c == DocumentClassPDF
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusSubmitted || s == JobStatusProcessing || s == JobStatusAwaitingReview ||
		s == JobStatusEscalated || s == JobStatusCompleted || s == JobStatusFailed
}

// Terminal returns true once a job can no longer transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents a document-processing job with all its metadata and status information.
// Payloads and results are referenced by opaque object-store keys, never embedded.
type Job struct {
	ID               string        `json:"id"                           db:"id"`
	DedupKey         string        `json:"dedup_key"                    db:"dedup_key"`
	DocumentRef      string        `json:"document_ref"                 db:"document_ref"`
	DocumentClass    DocumentClass `json:"document_class"               db:"document_class"`
	Status           JobStatus     `json:"status"                       db:"status"`
	Priority         int           `json:"priority"                     db:"priority"`
	PageCount        int           `json:"page_count"                   db:"page_count"`
	ConfidenceScore  *float64      `json:"confidence_score,omitempty"   db:"confidence_score"`
	AssignedWorkerID *string       `json:"assigned_worker_id,omitempty" db:"assigned_worker_id"`
	ResultRef        *string       `json:"result_ref,omitempty"         db:"result_ref"`
	RetryCount       int           `json:"retry_count"                  db:"retry_count"`
	MaxRetries       int           `json:"max_retries"                  db:"max_retries"`
	LastError        *string       `json:"last_error,omitempty"         db:"last_error"`
	TTLSeconds       int           `json:"ttl_seconds"                  db:"ttl_seconds"`
	LeaseExpiresAt   *time.Time    `json:"lease_expires_at,omitempty"   db:"lease_expires_at"`
	SubmittedAt      time.Time     `json:"submitted_at"                 db:"submitted_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"         db:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"       db:"completed_at"`
	CreatedAt        time.Time     `json:"created_at"                   db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"                   db:"updated_at"`
}

// RetryBudgetExhausted reports whether one more failure would push the job past
// its retry budget.
func (j *Job) RetryBudgetExhausted() bool {
	return j.RetryCount+1 >= j.MaxRetries || j.MaxRetries == 0
}

// SubmitJobRequest represents a request to admit a new job.
type SubmitJobRequest struct {
	DedupKey      string        `json:"dedup_key"`
	DocumentRef   string        `json:"document_ref"`
	DocumentClass DocumentClass `json:"document_class"`
	Priority      int           `json:"priority,omitempty"`
	PageCount     int           `json:"page_count,omitempty"`
	MaxRetries    int           `json:"max_retries"`
	TTLSeconds    int           `json:"ttl_seconds,omitempty"`
}

// Validate validates the SubmitJobRequest fields.
func (r *SubmitJobRequest) Validate() error {
	if strings.TrimSpace(r.DedupKey) == "" {
		return errors.New("dedup key is required")
	}
	if strings.TrimSpace(r.DocumentRef) == "" {
		return errors.New("document ref is required")
	}
	if !r.DocumentClass.Valid() {
		return fmt.Errorf("unsupported document class: %q", r.DocumentClass)
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.PageCount < 0 {
		return errors.New("page count must be >= 0")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if r.TTLSeconds < 0 {
		return errors.New("ttl must be >= 0")
	}
	return nil
}

// InferenceResult is the raw outcome a worker returned for a document.
// Confidence extraction from Raw happens in the confidence evaluator.
type InferenceResult struct {
	Raw       []byte
	ResultRef string
	Pages     int
	WorkerID  string
	Duration  time.Duration
}

// JobStats summarizes job counts per status. The dispatcher feeds these counts
// into the worker-pool scaling signal each tick.
type JobStats struct {
	Submitted      int `json:"submitted"       db:"submitted"`
	Processing     int `json:"processing"      db:"processing"`
	AwaitingReview int `json:"awaiting_review" db:"awaiting_review"`
	Escalated      int `json:"escalated"       db:"escalated"`
	Completed      int `json:"completed"       db:"completed"`
	Failed         int `json:"failed"          db:"failed"`
}

// FinalizedEvent is published on the notification boundary when a job reaches a
// terminal state.
type FinalizedEvent struct {
	JobID           string           `json:"job_id"`
	Status          JobStatus        `json:"status"`
	ResultRef       string           `json:"result_ref,omitempty"`
	ConfidenceScore *float64         `json:"confidence_score,omitempty"`
	Consensus       *ConsensusResult `json:"consensus,omitempty"`
	FinalizedAt     time.Time        `json:"finalized_at"`
}

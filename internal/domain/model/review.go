package model

import (
	"errors"
	"strings"
	"time"
)

// ReviewTier distinguishes the quorum batch from the expert escalation.
type ReviewTier int

const (
	// ReviewTierQuorum is the first-pass batch of independent reviewers.
	ReviewTierQuorum ReviewTier = 1
	// ReviewTierExpert is the single authoritative reviewer after escalation.
	ReviewTierExpert ReviewTier = 2
)

// ReviewTask is one reviewer's assignment for a job under review. A task is
// immutable once its vote is recorded; duplicate submissions from the same slot
// are idempotent.
type ReviewTask struct {
	ID           string     `json:"id"                     db:"id"`
	JobID        string     `json:"job_id"                 db:"job_id"`
	Tier         ReviewTier `json:"tier"                   db:"tier"`
	ReviewerSlot int        `json:"reviewer_slot"          db:"reviewer_slot"`
	Vote         *string    `json:"vote,omitempty"         db:"vote"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	Deadline     time.Time  `json:"deadline"               db:"deadline"`
	Voided       bool       `json:"voided"                 db:"voided"`
	CreatedAt    time.Time  `json:"created_at"             db:"created_at"`
}

// Open reports whether the task can still receive a vote at the given time.
func (t *ReviewTask) Open(now time.Time) bool {
	return t.Vote == nil && !t.Voided && now.Before(t.Deadline)
}

// ConsensusResult is derived from the recorded votes of a job's review tasks.
// It is recomputed on every vote arrival and is final once the agreement ratio
// crosses the decision threshold or all reviewer deadlines pass.
type ConsensusResult struct {
	JobID          string  `json:"job_id"`
	AgreementRatio float64 `json:"agreement_ratio"`
	MajorityVote   string  `json:"majority_vote"`
	VotesReceived  int     `json:"votes_received"`
	Escalated      bool    `json:"escalated"`
}

// ValidateVote rejects empty or oversized vote values at the boundary so a
// malformed submission never affects sibling tasks.
func ValidateVote(vote string) error {
	if strings.TrimSpace(vote) == "" {
		return errors.New("vote is required")
	}
	if len(vote) > 64 {
		return errors.New("vote exceeds 64 characters")
	}
	return nil
}

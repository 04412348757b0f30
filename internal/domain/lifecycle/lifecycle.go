// Package lifecycle is the authoritative job state machine. Every component
// proposes transitions; this package validates them and the job repository
// commits them with conditional writes keyed on the current status.
package lifecycle

import (
	"fmt"

	"github.com/veridoc/veridoc/internal/domain/model"
)

// Transition names a proposed state change so rejections carry intent, not
// just a from/to pair.
type Transition string

const (
	// TransitionDispatch moves a submitted job onto a worker.
	TransitionDispatch Transition = "dispatch"
	// TransitionFinalize completes a job with a trusted result.
	TransitionFinalize Transition = "finalize"
	// TransitionRouteReview sends a low-confidence result to tier-1 review.
	TransitionRouteReview Transition = "route_review"
	// TransitionRequeue returns a job to the queue after a recoverable worker failure.
	TransitionRequeue Transition = "requeue"
	// TransitionEscalate hands a disputed review to a tier-2 expert.
	TransitionEscalate Transition = "escalate"
	// TransitionFail marks a job as unrecoverable.
	TransitionFail Transition = "fail"
	// TransitionCancel aborts a job before completion.
	TransitionCancel Transition = "cancel"
)

// InvalidTransitionError reports a rejected state change. Callers must treat
// it as a correctness bug or a lost race, never retry it blindly.
type InvalidTransitionError struct {
	From       model.JobStatus
	To         model.JobStatus
	Transition Transition
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Transition, e.From, e.To)
}

// transitions maps each named transition to its permitted source states and
// the resulting state.
var transitions = map[Transition]struct {
	from []model.JobStatus
	to   model.JobStatus
}{
	TransitionDispatch: {
		from: []model.JobStatus{model.JobStatusSubmitted},
		to:   model.JobStatusProcessing,
	},
	TransitionFinalize: {
		from: []model.JobStatus{
			model.JobStatusProcessing,
			model.JobStatusAwaitingReview,
			model.JobStatusEscalated,
		},
		to: model.JobStatusCompleted,
	},
	TransitionRouteReview: {
		from: []model.JobStatus{model.JobStatusProcessing},
		to:   model.JobStatusAwaitingReview,
	},
	TransitionRequeue: {
		from: []model.JobStatus{model.JobStatusProcessing},
		to:   model.JobStatusSubmitted,
	},
	TransitionEscalate: {
		from: []model.JobStatus{model.JobStatusAwaitingReview},
		to:   model.JobStatusEscalated,
	},
	TransitionFail: {
		from: []model.JobStatus{
			model.JobStatusSubmitted,
			model.JobStatusProcessing,
			model.JobStatusAwaitingReview,
			model.JobStatusEscalated,
		},
		to: model.JobStatusFailed,
	},
	TransitionCancel: {
		from: []model.JobStatus{
			model.JobStatusSubmitted,
			model.JobStatusProcessing,
			model.JobStatusAwaitingReview,
			model.JobStatusEscalated,
		},
		to: model.JobStatusFailed,
	},
}

// Resolve validates a proposed transition from the given status and returns
// the resulting status. An invalid proposal is rejected, not silently applied.
func Resolve(from model.JobStatus, t Transition) (model.JobStatus, error) {
	rule, ok := transitions[t]
	if !ok {
		return "", fmt.Errorf("unknown transition: %q", t)
	}
	for _, allowed := range rule.from {
		if from == allowed {
			return rule.to, nil
		}
	}
	return "", &InvalidTransitionError{From: from, To: rule.to, Transition: t}
}

// SourceStates returns the states a transition may start from. The job
// repository uses these as the guard set for its conditional updates.
func SourceStates(t Transition) []model.JobStatus {
	rule, ok := transitions[t]
	if !ok {
		return nil
	}
	out := make([]model.JobStatus, len(rule.from))
	copy(out, rule.from)
	return out
}

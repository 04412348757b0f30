// Package consensus computes review outcomes from recorded votes. The
// computation is pure and idempotent: it may be recomputed safely on every
// vote arrival and always yields the same result for the same vote set.
package consensus

import (
	"errors"
	"sort"
	"time"

	"github.com/veridoc/veridoc/internal/domain/model"
)

// Outcome is the decision derived from the current vote state.
type Outcome int

const (
	// OutcomePending means more votes may still arrive; no decision yet.
	OutcomePending Outcome = iota
	// OutcomeFinalize means the majority vote is accepted as the final result.
	OutcomeFinalize
	// OutcomeEscalate means tier-1 reviewers disagreed (or too few responded)
	// and a tier-2 expert must decide.
	OutcomeEscalate
)

// Decision bundles the outcome with the recomputed consensus record.
type Decision struct {
	Outcome Outcome
	Result  model.ConsensusResult
}

// Rules holds the configured decision parameters.
type Rules struct {
	// Quorum is the fixed number of tier-1 reviewers per job.
	Quorum int
	// Threshold is the minimum agreement ratio that finalizes without escalation.
	Threshold float64
}

// Validate checks the rule parameters.
func (r Rules) Validate() error {
	if r.Quorum <= 0 {
		return errors.New("quorum must be positive")
	}
	if r.Threshold <= 0 || r.Threshold > 1 {
		return errors.New("threshold must be within (0,1]")
	}
	return nil
}

// Evaluate recomputes consensus for a job's tier-1 tasks at the given time.
//
// agreementRatio = majority count / votes received. Missing votes at deadline
// reduce the denominator rather than counting as a default vote. Before all
// tasks settle (vote recorded or deadline passed) the outcome is Pending
// unless the majority already clears the threshold over the full quorum, in
// which case no late vote can change the decision.
func Evaluate(tasks []model.ReviewTask, rules Rules, now time.Time) (Decision, error) {
	if err := rules.Validate(); err != nil {
		return Decision{}, err
	}
	if len(tasks) == 0 {
		return Decision{}, errors.New("no review tasks")
	}

	jobID := tasks[0].JobID
	votes := 0
	settled := 0
	counts := make(map[string]int)
	for _, task := range tasks {
		if task.JobID != jobID {
			return Decision{}, errors.New("review tasks span multiple jobs")
		}
		if task.Tier != model.ReviewTierQuorum {
			return Decision{}, errors.New("consensus evaluates tier-1 tasks only")
		}
		switch {
		case task.Vote != nil:
			votes++
			settled++
			counts[*task.Vote]++
		case task.Voided || !now.Before(task.Deadline):
			settled++
		}
	}

	majorityVote, majorityCount := majority(counts)

	result := model.ConsensusResult{
		JobID:         jobID,
		MajorityVote:  majorityVote,
		VotesReceived: votes,
	}
	if votes > 0 {
		result.AgreementRatio = float64(majorityCount) / float64(votes)
	}

	allSettled := settled == len(tasks)

	// An early majority over the full quorum is decisive: even if every
	// outstanding reviewer voted differently, the ratio cannot drop below
	// the threshold once majorityCount/quorum clears it.
	if !allSettled {
		if float64(majorityCount)/float64(rules.Quorum) >= rules.Threshold {
			return Decision{Outcome: OutcomeFinalize, Result: result}, nil
		}
		return Decision{Outcome: OutcomePending, Result: result}, nil
	}

	if votes == 0 || result.AgreementRatio < rules.Threshold {
		result.Escalated = true
		return Decision{Outcome: OutcomeEscalate, Result: result}, nil
	}
	return Decision{Outcome: OutcomeFinalize, Result: result}, nil
}

// majority returns the vote value with the highest count, breaking ties by
// lexicographic order so recomputation stays deterministic. A tied majority
// never clears a >0.5 threshold, so the tie-break only affects reporting.
func majority(counts map[string]int) (string, int) {
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Strings(values)

	best := ""
	bestCount := 0
	for _, v := range values {
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best, bestCount
}

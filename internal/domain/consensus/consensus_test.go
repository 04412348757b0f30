package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/domain/model"
)

var testRules = Rules{Quorum: 5, Threshold: 0.60}

func quorumTasks(t *testing.T, deadline time.Time, votes ...string) []model.ReviewTask {
	t.Helper()
	require.Len(t, votes, 5, "tier-1 batch is fixed at 5 tasks")

	tasks := make([]model.ReviewTask, 0, len(votes))
	for i, v := range votes {
		task := model.ReviewTask{
			ID:           "task-" + string(rune('a'+i)),
			JobID:        "job-1",
			Tier:         model.ReviewTierQuorum,
			ReviewerSlot: i + 1,
			Deadline:     deadline,
		}
		if v != "" {
			vote := v
			task.Vote = &vote
			submitted := deadline.Add(-time.Minute)
			task.SubmittedAt = &submitted
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func TestEvaluate_MajorityFinalizes(t *testing.T) {
	now := time.Now()
	tasks := quorumTasks(t, now.Add(time.Hour), "A", "A", "A", "B", "B")

	d, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalize, d.Outcome)
	assert.Equal(t, "A", d.Result.MajorityVote)
	assert.InDelta(t, 0.6, d.Result.AgreementRatio, 1e-9)
	assert.Equal(t, 5, d.Result.VotesReceived)
	assert.False(t, d.Result.Escalated)
}

func TestEvaluate_ThreeWaySplitEscalates(t *testing.T) {
	now := time.Now()
	tasks := quorumTasks(t, now.Add(time.Hour), "A", "A", "B", "B", "C")

	d, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, d.Outcome)
	assert.InDelta(t, 0.4, d.Result.AgreementRatio, 1e-9)
	assert.True(t, d.Result.Escalated)
}

func TestEvaluate_PendingUntilSettled(t *testing.T) {
	now := time.Now()
	tasks := quorumTasks(t, now.Add(time.Hour), "A", "B", "", "", "")

	d, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, d.Outcome)
	assert.Equal(t, 2, d.Result.VotesReceived)
}

func TestEvaluate_EarlyMajorityIsDecisive(t *testing.T) {
	// Three agreeing votes out of five clear 0.60 over the full quorum;
	// no combination of late votes can undo the decision.
	now := time.Now()
	tasks := quorumTasks(t, now.Add(time.Hour), "A", "A", "A", "", "")

	d, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalize, d.Outcome)
	assert.Equal(t, "A", d.Result.MajorityVote)
}

func TestEvaluate_MissedDeadlinesReduceDenominator(t *testing.T) {
	// Two reviewers never respond. 3/3 received votes agree: finalize.
	now := time.Now()
	tasks := quorumTasks(t, now.Add(-time.Minute), "A", "A", "A", "", "")

	d, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalize, d.Outcome)
	assert.InDelta(t, 1.0, d.Result.AgreementRatio, 1e-9)
	assert.Equal(t, 3, d.Result.VotesReceived)
}

func TestEvaluate_NoVotesByDeadlineEscalates(t *testing.T) {
	now := time.Now()
	tasks := quorumTasks(t, now.Add(-time.Minute), "", "", "", "", "")

	d, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, d.Outcome)
	assert.Zero(t, d.Result.VotesReceived)
	assert.True(t, d.Result.Escalated)
}

func TestEvaluate_SplitPairBelowThresholdEscalates(t *testing.T) {
	now := time.Now()
	tasks := quorumTasks(t, now.Add(-time.Minute), "A", "A", "B", "B", "")

	d, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, d.Outcome)
	assert.InDelta(t, 0.5, d.Result.AgreementRatio, 1e-9)
}

func TestEvaluate_DeterministicForFixedVotes(t *testing.T) {
	now := time.Now()
	tasks := quorumTasks(t, now.Add(time.Hour), "B", "A", "B", "A", "B")

	first, err := Evaluate(tasks, testRules, now)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, evalErr := Evaluate(tasks, testRules, now)
		require.NoError(t, evalErr)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, OutcomeFinalize, first.Outcome)
	assert.Equal(t, "B", first.Result.MajorityVote)
}

func TestEvaluate_InputValidation(t *testing.T) {
	now := time.Now()

	_, err := Evaluate(nil, testRules, now)
	assert.Error(t, err)

	_, err = Evaluate(quorumTasks(t, now, "A", "A", "A", "A", "A"), Rules{Quorum: 0, Threshold: 0.6}, now)
	assert.Error(t, err)

	_, err = Evaluate(quorumTasks(t, now, "A", "A", "A", "A", "A"), Rules{Quorum: 5, Threshold: 1.2}, now)
	assert.Error(t, err)

	mixed := quorumTasks(t, now.Add(time.Hour), "A", "A", "A", "A", "A")
	mixed[2].JobID = "job-2"
	_, err = Evaluate(mixed, testRules, now)
	assert.Error(t, err)

	expert := quorumTasks(t, now.Add(time.Hour), "A", "A", "A", "A", "A")
	expert[0].Tier = model.ReviewTierExpert
	_, err = Evaluate(expert, testRules, now)
	assert.Error(t, err)
}

package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/domain/lifecycle"
	"github.com/veridoc/veridoc/internal/domain/model"
)

func TestStatusGuard(t *testing.T) {
	tests := []struct {
		name       string
		transition lifecycle.Transition
		want       string
	}{
		{
			name:       "dispatch guards on submitted",
			transition: lifecycle.TransitionDispatch,
			want:       "'submitted'",
		},
		{
			name:       "route review guards on processing",
			transition: lifecycle.TransitionRouteReview,
			want:       "'processing'",
		},
		{
			name:       "finalize guards on every pre-terminal result state",
			transition: lifecycle.TransitionFinalize,
			want:       "'processing', 'awaiting_review', 'escalated'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusGuard(tt.transition))
		})
	}
}

func TestStatusListQuotesEveryState(t *testing.T) {
	got := statusList([]model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed})
	assert.Equal(t, "'completed', 'failed'", got)
}

func TestFixedTimeProvider(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tp := NewFixedTimeProvider(base)

	assert.Equal(t, base, tp.Now())

	tp.AddTime(90 * time.Second)
	assert.Equal(t, base.Add(90*time.Second), tp.Now())

	later := base.Add(time.Hour)
	tp.SetTime(later)
	assert.Equal(t, later, tp.Now())
}

func TestNewJobRepoDefaultsTimeProvider(t *testing.T) {
	repo := NewJobRepo(nil, JobRepoConfig{})
	require.NotNil(t, repo.timeProvider)

	before := time.Now()
	now := repo.timeProvider.Now()
	assert.False(t, now.Before(before.Add(-time.Second)))
}

func TestRequeueDelayDefault(t *testing.T) {
	repo := NewJobRepo(nil, JobRepoConfig{})
	assert.Equal(t, defaultRequeueDelaySeconds, repo.requeueDelay())

	repo = NewJobRepo(nil, JobRepoConfig{RequeueDelaySeconds: 45})
	assert.Equal(t, 45, repo.requeueDelay())
}

func TestAdvisoryLockSweepMinorIsStable(t *testing.T) {
	a := advisoryLockSweepMinor("requeue_expired_claims")
	b := advisoryLockSweepMinor("requeue_expired_claims")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, int64(0))
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veridoc/veridoc/config"
	"github.com/veridoc/veridoc/internal/mocks"
	"go.uber.org/mock/gomock"
)

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        50 * time.Millisecond,
		SubmittedMaxAge: time.Hour,
		BatchSize:       100,
	}
}

func newTestReaperService(t *testing.T, repo *mocks.MockReaperRepository) *ReaperService {
	t.Helper()
	svc, err := NewReaperService(ReaperServiceOptions{
		Repo:   repo,
		Config: testReaperConfig(),
	})
	require.NoError(t, err)
	return svc
}

func TestNewReaperService(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("success", func(t *testing.T) {
		repo := mocks.NewMockReaperRepository(ctrl)
		svc := newTestReaperService(t, repo)
		assert.NotNil(t, svc)
	})

	t.Run("missing repo", func(t *testing.T) {
		svc, err := NewReaperService(ReaperServiceOptions{
			Config: testReaperConfig(),
		})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "ReaperRepository is required")
	})
}

func TestReaperService_runCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("runs all phases", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockReaperRepository(ctrl)
		svc := newTestReaperService(t, repo)

		repo.EXPECT().RequeueExpiredClaims(ctx).Return(int64(2), nil)
		repo.EXPECT().FailStaleSubmitted(ctx, time.Hour, 100).Return(int64(0), nil)
		repo.EXPECT().DeleteExpired(ctx, 100).Return(int64(0), nil)

		require.NoError(t, svc.runCleanup(ctx))
	})

	t.Run("stale-submitted sweep is off by default", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockReaperRepository(ctrl)
		cfg := testReaperConfig()
		cfg.SubmittedMaxAge = 0
		svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg})
		require.NoError(t, err)

		// No FailStaleSubmitted expectation: a day-long fleet outage must not
		// convert the queued backlog into terminal failures.
		repo.EXPECT().RequeueExpiredClaims(ctx).Return(int64(0), nil)
		repo.EXPECT().DeleteExpired(ctx, 100).Return(int64(0), nil)

		require.NoError(t, svc.runCleanup(ctx))
	})

	t.Run("batches until a phase drains", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockReaperRepository(ctrl)
		svc := newTestReaperService(t, repo)

		repo.EXPECT().RequeueExpiredClaims(ctx).Return(int64(0), nil)
		gomock.InOrder(
			repo.EXPECT().FailStaleSubmitted(ctx, time.Hour, 100).Return(int64(100), nil),
			repo.EXPECT().FailStaleSubmitted(ctx, time.Hour, 100).Return(int64(37), nil),
			repo.EXPECT().FailStaleSubmitted(ctx, time.Hour, 100).Return(int64(0), nil),
		)
		gomock.InOrder(
			repo.EXPECT().DeleteExpired(ctx, 100).Return(int64(100), nil),
			repo.EXPECT().DeleteExpired(ctx, 100).Return(int64(0), nil),
		)

		require.NoError(t, svc.runCleanup(ctx))
	})

	t.Run("one failing phase does not stop the others", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockReaperRepository(ctrl)
		svc := newTestReaperService(t, repo)

		repo.EXPECT().RequeueExpiredClaims(ctx).Return(int64(0), errors.New("lock contention"))
		repo.EXPECT().FailStaleSubmitted(ctx, time.Hour, 100).Return(int64(0), nil)
		repo.EXPECT().DeleteExpired(ctx, 100).Return(int64(0), nil)

		err := svc.runCleanup(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requeue expired claims")
	})

	t.Run("context cancellation maps to canceled", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockReaperRepository(ctrl)
		svc := newTestReaperService(t, repo)

		repo.EXPECT().RequeueExpiredClaims(ctx).Return(int64(0), context.Canceled)
		repo.EXPECT().FailStaleSubmitted(ctx, time.Hour, 100).Return(int64(0), context.Canceled)
		repo.EXPECT().DeleteExpired(ctx, 100).Return(int64(0), context.Canceled)

		err := svc.runCleanup(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestReaperService_Run(t *testing.T) {
	t.Run("graceful shutdown returns nil", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockReaperRepository(ctrl)
		svc := newTestReaperService(t, repo)

		repo.EXPECT().RequeueExpiredClaims(gomock.Any()).Return(int64(0), nil).AnyTimes()
		repo.EXPECT().FailStaleSubmitted(gomock.Any(), time.Hour, 100).Return(int64(0), nil).AnyTimes()
		repo.EXPECT().DeleteExpired(gomock.Any(), 100).Return(int64(0), nil).AnyTimes()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		time.Sleep(120 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("reaper did not stop on cancellation")
		}
	})

	t.Run("keeps running after cleanup errors", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := mocks.NewMockReaperRepository(ctrl)
		svc := newTestReaperService(t, repo)

		calls := make(chan struct{}, 8)
		repo.EXPECT().RequeueExpiredClaims(gomock.Any()).DoAndReturn(
			func(context.Context) (int64, error) {
				select {
				case calls <- struct{}{}:
				default:
				}
				return 0, errors.New("db down")
			}).AnyTimes()
		repo.EXPECT().FailStaleSubmitted(gomock.Any(), time.Hour, 100).Return(int64(0), nil).AnyTimes()
		repo.EXPECT().DeleteExpired(gomock.Any(), 100).Return(int64(0), nil).AnyTimes()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			_ = svc.Run(ctx)
		}()

		// The initial run plus at least one ticker run despite the error.
		for i := 0; i < 2; i++ {
			select {
			case <-calls:
			case <-time.After(time.Second):
				t.Fatal("cleanup stopped running after an error")
			}
		}
	})
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []ServiceMode
		wantErr bool
	}{
		{
			name:  "single service",
			input: "dispatcher",
			want:  []ServiceMode{ServiceModeDispatcher},
		},
		{
			name:  "all services",
			input: "dispatcher,poolctl,review,reaper",
			want: []ServiceMode{
				ServiceModeDispatcher,
				ServiceModePoolController,
				ServiceModeReview,
				ServiceModeReaper,
			},
		},
		{
			name:  "whitespace tolerated",
			input: " dispatcher , reaper ",
			want:  []ServiceMode{ServiceModeDispatcher, ServiceModeReaper},
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "only commas",
			input:   ",,,",
			wantErr: true,
		},
		{
			name:    "unknown service",
			input:   "dispatcher,websrv",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, len(tt.want))
			for _, mode := range tt.want {
				assert.True(t, got[mode], "expected %s enabled", mode)
			}
		})
	}
}

func TestAppConfig_ServicePredicates(t *testing.T) {
	cfg := AppConfig{Services: "dispatcher,review"}
	assert.True(t, cfg.IsDispatcherEnabled())
	assert.True(t, cfg.IsReviewEnabled())
	assert.False(t, cfg.IsPoolControllerEnabled())
	assert.False(t, cfg.IsReaperEnabled())

	broken := AppConfig{Services: "nonsense"}
	assert.False(t, broken.IsDispatcherEnabled())
}

func TestSanitize_Guardrails(t *testing.T) {
	t.Run("reaper minimums", func(t *testing.T) {
		r := ReaperConfig{
			Interval:        time.Second,
			SubmittedMaxAge: time.Second,
			BatchSize:       0,
		}
		r.Sanitize()
		assert.Equal(t, time.Minute, r.Interval)
		assert.Equal(t, 5*time.Minute, r.SubmittedMaxAge)
		assert.Equal(t, 1, r.BatchSize)
	})

	t.Run("reaper stale-submitted sweep stays disabled at zero", func(t *testing.T) {
		r := ReaperConfig{Interval: time.Hour, SubmittedMaxAge: 0, BatchSize: 100}
		r.Sanitize()
		assert.Equal(t, time.Duration(0), r.SubmittedMaxAge)

		r.SubmittedMaxAge = -time.Hour
		r.Sanitize()
		assert.Equal(t, time.Duration(0), r.SubmittedMaxAge)
	})

	t.Run("reaper batch cap", func(t *testing.T) {
		r := ReaperConfig{Interval: time.Hour, SubmittedMaxAge: time.Hour, BatchSize: 50000}
		r.Sanitize()
		assert.Equal(t, 10000, r.BatchSize)
	})

	t.Run("pool bounds ordering", func(t *testing.T) {
		p := PoolConfig{MinWorkers: 5, MaxWorkers: 2, TickInterval: time.Second}
		p.Sanitize()
		assert.Equal(t, 5, p.MaxWorkers)
		assert.Equal(t, 5*time.Second, p.TickInterval)
	})

	t.Run("review threshold fallback", func(t *testing.T) {
		r := ReviewConfig{
			Quorum:             0,
			AgreementThreshold: 1.5,
			QuorumWindow:       time.Second,
			ExpertWindow:       time.Second,
			SweepInterval:      time.Millisecond,
			SweepBatch:         0,
		}
		r.Sanitize()
		assert.Equal(t, 1, r.Quorum)
		assert.InDelta(t, 0.60, r.AgreementThreshold, 0.0001)
		assert.Equal(t, time.Minute, r.QuorumWindow)
		assert.Equal(t, 1, r.SweepBatch)
	})

	t.Run("dispatch lease ceiling follows base", func(t *testing.T) {
		d := DispatchConfig{
			Concurrency:      0,
			BaseLease:        time.Minute,
			LeaseCeiling:     time.Second,
			InferBaseTimeout: time.Minute,
			IdleWait:         time.Minute,
			SignalInterval:   time.Minute,
		}
		d.Sanitize()
		assert.Equal(t, 1, d.Concurrency)
		assert.Equal(t, 10*time.Minute, d.LeaseCeiling)
	})
}

func TestNATSConfig_Enabled(t *testing.T) {
	assert.False(t, NATSConfig{}.Enabled())
	assert.True(t, NATSConfig{URL: "nats://localhost:4222"}.Enabled())
}

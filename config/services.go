package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeDispatcher runs the job dispatcher loop.
	ServiceModeDispatcher ServiceMode = "dispatcher"
	// ServiceModePoolController runs the worker pool control loop.
	ServiceModePoolController ServiceMode = "poolctl"
	// ServiceModeReview runs the review settlement sweep.
	ServiceModeReview ServiceMode = "review"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeDispatcher,
		ServiceModePoolController,
		ServiceModeReview,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeDispatcher, ServiceModePoolController,
			ServiceModeReview, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: dispatcher, poolctl, review, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// QueueConfig contains job intake and claim configuration.
type QueueConfig struct {
	// RequeueDelaySeconds delays a requeued job's re-dispatch so a flapping
	// worker does not immediately re-claim it.
	RequeueDelaySeconds int `env:"QUEUE_REQUEUE_DELAY_SECONDS" envDefault:"15"`

	// DedupReserveTTL is the Redis fast-path reservation window for dedup keys.
	DedupReserveTTL time.Duration `env:"QUEUE_DEDUP_RESERVE_TTL" envDefault:"10m"`

	// ResultCacheTTL is how long finalized results stay in the Redis cache.
	ResultCacheTTL time.Duration `env:"QUEUE_RESULT_CACHE_TTL" envDefault:"1h"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.RequeueDelaySeconds < 0 {
		q.RequeueDelaySeconds = 0
	}
	if q.DedupReserveTTL < time.Second {
		q.DedupReserveTTL = time.Second
	}
	if q.ResultCacheTTL < time.Minute {
		q.ResultCacheTTL = time.Minute
	}
}

// DispatchConfig contains dispatcher service configuration.
type DispatchConfig struct {
	// Concurrency is the number of dispatch worker goroutines.
	Concurrency int `env:"DISPATCH_CONCURRENCY" envDefault:"4"`

	// BaseLease is the claim lease for a single-page document.
	BaseLease time.Duration `env:"DISPATCH_BASE_LEASE" envDefault:"2m"`

	// LeasePerPage is the lease increment per additional page.
	LeasePerPage time.Duration `env:"DISPATCH_LEASE_PER_PAGE" envDefault:"10s"`

	// LeaseCeiling is the hard upper bound on a claim lease.
	LeaseCeiling time.Duration `env:"DISPATCH_LEASE_CEILING" envDefault:"20m"`

	// InferBaseTimeout is the inference timeout for a single-page document.
	InferBaseTimeout time.Duration `env:"DISPATCH_INFER_BASE_TIMEOUT" envDefault:"60s"`

	// InferPerPageTimeout is the inference timeout increment per additional page.
	InferPerPageTimeout time.Duration `env:"DISPATCH_INFER_PER_PAGE_TIMEOUT" envDefault:"15s"`

	// InferTimeoutCeiling is the hard upper bound on an inference timeout.
	InferTimeoutCeiling time.Duration `env:"DISPATCH_INFER_TIMEOUT_CEILING" envDefault:"15m"`

	// IdleWait bounds how long a dispatch worker waits for a queue
	// notification before polling anyway.
	IdleWait time.Duration `env:"DISPATCH_IDLE_WAIT" envDefault:"15s"`

	// CancelCheckInterval is how often an in-flight inference re-checks the
	// job's stored status, bounding how long a canceled job holds a worker.
	CancelCheckInterval time.Duration `env:"DISPATCH_CANCEL_CHECK_INTERVAL" envDefault:"15s"`

	// SignalInterval is how often queue depth is reported to the pool.
	SignalInterval time.Duration `env:"DISPATCH_SIGNAL_INTERVAL" envDefault:"15s"`
}

// Sanitize applies guardrails to dispatcher configuration values.
func (d *DispatchConfig) Sanitize() {
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	if d.BaseLease < 10*time.Second {
		d.BaseLease = 10 * time.Second
	}
	if d.LeasePerPage < 0 {
		d.LeasePerPage = 0
	}
	if d.LeaseCeiling < d.BaseLease {
		d.LeaseCeiling = 10 * d.BaseLease
	}
	if d.InferBaseTimeout < time.Second {
		d.InferBaseTimeout = time.Second
	}
	if d.InferTimeoutCeiling < d.InferBaseTimeout {
		d.InferTimeoutCeiling = 10 * d.InferBaseTimeout
	}
	if d.IdleWait < time.Second {
		d.IdleWait = time.Second
	}
	if d.CancelCheckInterval < time.Second {
		d.CancelCheckInterval = time.Second
	}
	if d.SignalInterval < time.Second {
		d.SignalInterval = time.Second
	}
}

// PoolConfig contains worker pool controller configuration.
type PoolConfig struct {
	// MinWorkers is the fleet floor. Zero eliminates idle GPU cost.
	MinWorkers int `env:"POOL_MIN_WORKERS" envDefault:"0"`

	// MaxWorkers is the fleet ceiling.
	MaxWorkers int `env:"POOL_MAX_WORKERS" envDefault:"4"`

	// QueueWeight converts queued jobs into wanted workers (primary signal).
	QueueWeight float64 `env:"POOL_QUEUE_WEIGHT" envDefault:"0.5"`

	// ThroughputWeight scales the demand implied by observed throughput.
	ThroughputWeight float64 `env:"POOL_THROUGHPUT_WEIGHT" envDefault:"0.25"`

	// TargetJobsPerWorker is the per-worker throughput one worker is
	// expected to absorb, in jobs per minute.
	TargetJobsPerWorker float64 `env:"POOL_TARGET_JOBS_PER_WORKER" envDefault:"2"`

	// IdleGrace is how long a worker must sit idle before scale-in.
	IdleGrace time.Duration `env:"POOL_IDLE_GRACE" envDefault:"5m"`

	// TickInterval is the control loop cadence.
	TickInterval time.Duration `env:"POOL_TICK_INTERVAL" envDefault:"30s"`

	// InstanceClass is the GPU instance class requested from the backend.
	InstanceClass string `env:"POOL_INSTANCE_CLASS" envDefault:"gpu-standard"`

	// Prewarmed asks the backend for pre-baked machine images.
	Prewarmed bool `env:"POOL_PREWARMED" envDefault:"true"`

	// BackendURL is the compute backend API. Empty selects the in-memory
	// static backend (development only).
	BackendURL string `env:"POOL_BACKEND_URL" envDefault:""`

	// BackendToken authenticates against the compute backend.
	BackendToken string `env:"POOL_BACKEND_TOKEN" envDefault:""`

	AcquireWait          time.Duration `env:"POOL_ACQUIRE_WAIT"           envDefault:"30s"`
	WarmupTimeout        time.Duration `env:"POOL_WARMUP_TIMEOUT"         envDefault:"10m"`
	WarmupPollInterval   time.Duration `env:"POOL_WARMUP_POLL_INTERVAL"   envDefault:"5s"`
	HealthProbeTimeout   time.Duration `env:"POOL_HEALTH_PROBE_TIMEOUT"   envDefault:"5s"`
	ProvisionTimeout     time.Duration `env:"POOL_PROVISION_TIMEOUT"      envDefault:"15m"`
	ProvisionBackoffBase time.Duration `env:"POOL_PROVISION_BACKOFF_BASE" envDefault:"10s"`
	ProvisionBackoffCeil time.Duration `env:"POOL_PROVISION_BACKOFF_CEIL" envDefault:"5m"`

	MaxMissedHeartbeats    int `env:"POOL_MAX_MISSED_HEARTBEATS"    envDefault:"2"`
	MaxConsecutiveFailures int `env:"POOL_MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
	AlertAfterFailures     int `env:"POOL_ALERT_AFTER_FAILURES"     envDefault:"3"`
}

// Sanitize applies guardrails to pool configuration values.
func (p *PoolConfig) Sanitize() {
	if p.MinWorkers < 0 {
		p.MinWorkers = 0
	}
	if p.MaxWorkers < p.MinWorkers {
		p.MaxWorkers = p.MinWorkers
	}
	if p.MaxWorkers < 1 {
		p.MaxWorkers = 1
	}
	if p.QueueWeight < 0 {
		p.QueueWeight = 0
	}
	if p.TickInterval < 5*time.Second {
		p.TickInterval = 5 * time.Second
	}
}

// ConfidenceConfig contains the per-document-class confidence gate. The
// score expression is a JMESPath query over the worker's raw inference JSON.
type ConfidenceConfig struct {
	ImageThreshold float64 `env:"CONFIDENCE_IMAGE_THRESHOLD" envDefault:"0.80"`
	PDFThreshold   float64 `env:"CONFIDENCE_PDF_THRESHOLD"   envDefault:"0.75"`

	ImageScoreExpr string `env:"CONFIDENCE_IMAGE_SCORE_EXPR" envDefault:"confidence_raw"`
	PDFScoreExpr   string `env:"CONFIDENCE_PDF_SCORE_EXPR"   envDefault:"confidence_raw"`
}

// ReviewConfig contains review engine configuration.
type ReviewConfig struct {
	// Quorum is the fixed number of tier-1 reviewers per job.
	Quorum int `env:"REVIEW_QUORUM" envDefault:"5"`

	// AgreementThreshold is the minimum agreement ratio that finalizes
	// without escalation.
	AgreementThreshold float64 `env:"REVIEW_AGREEMENT_THRESHOLD" envDefault:"0.60"`

	// QuorumWindow is the tier-1 vote deadline window.
	QuorumWindow time.Duration `env:"REVIEW_QUORUM_WINDOW" envDefault:"4h"`

	// ExpertWindow is the tier-2 vote deadline window.
	ExpertWindow time.Duration `env:"REVIEW_EXPERT_WINDOW" envDefault:"8h"`

	// SweepInterval is the deadline settlement sweep cadence.
	SweepInterval time.Duration `env:"REVIEW_SWEEP_INTERVAL" envDefault:"1m"`

	// SweepBatch is the maximum number of jobs settled per sweep.
	SweepBatch int `env:"REVIEW_SWEEP_BATCH" envDefault:"50"`
}

// Sanitize applies guardrails to review configuration values.
func (r *ReviewConfig) Sanitize() {
	if r.Quorum < 1 {
		r.Quorum = 1
	}
	if r.AgreementThreshold <= 0 || r.AgreementThreshold > 1 {
		r.AgreementThreshold = 0.60
	}
	if r.QuorumWindow < time.Minute {
		r.QuorumWindow = time.Minute
	}
	if r.ExpertWindow < time.Minute {
		r.ExpertWindow = time.Minute
	}
	if r.SweepInterval < 5*time.Second {
		r.SweepInterval = 5 * time.Second
	}
	if r.SweepBatch < 1 {
		r.SweepBatch = 1
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// SubmittedMaxAge fails submitted jobs nothing claimed within the
	// window. Zero (the default) disables the sweep: a queued job waits out
	// fleet outages rather than aging into terminal failure.
	SubmittedMaxAge time.Duration `env:"REAPER_SUBMITTED_MAX_AGE" envDefault:"0"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.SubmittedMaxAge < 0 {
		r.SubmittedMaxAge = 0
	}
	if r.SubmittedMaxAge > 0 && r.SubmittedMaxAge < 5*time.Minute {
		r.SubmittedMaxAge = 5 * time.Minute
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

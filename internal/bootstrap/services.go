package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridoc/veridoc/config"
	"github.com/veridoc/veridoc/internal/adapters/dispatch"
	"github.com/veridoc/veridoc/internal/adapters/natspub"
	"github.com/veridoc/veridoc/internal/adapters/poolctl"
	"github.com/veridoc/veridoc/internal/adapters/provisioner"
	"github.com/veridoc/veridoc/internal/adapters/reaper"
	"github.com/veridoc/veridoc/internal/adapters/reviewsweep"
	"github.com/veridoc/veridoc/internal/adapters/workerclient"
	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/data"
	"github.com/veridoc/veridoc/internal/domain/confidence"
	"github.com/veridoc/veridoc/internal/domain/consensus"
	"github.com/veridoc/veridoc/internal/domain/fleet"
	domainjob "github.com/veridoc/veridoc/internal/domain/job"
	"github.com/veridoc/veridoc/internal/domain/model"
	"github.com/veridoc/veridoc/internal/service"
)

const shutdownWaitTimeout = 30 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs      *service.JobService
	Reviews   *service.ReviewService
	Pool      *service.PoolService
	Evaluator *confidence.Evaluator
	Worker    core.WorkerClient
	Publisher *natspub.Publisher // nil when NATS is disabled
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo    *data.JobRepo
	ReviewRepo *data.ReviewRepo
	CacheRepo  *data.RedisCacheRepo
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps) *serviceRepositories {
	repos := &serviceRepositories{
		JobRepo: data.NewJobRepo(deps.DB, data.JobRepoConfig{
			RequeueDelaySeconds: deps.Config.Queue.RequeueDelaySeconds,
			Logger:              deps.Logger,
		}),
		ReviewRepo: data.NewReviewRepo(deps.DB, data.ReviewRepoConfig{
			Logger: deps.Logger,
		}),
	}
	if deps.RedisClient != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(deps.RedisClient)
	}
	return repos
}

// buildEvaluator maps the per-class confidence configuration onto the
// evaluator's policies.
func buildEvaluator(cfg config.ConfidenceConfig) (*confidence.Evaluator, error) {
	return confidence.NewEvaluator(map[model.DocumentClass]confidence.ClassPolicy{
		model.DocumentClassImage: {Threshold: cfg.ImageThreshold, ScoreExpr: cfg.ImageScoreExpr},
		model.DocumentClassPDF:   {Threshold: cfg.PDFThreshold, ScoreExpr: cfg.PDFScoreExpr},
	})
}

// buildProvisioner selects the compute backend: the HTTP adapter when a
// backend URL is configured, the in-memory static backend otherwise.
//
//nolint:ireturn // the caller only needs the Provisioner port.
func buildProvisioner(cfg config.PoolConfig, logger *slog.Logger) (core.Provisioner, error) {
	if cfg.BackendURL == "" {
		if logger != nil {
			logger.Warn("no compute backend configured; using static in-memory provisioner")
		}
		return provisioner.NewStaticBackend(""), nil
	}
	return provisioner.NewHTTPBackend(provisioner.HTTPBackendOptions{
		BaseURL: cfg.BackendURL,
		Token:   cfg.BackendToken,
	})
}

// NewServices initializes all application services. The NATS publisher is
// optional: with no URL configured, terminal events stay on the
// LISTEN/NOTIFY plane only.
func NewServices(ctx context.Context, deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service deps with config are required")
	}
	if deps.DB == nil {
		return nil, errors.New("database connection is required")
	}

	cfg := deps.Config
	repos := buildRepositories(deps)

	var publisher *natspub.Publisher
	if cfg.NATS.Enabled() {
		p, err := natspub.Connect(ctx, cfg.NATS, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		publisher = p
	}
	// A nil *Publisher must not become a non-nil EventPublisher interface.
	var eventPublisher core.EventPublisher
	if publisher != nil {
		eventPublisher = publisher
	}

	leasePolicy, err := domainjob.NewLeasePolicy(domainjob.LeasePolicyOptions{
		Base:    cfg.Dispatch.BaseLease,
		PerPage: cfg.Dispatch.LeasePerPage,
		Ceiling: cfg.Dispatch.LeaseCeiling,
	})
	if err != nil {
		return nil, fmt.Errorf("build lease policy: %w", err)
	}

	jobOpts := service.JobServiceOptions{
		Repo:            repos.JobRepo,
		LeasePolicy:     leasePolicy,
		Publisher:       eventPublisher,
		Logger:          deps.Logger,
		DedupReserveTTL: cfg.Queue.DedupReserveTTL,
		ResultCacheTTL:  cfg.Queue.ResultCacheTTL,
	}
	if repos.CacheRepo != nil {
		jobOpts.Cache = repos.CacheRepo
	}
	jobs, err := service.NewJobService(jobOpts)
	if err != nil {
		return nil, fmt.Errorf("build job service: %w", err)
	}

	reviews, err := service.NewReviewService(service.ReviewServiceOptions{
		Jobs:    repos.JobRepo,
		Reviews: repos.ReviewRepo,
		Rules: consensus.Rules{
			Quorum:    cfg.Review.Quorum,
			Threshold: cfg.Review.AgreementThreshold,
		},
		QuorumWindow: cfg.Review.QuorumWindow,
		ExpertWindow: cfg.Review.ExpertWindow,
		Publisher:    eventPublisher,
		Logger:       deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build review service: %w", err)
	}

	evaluator, err := buildEvaluator(cfg.Confidence)
	if err != nil {
		return nil, fmt.Errorf("build confidence evaluator: %w", err)
	}

	backend, err := buildProvisioner(cfg.Pool, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("build provisioner: %w", err)
	}

	worker := workerclient.NewClient(workerclient.ClientOptions{})

	pool, err := service.NewPoolService(service.PoolServiceOptions{
		Planner: fleet.PlannerConfig{
			MinWorkers:          cfg.Pool.MinWorkers,
			MaxWorkers:          cfg.Pool.MaxWorkers,
			QueueWeight:         cfg.Pool.QueueWeight,
			ThroughputWeight:    cfg.Pool.ThroughputWeight,
			TargetJobsPerWorker: cfg.Pool.TargetJobsPerWorker,
			IdleGrace:           cfg.Pool.IdleGrace,
		},
		Provisioner:            backend,
		Client:                 worker,
		Jobs:                   jobs,
		Publisher:              eventPublisher,
		Logger:                 deps.Logger,
		InstanceClass:          cfg.Pool.InstanceClass,
		Prewarmed:              cfg.Pool.Prewarmed,
		AcquireWait:            cfg.Pool.AcquireWait,
		WarmupTimeout:          cfg.Pool.WarmupTimeout,
		WarmupPollInterval:     cfg.Pool.WarmupPollInterval,
		HealthProbeTimeout:     cfg.Pool.HealthProbeTimeout,
		ProvisionTimeout:       cfg.Pool.ProvisionTimeout,
		ProvisionBackoffBase:   cfg.Pool.ProvisionBackoffBase,
		ProvisionBackoffCeil:   cfg.Pool.ProvisionBackoffCeil,
		MaxMissedHeartbeats:    cfg.Pool.MaxMissedHeartbeats,
		MaxConsecutiveFailures: cfg.Pool.MaxConsecutiveFailures,
		AlertAfterFailures:     cfg.Pool.AlertAfterFailures,
	})
	if err != nil {
		return nil, fmt.Errorf("build pool service: %w", err)
	}

	return &ServiceContainer{
		Jobs:      jobs,
		Reviews:   reviews,
		Pool:      pool,
		Evaluator: evaluator,
		Worker:    worker,
		Publisher: publisher,
	}, nil
}

// ServiceOrchestrationConfig groups everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    *ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceStartupDeps carries shared state for service launches.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newDispatcherBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeDispatcher,
		name: "dispatcher",
		start: func(ctx context.Context) error {
			runner, err := dispatch.NewRunner(dispatch.RunnerOptions{
				Jobs:      deps.cfg.Services.Jobs,
				Reviews:   deps.cfg.Services.Reviews,
				Pool:      deps.cfg.Services.Pool,
				Worker:    deps.cfg.Services.Worker,
				Evaluator: deps.cfg.Services.Evaluator,
				Config:    deps.cfg.Config.Dispatch,
				Logger:    deps.logger,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newPoolControllerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModePoolController,
		name: "pool controller",
		start: func(ctx context.Context) error {
			runner, err := poolctl.NewRunner(poolctl.RunnerOptions{
				Pool:     deps.cfg.Services.Pool,
				Interval: deps.cfg.Config.Pool.TickInterval,
				Logger:   deps.logger,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newReviewBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReview,
		name: "review sweep",
		start: func(ctx context.Context) error {
			runner, err := reviewsweep.NewRunner(reviewsweep.RunnerOptions{
				Jobs:    deps.cfg.Services.Jobs,
				Reviews: deps.cfg.Services.Reviews,
				Config:  deps.cfg.Config.Review,
				Logger:  deps.logger,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			runner, err := reaper.NewRunner(reaper.RunnerOptions{
				DB:     deps.cfg.DB,
				Config: deps.cfg.Config.Reaper,
				Logger: deps.logger,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newDispatcherBackgroundService(deps),
		newPoolControllerBackgroundService(deps),
		newReviewBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	if cfg.Services == nil {
		return errors.New("service orchestration config missing services")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(config.ValidServiceModes())+1)

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		services:    cfg.Services,
		logger:      logger,
		backgrounds: handles,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	services    *ServiceContainer
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services and closes shared adapters.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.services != nil {
		cfg.services.Jobs.StopNotifier()
		cfg.services.Pool.Shutdown()
		if cfg.services.Publisher != nil {
			if err := cfg.services.Publisher.Close(); err != nil {
				cfg.logger.Warn("close nats publisher", "error", err)
			}
		}
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}

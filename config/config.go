package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - nats.go: Event broker configuration
//   - services.go: Service mode and per-service configuration
type AppConfig struct {
	// IsDev controls development mode behavior (pretty logging, relaxed
	// guardrails). Set DEV=true for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Event broker configuration
	NATS NATSConfig `envPrefix:"NATS_"`

	// Services is the comma-delimited list of service modes to run in this
	// process, e.g. "dispatcher,poolctl" or "reaper".
	Services string `env:"SERVICES" envDefault:"dispatcher,poolctl,review,reaper"`

	// Queue intake and claim configuration
	Queue QueueConfig

	// Dispatcher configuration
	Dispatch DispatchConfig

	// Worker pool controller configuration
	Pool PoolConfig

	// Confidence gate configuration
	Confidence ConfidenceConfig

	// Review engine configuration
	Review ReviewConfig

	// Reaper configuration
	Reaper ReaperConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Queue.Sanitize()
	c.Dispatch.Sanitize()
	c.Pool.Sanitize()
	c.Review.Sanitize()
	c.Reaper.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// NODE_ENV is checked as a fallback (common in container base images).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsDispatcherEnabled returns true if the dispatcher service is enabled.
func (c *AppConfig) IsDispatcherEnabled() bool {
	return c.serviceEnabled(ServiceModeDispatcher)
}

// IsPoolControllerEnabled returns true if the pool controller service is enabled.
func (c *AppConfig) IsPoolControllerEnabled() bool {
	return c.serviceEnabled(ServiceModePoolController)
}

// IsReviewEnabled returns true if the review settlement service is enabled.
func (c *AppConfig) IsReviewEnabled() bool {
	return c.serviceEnabled(ServiceModeReview)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

package config

// NATSConfig contains event broker configuration. Finalized jobs, worker
// state changes, and operator alerts are published as JSON messages on the
// configured subjects.
type NATSConfig struct {
	// URL is the NATS server URL. Empty disables publishing entirely;
	// terminal outcomes remain readable from the store.
	URL string `env:"URL" envDefault:""`

	// Name identifies this connection to the server.
	Name string `env:"NAME" envDefault:"veridoc"`

	FinalizedSubject string `env:"FINALIZED_SUBJECT" envDefault:"veridoc.jobs.finalized"`
	WorkerSubject    string `env:"WORKER_SUBJECT"    envDefault:"veridoc.fleet.workers"`
	AlertSubject     string `env:"ALERT_SUBJECT"     envDefault:"veridoc.ops.alerts"`
}

// Enabled reports whether a broker is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

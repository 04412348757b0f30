// Package natspub implements the event-publisher port using NATS JetStream.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/veridoc/veridoc/config"
	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/domain/model"
)

const streamName = "VERIDOC"

// Publisher implements core.EventPublisher over NATS JetStream. Publishing is
// best-effort by contract: the job store stays authoritative, so a lost
// message loses a notification, never an outcome.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    config.NATSConfig
	logger *slog.Logger
}

// Connect establishes a connection to NATS and ensures the JetStream stream
// covering the configured subjects exists.
func Connect(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: streamName,
		Subjects: []string{
			cfg.FinalizedSubject,
			cfg.WorkerSubject,
			cfg.AlertSubject,
		},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	if logger != nil {
		logger = logger.With("component", "nats_publisher")
		logger.InfoContext(ctx, "nats connected", "url", cfg.URL, "stream", streamName)
	}
	return &Publisher{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// PublishFinalized publishes a terminal job outcome.
func (p *Publisher) PublishFinalized(ctx context.Context, event model.FinalizedEvent) error {
	return p.publish(ctx, p.cfg.FinalizedSubject, event)
}

// PublishWorkerEvent publishes a worker state change.
func (p *Publisher) PublishWorkerEvent(ctx context.Context, event model.WorkerEvent) error {
	return p.publish(ctx, p.cfg.WorkerSubject, event)
}

// PublishAlert publishes an operator alert.
func (p *Publisher) PublishAlert(ctx context.Context, alert core.OperationalAlert) error {
	return p.publish(ctx, p.cfg.AlertSubject, alert)
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (p *Publisher) Close() error {
	p.nc.Close()
	return nil
}

var _ core.EventPublisher = (*Publisher)(nil)

package nats

import (
	"encoding/json"
	"fmt"

	"windash/internal/core/metrics"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	telemetryStream  = "TELEMETRY"
	telemetrySubject = "telemetry.>"
)

// Publisher fans ingested metric batches out on JetStream so live
// dashboard consumers can subscribe instead of polling the REST API.
type Publisher struct {
	nc *natsgo.Conn
	js natsgo.JetStreamContext
	lg zerolog.Logger
}

func New(url string, lg zerolog.Logger) (*Publisher, error) {
	nc, err := natsgo.Connect(url, natsgo.Name("windash"))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	p := &Publisher{nc: nc, js: js, lg: lg.With().Str("adapter", "nats").Logger()}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// ensureStream idempotently creates the shared telemetry stream.
func (p *Publisher) ensureStream() error {
	_, err := p.js.AddStream(&natsgo.StreamConfig{
		Name:     telemetryStream,
		Subjects: []string{telemetrySubject},
		Storage:  natsgo.FileStorage,
		Replicas: 1,
	})
	if err != nil && err != natsgo.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

// PublishSamples publishes one device's batch on telemetry.<deviceID>.
func (p *Publisher) PublishSamples(deviceID string, samples []metrics.AgentSample) error {
	b, err := json.Marshal(map[string]any{
		"deviceId": deviceID,
		"samples":  samples,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := p.js.Publish("telemetry."+deviceID, b); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() { _ = p.nc.Drain() }

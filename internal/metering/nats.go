package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

const (
	DefaultStream        = "TOOL_METERING"
	DefaultSubjectPrefix = "metering"
	cloudEventSource     = "tooltelemetry/ingest"
	cloudEventTypePrefix = "ai.ongoing.tooltelemetry."
)

// cloudEvent is the CloudEvents 1.0 JSON envelope written to the stream.
type cloudEvent struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Subject         string    `json:"subject"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Data            Event     `json:"data"`
}

type JetStreamConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Timeout       time.Duration
}

// JetStreamPublisher publishes metering events to NATS JetStream. The event id
// is sent as Nats-Msg-Id so redelivered events are deduplicated by the stream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// ConnectJetStream connects to NATS and creates the stream when it is missing.
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = DefaultStream
	}
	if strings.TrimSpace(cfg.SubjectPrefix) == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("tooltelemetry-metering"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("metering nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("metering nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.Stream(ctx, cfg.Stream); err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("look up stream %s: %w", cfg.Stream, err)
		}
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.SubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
		logger.Info("created metering stream", "stream", cfg.Stream, "subjects", cfg.SubjectPrefix+".>")
	}

	return &JetStreamPublisher{nc: nc, js: js, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix, eventType string) string {
	return prefix + "." + eventType
}

func encodeCloudEvent(prefix string, event Event) (string, []byte, error) {
	subject := Subject(prefix, event.Type)
	data, err := json.Marshal(cloudEvent{
		SpecVersion:     "1.0",
		ID:              event.ID,
		Source:          cloudEventSource,
		Type:            cloudEventTypePrefix + event.Type,
		Subject:         subject,
		Time:            event.OccurredAt,
		DataContentType: "application/json",
		Data:            event,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal metering event: %w", err)
	}
	return subject, data, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, event Event) error {
	subject, data, err := encodeCloudEvent(p.prefix, event)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishBatch publishes asynchronously and waits for every ack.
func (p *JetStreamPublisher) PublishBatch(ctx context.Context, events []Event) error {
	futures := make([]jetstream.PubAckFuture, 0, len(events))
	for _, event := range events {
		subject, data, err := encodeCloudEvent(p.prefix, event)
		if err != nil {
			return err
		}
		future, err := p.js.PublishAsync(subject, data, jetstream.WithMsgID(event.ID))
		if err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		futures = append(futures, future)
	}

	var errs []error
	for _, future := range futures {
		select {
		case <-future.Ok():
		case err := <-future.Err():
			errs = append(errs, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func (p *JetStreamPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("drain metering nats connection", "error", err)
	}
}

// ClassifyPublishError maps a publish error to one of the telemetry error
// classes.
func ClassifyPublishError(err error) string {
	switch {
	case err == nil:
		return telemetry.ErrorClassUnknown
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, jetstream.ErrNoStreamResponse):
		return telemetry.ErrorClassTimeout
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrDisconnected), errors.Is(err, nats.ErrConnectionDraining):
		return telemetry.ErrorClassConnection
	case errors.Is(err, ErrQueueFull):
		return telemetry.ErrorClassContention
	}
	return telemetry.ClassifyError(err)
}

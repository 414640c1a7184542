package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/api"
	"github.com/ongoingai/tooltelemetry/internal/config"
	"github.com/ongoingai/tooltelemetry/internal/metering"
	"github.com/ongoingai/tooltelemetry/internal/observability"
)

// meteringPipeline is the sink handed to ingestion plus whatever must be
// drained and closed when the server stops.
type meteringPipeline struct {
	sink       metering.Sink
	dispatcher *metering.Dispatcher
	closeFn    func()
}

var connectJetStream = func(ctx context.Context, cfg metering.JetStreamConfig, logger *slog.Logger) (metering.Publisher, func(), error) {
	publisher, err := metering.ConnectJetStream(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return publisher, publisher.Close, nil
}

func newMeteringPipeline(ctx context.Context, cfg config.MeteringConfig, logger *slog.Logger, otelRuntime *observability.Runtime) (*meteringPipeline, error) {
	switch cfg.Driver {
	case config.MeteringDriverNone:
		return &meteringPipeline{sink: metering.NopSink{}}, nil
	case config.MeteringDriverNATS:
		publisher, closePublisher, err := connectJetStream(ctx, metering.JetStreamConfig{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats jetstream: %w", err)
		}
		dispatcher := metering.NewDispatcher(publisher, cfg.QueueSize)
		dispatcher.SetMetrics(dispatcherMetrics(logger, otelRuntime))
		otelRuntime.RegisterQueueDepthGauge(func() int { return dispatcher.Snapshot().QueueDepth })
		dispatcher.Start(context.Background())
		return &meteringPipeline{sink: dispatcher, dispatcher: dispatcher, closeFn: closePublisher}, nil
	default:
		return &meteringPipeline{sink: metering.LogSink{Logger: logger}}, nil
	}
}

// dispatcherMetrics logs publish failures and forwards every callback to the
// OpenTelemetry counters when they are enabled.
func dispatcherMetrics(logger *slog.Logger, otelRuntime *observability.Runtime) *metering.DispatcherMetrics {
	metrics := otelRuntime.DispatcherMetrics()
	if metrics == nil {
		metrics = &metering.DispatcherMetrics{}
	}
	onFailure := metrics.OnFailure
	metrics.OnFailure = func(failure metering.PublishFailure) {
		logger.Error("metering publish failed",
			"operation", failure.Operation,
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
		if onFailure != nil {
			onFailure(failure)
		}
	}
	return metrics
}

func (p *meteringPipeline) diagnostics() api.MeteringDiagnosticsReader {
	if p == nil || p.dispatcher == nil {
		return nil
	}
	return p.dispatcher
}

// shutdown drains queued events before closing the NATS connection.
func (p *meteringPipeline) shutdown(logger *slog.Logger, timeout time.Duration) {
	if p == nil {
		return
	}
	if p.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.dispatcher.Shutdown(ctx); err != nil {
			logger.Error("failed to drain metering queue", "error", err, "timeout", timeout.String())
		}
	}
	if p.closeFn != nil {
		p.closeFn()
	}
}

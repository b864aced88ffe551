package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/telemetry/health"
	"flow-hq/domains/pkg/telemetry/logging"
	"flow-hq/domains/pkg/telemetry/metrics"
	"flow-hq/domains/pkg/telemetry/tracing"
)

// Telemetry holds the logger, metrics collector, tracer and health checker
// of one process.
type Telemetry struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	health  *health.Checker

	Version   string
	Commit    string
	BuildTime string
}

// New builds telemetry from cfg. Logs go to w (stderr when nil).
func New(cfg *config.TelemetryConfig, w io.Writer, version, commit, buildTime string) (*Telemetry, error) {
	logger, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Writer:    w,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracer, err := tracing.New(&cfg.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return &Telemetry{
		logger:    logger,
		metrics:   metrics.NewCollector(&cfg.Metrics, registry),
		tracer:    tracer,
		health:    health.New(cfg.Health.CheckTimeout),
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}, nil
}

// Logger returns the process logger.
func (t *Telemetry) Logger() *slog.Logger { return t.logger }

// Metrics returns the metrics collector.
func (t *Telemetry) Metrics() *metrics.Collector { return t.metrics }

// Tracer returns the tracer.
func (t *Telemetry) Tracer() *tracing.Tracer { return t.tracer }

// Health returns the health checker.
func (t *Telemetry) Health() *health.Checker { return t.health }

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	return errors.Join(errs...)
}

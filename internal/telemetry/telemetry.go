package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fyrsmithlabs/deployd/internal/config"
)

// Telemetry owns the SDK providers for one process. The zero value is
// unusable; construct with New.
type Telemetry struct {
	cfg config.TelemetryConfig

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logs    *sdklog.LoggerProvider

	degraded atomic.Bool
	reason   atomic.Value
}

// New builds providers per cfg and installs them as the otel globals.
// A disabled config returns a working no-op instance. Exporter
// construction errors mark the instance degraded rather than failing,
// so a missing collector never blocks a deployment.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.setDegraded("traces: " + err.Error())
	} else {
		t.traces = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.setDegraded("metrics: " + err.Error())
	} else {
		t.metrics = mp
		otel.SetMeterProvider(mp)
	}

	if cfg.LogExport {
		if lp, err := newLoggerProvider(ctx, cfg, res); err != nil {
			t.setDegraded("logs: " + err.Error())
		} else {
			t.logs = lp
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// LoggerProvider returns the log provider for the zap bridge, or nil
// when log export is disabled or degraded.
func (t *Telemetry) LoggerProvider() otellog.LoggerProvider {
	if t == nil || t.logs == nil {
		return nil
	}
	return t.logs
}

// Degraded reports whether any provider failed to initialize, with the
// first failure reason.
func (t *Telemetry) Degraded() (bool, string) {
	if t == nil || !t.degraded.Load() {
		return false, ""
	}
	reason, _ := t.reason.Load().(string)
	return true, reason
}

// Shutdown flushes and stops every provider. The configured shutdown
// timeout applies when ctx carries no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if t.logs != nil {
		if err := t.logs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ForceFlush exports pending spans, metrics, and records immediately.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.traces != nil {
		if err := t.traces.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	if t.logs != nil {
		if err := t.logs.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(reason string) {
	if t.degraded.CompareAndSwap(false, true) {
		t.reason.Store(reason)
	}
}

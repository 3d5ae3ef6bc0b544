// Package metrics exports run metrics in the Prometheus format, either as a
// textfile written at run-end or from an HTTP /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
)

const Namespace = "hitrun"

// Registrar accepts event listeners
type Registrar interface {
	On(kind events.Kind, l events.Listener)
}

// Exporter turns the event stream into Prometheus metrics
type Exporter struct {
	registry *prometheus.Registry
	textfile string
	log      *slog.Logger
	server   *http.Server

	tests           *prometheus.CounterVec
	retries         *prometheus.CounterVec
	errors          *prometheus.CounterVec
	testDuration    *prometheus.HistogramVec
	sessionsActive  *prometheus.GaugeVec
	sessionsStarted *prometheus.CounterVec
	runDuration     prometheus.Gauge
	runSuccess      prometheus.Gauge
	runs            prometheus.Counter

	// failed is set by failures and errors of the current run
	failed atomic.Bool
}

// Option configures an Exporter
type Option func(*Exporter)

// WithTextfile writes the registry to path at every run-end, in the
// node_exporter textfile format
func WithTextfile(path string) Option {
	return func(e *Exporter) {
		e.textfile = path
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		e.log = l
	}
}

func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "metrics")

	f := promauto.With(e.registry)
	e.tests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "tests_total",
		Help:      "Finished tests by environment and status",
	}, []string{"environment", "status"})
	e.retries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "retries_total",
		Help:      "Test retries by environment",
	}, []string{"environment"})
	e.errors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "errors_total",
		Help:      "Errors that stopped a test adapter, by environment",
	}, []string{"environment"})
	e.testDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "test_duration_seconds",
		Help:      "Duration of the final attempt of each test",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"environment"})
	e.sessionsActive = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently alive by environment",
	}, []string{"environment"})
	e.sessionsStarted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "sessions_started_total",
		Help:      "Sessions launched by environment",
	}, []string{"environment"})
	e.runDuration = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last run",
	})
	e.runSuccess = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "run_success",
		Help:      "1 if the last run succeeded, 0 otherwise",
	})
	e.runs = f.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "runs_total",
		Help:      "Finished runs",
	})
	return e
}

// Registry returns the registry the exporter's metrics live in
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Attach registers the exporter's listeners on r
func (e *Exporter) Attach(r Registrar) {
	r.On(events.RunStart, func(context.Context, events.Event) error {
		e.failed.Store(false)
		return nil
	})
	r.On(events.TestPass, e.onTest("passed"))
	r.On(events.TestFail, e.onTest("failed"))
	r.On(events.TestPending, e.onTest("pending"))
	r.On(events.Retry, func(_ context.Context, ev events.Event) error {
		e.retries.WithLabelValues(ev.EnvironmentID).Inc()
		return nil
	})
	r.On(events.Error, func(_ context.Context, ev events.Event) error {
		e.failed.Store(true)
		e.errors.WithLabelValues(ev.EnvironmentID).Inc()
		return nil
	})
	r.On(events.SessionStarted, func(_ context.Context, ev events.Event) error {
		e.sessionsStarted.WithLabelValues(ev.EnvironmentID).Inc()
		e.sessionsActive.WithLabelValues(ev.EnvironmentID).Inc()
		return nil
	})
	r.On(events.SessionEnded, func(_ context.Context, ev events.Event) error {
		e.sessionsActive.WithLabelValues(ev.EnvironmentID).Dec()
		return nil
	})
	r.On(events.RunEnd, e.onRunEnd)
}

func (e *Exporter) onTest(status string) events.Listener {
	return func(_ context.Context, ev events.Event) error {
		e.tests.WithLabelValues(ev.EnvironmentID, status).Inc()
		if status == "failed" {
			e.failed.Store(true)
		}
		if status != "pending" {
			e.testDuration.WithLabelValues(ev.EnvironmentID).Observe(ev.Duration.Seconds())
		}
		return nil
	}
}

func (e *Exporter) onRunEnd(_ context.Context, ev events.Event) error {
	e.runs.Inc()
	e.runDuration.Set(ev.Duration.Seconds())
	if ev.Err == nil && !e.failed.Load() {
		e.runSuccess.Set(1)
	} else {
		e.runSuccess.Set(0)
	}
	if e.textfile == "" {
		return nil
	}
	return e.WriteTextfile(e.textfile)
}

// WriteTextfile writes every metric to path atomically
func (e *Exporter) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, e.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	e.log.Debug("metrics written", "path", path)
	return nil
}

// Handler serves the registry in the Prometheus exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until Close. It returns once the listener
// is bound.
func (e *Exporter) Serve(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server stopped", "error", err)
		}
	}()
	e.log.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Close shuts the metrics server down
func (e *Exporter) Close(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	return e.server.Shutdown(ctx)
}

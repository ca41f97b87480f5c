// Package metrics exports sqlgate counters and latencies to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

// Collector holds every sqlgate metric on its own registry.
// It implements core.Recorder and core.Notifier.
type Collector struct {
	registry *prometheus.Registry

	ToolCallsTotal    *prometheus.CounterVec
	ApprovalsTotal    *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	SchemaRefresh     *prometheus.CounterVec
	PendingApprovals  prometheus.Gauge
}

// New creates a Collector with Go runtime and process collectors attached.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlgate_tool_calls_total",
				Help: "Tool calls handled, by intent and outcome",
			},
			[]string{"intent", "outcome"},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlgate_approvals_total",
				Help: "Approval transitions, by resulting state",
			},
			[]string{"state"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlgate_execution_duration_seconds",
				Help:    "Statement execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "status"},
		),
		SchemaRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlgate_schema_refresh_total",
				Help: "Schema introspection runs, by result",
			},
			[]string{"result"},
		),
		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sqlgate_pending_approvals",
			Help: "Approvals currently awaiting a decision",
		}),
	}
	c.registry.MustRegister(
		c.ToolCallsTotal,
		c.ApprovalsTotal,
		c.ExecutionDuration,
		c.SchemaRefresh,
		c.PendingApprovals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ToolCall(intent core.Intent, outcome string) {
	c.ToolCallsTotal.WithLabelValues(string(intent), outcome).Inc()
}

func (c *Collector) Execution(kind db.StatementKind, status db.ExecutionStatus, elapsed time.Duration) {
	c.ExecutionDuration.WithLabelValues(string(kind), string(status)).Observe(elapsed.Seconds())
}

// Notify counts approval transitions and tracks the pending gauge.
func (c *Collector) Notify(_ context.Context, ev core.Event) {
	if ev.Approval == nil {
		return
	}
	switch ev.Type {
	case core.EventApprovalPending:
		c.PendingApprovals.Inc()
	case core.EventApprovalResolved:
		c.PendingApprovals.Dec()
	default:
		return
	}
	c.ApprovalsTotal.WithLabelValues(string(ev.Approval.State)).Inc()
}

// SchemaRefreshed is a schema.CacheOptions.OnRefresh hook.
func (c *Collector) SchemaRefreshed(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.SchemaRefresh.WithLabelValues(result).Inc()
}

// SetPending resets the pending gauge, e.g. from the store at startup.
func (c *Collector) SetPending(n int) {
	c.PendingApprovals.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

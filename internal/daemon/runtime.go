package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/metrics"
	"github.com/Dicklesworthstone/sqlgate/internal/schema"
	"github.com/Dicklesworthstone/sqlgate/internal/target"
)

// Runtime is a fully wired gateway: the state store, the target database and
// every component between them. The daemon serves one over IPC; the CLI
// builds one in-process when no daemon is running.
type Runtime struct {
	Config        *config.Config
	Store         *db.DB
	Target        *target.DB
	Cache         *schema.Cache
	Classifier    *core.Classifier
	Gate          *core.Gate
	Executor      *core.Executor
	Orchestrator  *core.Orchestrator
	Metrics       *metrics.Collector
	Notifications *NotificationManager
	Logger        *log.Logger

	relay *relay
}

// relay forwards events to a notifier attached after construction, so the
// IPC server can subscribe to a gate that already exists.
type relay struct {
	n atomic.Pointer[core.Notifier]
}

func (r *relay) Notify(ctx context.Context, ev core.Event) {
	if n := r.n.Load(); n != nil {
		(*n).Notify(ctx, ev)
	}
}

func (r *relay) attach(n core.Notifier) { r.n.Store(&n) }

// NewRuntime opens the state store and the target database and wires the
// gateway components from cfg. The target is not introspected until first use.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.Target.URL == "" {
		return nil, fmt.Errorf("target.url is not set (config file or %s_TARGET_URL)", config.EnvPrefix)
	}

	store, err := db.Open(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	tdb, err := target.Open(ctx, target.Options{
		URL:          cfg.Target.URL,
		Driver:       cfg.Target.Driver,
		MaxOpenConns: cfg.Target.MaxOpenConns,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	rt, err := Assemble(cfg, store, tdb, logger)
	if err != nil {
		tdb.Close()
		store.Close()
		return nil, err
	}
	return rt, nil
}

// Assemble wires components over already-open databases. Close closes both.
func Assemble(cfg *config.Config, store *db.DB, tdb *target.DB, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	introspector, err := schema.NewIntrospector(tdb, cfg.Schema.SampleRows)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	notes := NewNotificationManager(cfg.Notifications, logger.WithPrefix("notify"), nil)
	rl := &relay{}
	fanout := core.Notifiers{collector, notes, rl}

	cache := schema.NewCache(introspector, schema.CacheOptions{
		TTL:            cfg.Schema.TTL,
		RefreshTimeout: cfg.Schema.RefreshTimeout,
		Logger:         logger.WithPrefix("schema"),
		OnRefresh:      collector.SchemaRefreshed,
	})
	classifier := core.NewClassifier(core.ClassifierOptions{AutoApproveDDL: cfg.Approval.AutoApproveDDL, Logger: logger.WithPrefix("classify")})
	gate := core.NewGate(store, core.GateOptions{
		Timeout:              cfg.Approval.Timeout,
		PollInterval:         cfg.Approval.PollInterval,
		MaxPendingPerSession: cfg.Approval.MaxPendingPerSession,
		Notifier:             fanout,
		Logger:               logger.WithPrefix("gate"),
	})
	executor := core.NewExecutor(tdb, gate, core.ExecutorOptions{
		StatementTimeout: cfg.Executor.StatementTimeout,
		MaxRows:          cfg.Executor.MaxRows,
		MaxBytes:         cfg.Executor.MaxBytes,
		Logger:           logger.WithPrefix("exec"),
	})
	orch := core.NewOrchestrator(cache, classifier, gate, executor, store, core.OrchestratorOptions{
		CallsPerSecond: cfg.Limits.CallsPerSecond,
		Burst:          cfg.Limits.Burst,
		Recorder:       collector,
		Notifier:       fanout,
		Logger:         logger,
	})

	return &Runtime{
		Config:        cfg,
		Store:         store,
		Target:        tdb,
		Cache:         cache,
		Classifier:    classifier,
		Gate:          gate,
		Executor:      executor,
		Orchestrator:  orch,
		Metrics:       collector,
		Notifications: notes,
		Logger:        logger,
		relay:         rl,
	}, nil
}

// Subscribe routes every lifecycle event to n as well.
func (r *Runtime) Subscribe(n core.Notifier) { r.relay.attach(n) }

// Sweep expires overdue approvals, resyncs the pending gauge and drops idle
// per-session limiters and old notification marks.
func (r *Runtime) Sweep(ctx context.Context) (int, error) {
	n, err := r.Gate.ExpireOverdue(ctx)
	if err != nil {
		return n, err
	}
	r.Orchestrator.PruneLimiters()
	// An approval emits no notification once it has been terminal this long.
	r.Notifications.Prune(time.Now().Add(-2 * r.Config.Approval.Timeout))
	pending, err := r.Gate.ListPending(ctx)
	if err != nil {
		return n, err
	}
	r.Metrics.SetPending(len(pending))
	return n, nil
}

// Apply takes the hot-reloadable settings from cfg.
func (r *Runtime) Apply(cfg *config.Config) {
	r.Logger.SetLevel(cfg.Level())
	r.Orchestrator.SetRateLimit(cfg.Limits.CallsPerSecond, cfg.Limits.Burst)
}

// Close releases both databases.
func (r *Runtime) Close() error {
	return errors.Join(r.Target.Close(), r.Store.Close())
}

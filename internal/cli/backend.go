package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/schema"
)

// backend is what commands need from the gateway. The daemon client
// implements it; localBackend is used when no daemon is running.
type backend interface {
	ToolCall(ctx context.Context, call *core.ToolCall) (*core.Outcome, error)
	ListApprovals(ctx context.Context, state db.ApprovalState, limit int) ([]*db.Approval, error)
	GetApproval(ctx context.Context, id string) (*db.Approval, error)
	Decide(ctx context.Context, p daemon.DecideParams) (*db.Approval, error)
	Schema(ctx context.Context, p daemon.SchemaParams) (*schema.Snapshot, error)
	Close() error
}

var _ backend = (*daemon.IPCClient)(nil)

// connect prefers a running daemon and falls back to working in-process.
func connect(ctx context.Context, cfg *config.Config, logger *log.Logger) backend {
	opts := daemon.OptionsFor(cfg)
	if running, _ := daemon.Running(opts); running {
		client := daemon.NewIPCClient(opts.SocketPath)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err == nil {
			return client
		}
		client.Close()
		logger.Warn("daemon not responding; working in-process", "socket", opts.SocketPath)
	}
	return &localBackend{cfg: cfg, logger: logger}
}

// localBackend opens the stores on demand. Approval commands only need the
// state store; tool calls and schema need the target database too.
type localBackend struct {
	cfg    *config.Config
	logger *log.Logger

	store *db.DB
	gate  *core.Gate
	rt    *daemon.Runtime
}

func (b *localBackend) openGate() (*core.Gate, error) {
	if b.rt != nil {
		return b.rt.Gate, nil
	}
	if b.gate != nil {
		return b.gate, nil
	}
	store, err := db.Open(b.cfg.State.Path)
	if err != nil {
		return nil, err
	}
	b.store = store
	b.gate = core.NewGate(store, core.GateOptions{
		Timeout:              b.cfg.Approval.Timeout,
		PollInterval:         b.cfg.Approval.PollInterval,
		MaxPendingPerSession: b.cfg.Approval.MaxPendingPerSession,
		Logger:               b.logger,
	})
	return b.gate, nil
}

func (b *localBackend) runtime(ctx context.Context) (*daemon.Runtime, error) {
	if b.rt != nil {
		return b.rt, nil
	}
	if b.store != nil {
		b.store.Close()
		b.store, b.gate = nil, nil
	}
	rt, err := daemon.NewRuntime(ctx, b.cfg, b.logger)
	if err != nil {
		return nil, err
	}
	// Nobody else will expire what this process abandons.
	if _, err := rt.Sweep(ctx); err != nil {
		b.logger.Warn("sweep failed", "error", err)
	}
	b.rt = rt
	return rt, nil
}

func (b *localBackend) ToolCall(ctx context.Context, call *core.ToolCall) (*core.Outcome, error) {
	rt, err := b.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return rt.Orchestrator.Handle(ctx, call)
}

func (b *localBackend) ListApprovals(ctx context.Context, state db.ApprovalState, limit int) ([]*db.Approval, error) {
	g, err := b.openGate()
	if err != nil {
		return nil, err
	}
	if state == "" || state == db.StatePending {
		if _, err := g.ExpireOverdue(ctx); err != nil {
			return nil, err
		}
		return g.ListPending(ctx)
	}
	if state == "all" {
		state = ""
	}
	return b.storeDB().ListApprovals(ctx, state, limit)
}

func (b *localBackend) GetApproval(ctx context.Context, id string) (*db.Approval, error) {
	g, err := b.openGate()
	if err != nil {
		return nil, err
	}
	return g.Get(ctx, id)
}

func (b *localBackend) Decide(ctx context.Context, p daemon.DecideParams) (*db.Approval, error) {
	g, err := b.openGate()
	if err != nil {
		return nil, err
	}
	return g.Resolve(ctx, p.ID, p.Decision, p.Decider, p.Reason)
}

func (b *localBackend) Schema(ctx context.Context, p daemon.SchemaParams) (*schema.Snapshot, error) {
	rt, err := b.runtime(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := rt.Cache.Get(ctx, p.ForceRefresh)
	if err != nil {
		return nil, err
	}
	if p.Table == "" {
		return snap, nil
	}
	one, ok := snap.Only(p.Table)
	if !ok {
		return nil, &unknownTableError{table: p.Table}
	}
	return one, nil
}

func (b *localBackend) storeDB() *db.DB {
	if b.rt != nil {
		return b.rt.Store
	}
	return b.store
}

func (b *localBackend) Close() error {
	var errs []error
	if b.rt != nil {
		errs = append(errs, b.rt.Close())
	}
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	return errors.Join(errs...)
}

type unknownTableError struct{ table string }

func (e *unknownTableError) Error() string { return fmt.Sprintf("unknown table %q", e.table) }

// isAlreadyResolved matches the conflict error from either backend.
func isAlreadyResolved(err error) bool {
	return errors.Is(err, core.ErrAlreadyResolved) || daemon.IsConflict(err)
}

// isNotFound matches the not-found error from either backend.
func isNotFound(err error) bool {
	return errors.Is(err, db.ErrApprovalNotFound) || daemon.IsNotFound(err)
}

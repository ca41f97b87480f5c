// Package daemon serves the sqlgate gateway over a local Unix socket.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

// JSON-RPC request/response types.
type (
	// RPCRequest is a JSON-RPC style request.
	RPCRequest struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
		ID     int64           `json:"id"`
	}

	// RPCResponse is a JSON-RPC style response.
	RPCResponse struct {
		Result any    `json:"result,omitempty"`
		Error  *Error `json:"error,omitempty"`
		ID     int64  `json:"id"`
	}

	// Error represents a JSON-RPC error.
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// JSON-RPC error codes. The -320xx range carries gateway-specific errors.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidReq     = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeNotFound       = -32004
	ErrCodeConflict       = -32009
)

// IPCServer handles Unix socket IPC for the daemon.
type IPCServer struct {
	socketPath string
	listener   net.Listener
	logger     *log.Logger

	orch  *core.Orchestrator
	store *db.DB

	startTime   time.Time
	activeConns atomic.Int32
	inFlight    atomic.Int32

	subscribers   map[int64]*subscriber
	subscribersMu sync.RWMutex
	nextSubID     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// conn serializes writes from request handlers and event streams.
type conn struct {
	net.Conn
	mu sync.Mutex
}

func (c *conn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	data = append(data, '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.Write(data)
	return err
}

type subscriber struct {
	id     int64
	conn   *conn
	events chan core.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.done) }) }

// NewIPCServer creates a server listening on the given Unix socket.
func NewIPCServer(socketPath string, orch *core.Orchestrator, store *db.DB, logger *log.Logger) (*IPCServer, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	// Remove stale socket if present.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("creating unix socket: %w", err)
	}

	// Owner only: reviewers decide through this socket.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		_ = os.Remove(socketPath)
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &IPCServer{
		socketPath:  socketPath,
		listener:    ln,
		logger:      logger,
		orch:        orch,
		store:       store,
		startTime:   time.Now(),
		subscribers: make(map[int64]*subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start accepts connections until ctx is cancelled or Stop is called.
func (s *IPCServer) Start(ctx context.Context) error {
	s.logger.Info("ipc server started", "socket", s.socketPath)

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	for {
		c, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-s.ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(&conn{Conn: c})
	}
}

// Stop shuts the server down. In-flight tool calls are cancelled; their
// approvals stay pending for the next daemon.
func (s *IPCServer) Stop() error {
	s.cancel()

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("closing listener", "error", err)
	}

	s.subscribersMu.Lock()
	for _, sub := range s.subscribers {
		sub.close()
	}
	s.subscribers = make(map[int64]*subscriber)
	s.subscribersMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connections to close")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket: %w", err)
	}

	s.logger.Info("ipc server stopped")
	return nil
}

// handleConnection reads requests until the peer hangs up. Each request runs
// in its own goroutine so a blocking tool.call does not stall the connection.
func (s *IPCServer) handleConnection(c *conn) {
	defer s.wg.Done()

	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	// Requests on this connection are cancelled when it closes.
	ctx, cancel := context.WithCancel(s.ctx)
	var handlers sync.WaitGroup
	defer func() {
		cancel()
		handlers.Wait()
		c.Close()
	}()
	go func() {
		<-ctx.Done()
		// Unblock the scanner on shutdown.
		_ = c.SetReadDeadline(time.Now())
	}()

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := append([]byte(nil), line...)

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			resp := s.handleRequest(ctx, c, data)
			if resp == nil {
				return
			}
			if err := c.writeLine(resp); err != nil {
				s.logger.Debug("write response failed", "error", err)
			}
		}()
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("connection read error", "error", err)
	}
}

// handleRequest parses and dispatches a JSON-RPC request.
func (s *IPCServer) handleRequest(ctx context.Context, c *conn, data []byte) *RPCResponse {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return &RPCResponse{
			Error: &Error{Code: ErrCodeParse, Message: "parse error: " + err.Error()},
			ID:    0,
		}
	}

	var (
		result any
		rpcErr *Error
	)
	switch req.Method {
	case "ping":
		result = map[string]bool{"pong": true}
	case "status":
		result, rpcErr = s.handleStatus(ctx)
	case "tool.call":
		result, rpcErr = s.handleToolCall(ctx, req.Params)
	case "approval.list":
		result, rpcErr = s.handleApprovalList(ctx, req.Params)
	case "approval.get":
		result, rpcErr = s.handleApprovalGet(ctx, req.Params)
	case "approval.decide":
		result, rpcErr = s.handleApprovalDecide(ctx, req.Params)
	case "schema.get":
		result, rpcErr = s.handleSchemaGet(ctx, req.Params)
	case "subscribe":
		return s.handleSubscribe(ctx, req, c)
	default:
		rpcErr = &Error{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if rpcErr != nil {
		return &RPCResponse{Error: rpcErr, ID: req.ID}
	}
	return &RPCResponse{Result: result, ID: req.ID}
}

func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// rpcError maps gateway errors onto JSON-RPC codes.
func rpcError(err error) *Error {
	var are *core.AlreadyResolvedError
	switch {
	case errors.As(err, &are):
		return &Error{Code: ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, db.ErrApprovalNotFound):
		return &Error{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, core.ErrInvalidDecision), errors.Is(err, core.ErrDeciderRequired):
		return &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	default:
		return &Error{Code: ErrCodeInternal, Message: err.Error()}
	}
}

// StatusInfo is returned by the status method.
type StatusInfo struct {
	UptimeSeconds   int64     `json:"uptime_seconds"`
	PendingCount    int       `json:"pending_count"`
	ActiveConns     int32     `json:"active_conns"`
	InFlightCalls   int32     `json:"in_flight_calls"`
	Subscribers     int       `json:"subscribers"`
	SchemaTables    int       `json:"schema_tables"`
	SchemaCaptured  time.Time `json:"schema_captured_at,omitzero"`
	SchemaLastError string    `json:"schema_last_error,omitempty"`
	StatePath       string    `json:"state_path"`
}

func (s *IPCServer) handleStatus(ctx context.Context) (any, *Error) {
	s.subscribersMu.RLock()
	subCount := len(s.subscribers)
	s.subscribersMu.RUnlock()

	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	info := StatusInfo{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		PendingCount:  stats.PendingCount,
		ActiveConns:   s.activeConns.Load(),
		InFlightCalls: s.inFlight.Load(),
		Subscribers:   subCount,
		StatePath:     stats.Path,
	}
	if snap := s.orch.Cache().Current(); snap != nil {
		info.SchemaTables = len(snap.Tables)
		info.SchemaCaptured = snap.CapturedAt
	}
	if err := s.orch.Cache().LastError(); err != nil {
		info.SchemaLastError = err.Error()
	}
	return info, nil
}

func (s *IPCServer) handleToolCall(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var call core.ToolCall
	if err := decodeParams(raw, &call); err != nil {
		return nil, err
	}
	if strings.TrimSpace(call.ID) == "" {
		call.ID = uuid.NewString()
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	out, err := s.orch.Handle(ctx, &call)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Code: ErrCodeInternal, Message: "tool call cancelled: " + err.Error()}
		}
		return nil, rpcError(err)
	}
	return out, nil
}

// ApprovalListParams filters approval.list. An empty state lists pending approvals.
type ApprovalListParams struct {
	State db.ApprovalState `json:"state,omitempty"`
	Limit int              `json:"limit,omitempty"`
}

func (s *IPCServer) handleApprovalList(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p ApprovalListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var (
		list []*db.Approval
		err  error
	)
	switch {
	case p.State == "" || p.State == db.StatePending:
		list, err = s.orch.Gate().ListPending(ctx)
	case p.State == "all":
		list, err = s.store.ListApprovals(ctx, "", p.Limit)
	case p.State.Valid():
		list, err = s.store.ListApprovals(ctx, p.State, p.Limit)
	default:
		return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("unknown state %q", p.State)}
	}
	if err != nil {
		return nil, rpcError(err)
	}
	if list == nil {
		list = []*db.Approval{}
	}
	return list, nil
}

// ApprovalIDParams identifies one approval.
type ApprovalIDParams struct {
	ID string `json:"id"`
}

func (s *IPCServer) handleApprovalGet(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p ApprovalIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "id is required"}
	}
	a, err := s.orch.Gate().Get(ctx, p.ID)
	if err != nil {
		return nil, rpcError(err)
	}
	return a, nil
}

// DecideParams carry a reviewer's verdict.
type DecideParams struct {
	ID       string      `json:"id"`
	Decision db.Decision `json:"decision"`
	Decider  string      `json:"decider"`
	Reason   string      `json:"reason,omitempty"`
}

func (s *IPCServer) handleApprovalDecide(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p DecideParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "id is required"}
	}
	a, err := s.orch.Gate().Resolve(ctx, p.ID, p.Decision, p.Decider, p.Reason)
	if err != nil {
		return nil, rpcError(err)
	}
	return a, nil
}

// SchemaParams select a schema view.
type SchemaParams struct {
	Table        string `json:"table,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}

func (s *IPCServer) handleSchemaGet(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p SchemaParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	snap, err := s.orch.Cache().Get(ctx, p.ForceRefresh)
	if err != nil {
		return nil, rpcError(err)
	}
	if p.Table != "" {
		one, ok := snap.Only(p.Table)
		if !ok {
			return nil, &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("unknown table %q", p.Table)}
		}
		snap = one
	}
	return snap, nil
}

// handleSubscribe streams events on the connection until it closes.
func (s *IPCServer) handleSubscribe(ctx context.Context, req RPCRequest, c *conn) *RPCResponse {
	id := s.nextSubID.Add(1)
	sub := &subscriber{
		id:     id,
		conn:   c,
		events: make(chan core.Event, 100),
		done:   make(chan struct{}),
	}

	s.subscribersMu.Lock()
	s.subscribers[id] = sub
	s.subscribersMu.Unlock()

	resp := &RPCResponse{
		Result: map[string]any{"subscribed": true, "subscription_id": id},
		ID:     req.ID,
	}
	if err := c.writeLine(resp); err != nil {
		s.removeSubscriber(id)
		return nil
	}

	s.streamEvents(ctx, sub)
	return nil
}

func (s *IPCServer) streamEvents(ctx context.Context, sub *subscriber) {
	defer s.removeSubscriber(sub.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case ev := <-sub.events:
			if err := sub.conn.writeLine(map[string]any{"event": ev}); err != nil {
				return
			}
		}
	}
}

// Notify implements core.Notifier by fanning the event out to subscribers.
// Slow subscribers drop events instead of blocking the gate.
func (s *IPCServer) Notify(_ context.Context, ev core.Event) {
	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()

	for _, sub := range s.subscribers {
		select {
		case sub.events <- ev:
		default:
			s.logger.Debug("subscriber buffer full, dropping event", "subscriber", sub.id, "type", ev.Type)
		}
	}
}

func (s *IPCServer) removeSubscriber(id int64) {
	s.subscribersMu.Lock()
	if sub, ok := s.subscribers[id]; ok {
		sub.close()
		delete(s.subscribers, id)
	}
	s.subscribersMu.Unlock()
}

// Subscribers returns the number of active event streams.
func (s *IPCServer) Subscribers() int {
	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()
	return len(s.subscribers)
}

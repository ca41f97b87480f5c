package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/schema"
)

// ErrNotConnected is returned when a call is made before Connect.
var ErrNotConnected = errors.New("not connected")

// IPCClient talks to the daemon over its Unix socket. Calls on one client
// are serialized; use one client per concurrent caller.
type IPCClient struct {
	socketPath string
	conn       net.Conn
	scanner    *bufio.Scanner
	mu         sync.Mutex
	nextID     atomic.Int64
}

// clientResponse defers decoding of the result to the caller.
type clientResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	ID     int64           `json:"id"`
}

// NewIPCClient creates a new IPC client.
func NewIPCClient(socketPath string) *IPCClient {
	return &IPCClient{socketPath: socketPath}
}

// Connect establishes a connection to the daemon IPC socket.
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}

	c.conn = conn
	c.scanner = bufio.NewScanner(conn)
	c.scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return nil
}

// Close closes the connection to the daemon.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.scanner = nil
	return err
}

// call sends one request and waits for its response. Cancelling ctx closes
// the read, which makes the daemon drop the request too.
func (c *IPCClient) call(ctx context.Context, method string, params, out any) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	req := RPCRequest{Method: method, ID: c.nextID.Add(1)}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = p
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			// The deadline fired; the stream is no longer in a known state.
			_ = c.conn.Close()
			c.conn = nil
			c.scanner = nil
		}
	}()

	if _, err := c.conn.Write(data); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("write request: %w", err))
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return c.ctxErr(ctx, fmt.Errorf("read response: %w", err))
		}
		return fmt.Errorf("connection closed")
	}

	var resp clientResponse
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func (c *IPCClient) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Ping verifies the daemon is responsive.
func (c *IPCClient) Ping(ctx context.Context) error {
	var out map[string]bool
	if err := c.call(ctx, "ping", nil, &out); err != nil {
		return err
	}
	if !out["pong"] {
		return fmt.Errorf("unexpected ping reply")
	}
	return nil
}

// Status returns the daemon's status information.
func (c *IPCClient) Status(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.call(ctx, "status", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ToolCall submits a tool call and blocks until its outcome, which for
// mutating statements includes waiting for a reviewer.
func (c *IPCClient) ToolCall(ctx context.Context, call *core.ToolCall) (*core.Outcome, error) {
	var out core.Outcome
	if err := c.call(ctx, "tool.call", call, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListApprovals lists approvals in state ("" for pending, "all" for every state).
func (c *IPCClient) ListApprovals(ctx context.Context, state db.ApprovalState, limit int) ([]*db.Approval, error) {
	var out []*db.Approval
	if err := c.call(ctx, "approval.list", ApprovalListParams{State: state, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetApproval fetches one approval.
func (c *IPCClient) GetApproval(ctx context.Context, id string) (*db.Approval, error) {
	var out db.Approval
	if err := c.call(ctx, "approval.get", ApprovalIDParams{ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide resolves a pending approval.
func (c *IPCClient) Decide(ctx context.Context, p DecideParams) (*db.Approval, error) {
	var out db.Approval
	if err := c.call(ctx, "approval.decide", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Schema returns the cached schema, optionally narrowed to one table.
func (c *IPCClient) Schema(ctx context.Context, p SchemaParams) (*schema.Snapshot, error) {
	var out schema.Snapshot
	if err := c.call(ctx, "schema.get", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubscriptionInfo acknowledges a subscribe request.
type SubscriptionInfo struct {
	Subscribed     bool  `json:"subscribed"`
	SubscriptionID int64 `json:"subscription_id"`
}

// Subscribe streams daemon events until ctx is cancelled or the daemon goes
// away. The connection is dedicated to the stream afterwards.
func (c *IPCClient) Subscribe(ctx context.Context) (<-chan core.Event, error) {
	var info SubscriptionInfo
	if err := c.call(ctx, "subscribe", nil, &info); err != nil {
		return nil, err
	}
	if !info.Subscribed {
		return nil, fmt.Errorf("subscription refused")
	}

	c.mu.Lock()
	conn, scanner := c.conn, c.scanner
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	events := make(chan core.Event, 100)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})

	go func() {
		defer close(events)
		defer stop()

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var msg struct {
				Event core.Event `json:"event"`
			}
			if err := json.Unmarshal(line, &msg); err != nil || msg.Event.Type == "" {
				continue
			}

			select {
			case events <- msg.Event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// IsNotFound reports whether err is the daemon's not-found error.
func IsNotFound(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeNotFound
}

// IsConflict reports whether err says the approval was already resolved.
func IsConflict(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeConflict
}

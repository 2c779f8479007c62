package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle position of a [Conn].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakePending
	StateReady
	StateFailed
)

// String returns the state name used in logs, metrics, and the API.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateFunc observes connection state changes. It is called without
// any connection lock held, so it may call back into the Conn.
type StateFunc func(c *Conn, from, to State, err error)

// ConnOptions tunes a single connection.
type ConnOptions struct {
	ClientName    string
	ClientVersion string

	// ConnectTimeout bounds the initialize round trip.
	ConnectTimeout time.Duration

	// DiscoveryTimeout bounds each tools/list page.
	DiscoveryTimeout time.Duration

	// CallTimeout bounds tools/call.
	CallTimeout time.Duration

	// OnState is notified of every state transition.
	OnState StateFunc

	Logger *slog.Logger
}

// Conn is one connection to one tool server process. It is created
// Disconnected, becomes Ready after Connect, and ends either
// Disconnected (after Close) or Failed. A Conn is never reused once it
// has left Ready; callers dial a new one.
type Conn struct {
	server    ServerConfig
	opts      ConnOptions
	transport Transport
	logger    *slog.Logger
	corr      *correlator

	mu         sync.Mutex
	state      State
	err        error
	started    bool
	closing    bool
	info       *ServerInfo
	tools      []ToolDefinition
	toolsKnown bool
	readyAt    time.Time
}

// NewConn wraps transport in a connection for server. Nothing is
// spawned until Connect.
func NewConn(server ServerConfig, transport Transport, opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClientName == "" {
		opts.ClientName = "npbot"
	}
	return &Conn{
		server:    server,
		opts:      opts,
		transport: transport,
		logger:    logger,
		corr:      newCorrelator(),
		state:     StateDisconnected,
	}
}

// Name returns the server name.
func (c *Conn) Name() string {
	return c.server.Name
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of the transition to Failed, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ServerInfo returns what the server reported during initialize, or nil
// before the handshake completes.
func (c *Conn) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// ReadyAt returns when the connection became Ready.
func (c *Conn) ReadyAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyAt
}

// Connect spawns the server and runs the handshake. On success the
// connection is Ready. On any failure it is Failed, the process has
// been killed, and the returned error wraps [ErrSpawn] or
// [ErrHandshake].
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect %s: connection already used (state %s)", c.server.Name, st)
	}
	c.started = true
	c.mu.Unlock()

	c.transition(StateDisconnected, StateConnecting)

	if err := c.transport.Start(ctx, c.handleMessage, c.handleClose); err != nil {
		c.fail(err)
		return err
	}

	if !c.transition(StateConnecting, StateHandshakePending) {
		return c.failedErr(ErrHandshake)
	}

	info, err := c.handshake(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrHandshake, c.server.Name, err)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.info = info
	c.readyAt = time.Now()
	c.mu.Unlock()

	if !c.transition(StateHandshakePending, StateReady) {
		return c.failedErr(ErrHandshake)
	}

	c.logger.Info("MCP server ready",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol", info.ProtocolVersion,
	)
	return nil
}

// failedErr reports why a transition was refused: the recorded failure
// cause, or ErrClosed if the connection was closed underneath us.
func (c *Conn) failedErr(kind error) error {
	if err := c.Err(); err != nil {
		if errors.Is(err, kind) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", kind, c.server.Name, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, c.server.Name, ErrClosed)
}

// ListTools sends tools/list, following pagination, and caches the
// result. A server that does not answer within the discovery bound is
// treated as having no tools: the result is empty and the error nil,
// while the connection itself is failed.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var all []ToolDefinition
	cursor := ""
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}

		resp, err := c.call(ctx, "tools/list", params, c.opts.DiscoveryTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				c.logger.Warn("tool discovery timed out, treating server as having no tools",
					"timeout", c.opts.DiscoveryTimeout,
				)
				return []ToolDefinition{}, nil
			}
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tools/list: %w", resp.Error)
		}

		var result listToolsResult
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
			}
		}
		all = append(all, result.Tools...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}
	if all == nil {
		all = []ToolDefinition{}
	}

	c.mu.Lock()
	c.tools = all
	c.toolsKnown = true
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// Tools returns the last discovered tool list and whether it is
// current. It is not current before the first ListTools or after the
// server announced a change.
func (c *Conn) Tools() ([]ToolDefinition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools, c.toolsKnown
}

// CallTool invokes a tool by name with the given arguments. A result
// flagged isError is returned together with an error wrapping
// [ErrToolFailed]. A missing response within the call bound returns an
// error wrapping [ErrTimeout] and fails the connection.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.call(ctx, "tools/call", params, c.opts.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, resp.Error)
	}

	result := &ToolResult{Raw: resp.Result}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
		}
	}

	if result.IsError {
		return result, fmt.Errorf("%w: %s: %s", ErrToolFailed, name, result.Text())
	}
	return result, nil
}

// Ping checks whether the server is responsive. A ping that exceeds
// timeout fails the connection like any other request. With a zero
// timeout only ctx bounds it, and expiry abandons just the ping.
func (c *Conn) Ping(ctx context.Context, timeout time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	resp, err := c.call(ctx, "ping", nil, timeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Close ends the connection: pending requests fail with [ErrClosed],
// stdin is closed, and the process is killed if it does not exit
// within the transport's grace period. The state becomes Disconnected
// unless the connection had already failed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	from := c.state
	c.mu.Unlock()

	c.logger.Info("closing MCP connection", "state", from.String())

	c.corr.closeAll(fmt.Errorf("%w: %s closed", ErrClosed, c.server.Name))
	err := c.transport.Close()

	if from != StateFailed {
		c.transition(from, StateDisconnected)
	}
	return err
}

// ready rejects calls on connections that are not Ready.
func (c *Conn) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		return nil
	}
	if c.state == StateFailed && c.err != nil {
		return fmt.Errorf("%w: %s is %s: %w", ErrNotReady, c.server.Name, c.state, c.err)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotReady, c.server.Name, c.state)
}

// call registers a request, writes it, and waits for its response, the
// timeout, or ctx. Expiry of the timeout fails the whole connection,
// which also fails every sibling request. Cancellation of ctx only
// abandons this request.
func (c *Conn) call(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	id, ch, err := c.corr.register()
	if err != nil {
		return nil, err
	}

	if err := c.transport.Write(NewRequest(id, method, params)); err != nil {
		if !c.corr.cancel(id) {
			out := <-ch
			return out.resp, out.err
		}
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-expired:
		if !c.corr.cancel(id) {
			out := <-ch
			return out.resp, out.err
		}
		err := fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
		c.logger.Warn("MCP request timed out, terminating server",
			"method", method,
			"id", id,
			"timeout", timeout,
		)
		c.fail(err)
		return nil, err
	case <-ctx.Done():
		if !c.corr.cancel(id) {
			out := <-ch
			return out.resp, out.err
		}
		return nil, ctx.Err()
	}
}

// fail moves the connection to Failed, fails all pending requests, and
// kills the process. Only the first call has any effect.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateFailed
	c.err = cause
	c.mu.Unlock()

	n := c.corr.closeAll(fmt.Errorf("%w: %s failed: %v", ErrClosed, c.server.Name, cause))
	if err := c.transport.Kill(); err != nil {
		c.logger.Debug("kill after failure", "error", err)
	}

	c.logger.Warn("MCP connection failed",
		"from", from.String(),
		"pending_failed", n,
		"error", cause,
	)
	c.notify(from, StateFailed, cause)
}

// transition moves from → to if the connection is still in from.
func (c *Conn) transition(from, to State) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("MCP connection state", "from", from.String(), "to", to.String())
	c.notify(from, to, nil)
	return true
}

func (c *Conn) notify(from, to State, err error) {
	if c.opts.OnState != nil {
		c.opts.OnState(c, from, to, err)
	}
}

// handleMessage dispatches one inbound message. It runs on the
// transport's reader goroutine.
func (c *Conn) handleMessage(msg *Message) {
	switch {
	case msg.IsResponse():
		if !c.corr.resolve(msg.Response()) {
			c.logger.Debug("dropping response with no pending request", "id", msg.ID)
		}
	case msg.HasID:
		go c.answer(msg)
	default:
		c.logger.Debug("MCP server notification", "method", msg.Method)
		if msg.Method == "notifications/tools/list_changed" {
			c.mu.Lock()
			c.toolsKnown = false
			c.mu.Unlock()
		}
	}
}

// answer replies to a server-initiated request. Only ping is supported.
func (c *Conn) answer(msg *Message) {
	var reply any
	if msg.Method == "ping" {
		reply = resultReply{JSONRPC: jsonrpcVersion, ID: msg.RawID, Result: struct{}{}}
	} else {
		reply = errorReply{
			JSONRPC: jsonrpcVersion,
			ID:      msg.RawID,
			Error: &RPCError{
				Code:    codeMethodNotFound,
				Message: "method not found: " + msg.Method,
			},
		}
	}
	if err := c.transport.Write(reply); err != nil {
		c.logger.Debug("reply to server request failed", "method", msg.Method, "error", err)
	}
}

// handleClose runs once when the process output ends.
func (c *Conn) handleClose(exitErr error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	if closing {
		c.corr.closeAll(fmt.Errorf("%w: %s closed", ErrClosed, c.server.Name))
		return
	}

	cause := fmt.Errorf("%w: %s exited", ErrClosed, c.server.Name)
	if exitErr != nil {
		cause = fmt.Errorf("%w: %s exited: %w", ErrClosed, c.server.Name, exitErr)
	}
	c.fail(cause)
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nelsonandreproton/NPBot/internal/connwatch"
	"github.com/nelsonandreproton/NPBot/internal/metrics"
)

// Default bounds applied when Options leaves a field zero.
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultDiscoveryTimeout  = 15 * time.Second
	DefaultCallTimeout       = 30 * time.Second
	DefaultRemoteCallTimeout = 120 * time.Second
)

// Options configures a [Manager].
type Options struct {
	ClientName    string
	ClientVersion string

	ConnectTimeout    time.Duration
	DiscoveryTimeout  time.Duration
	CallTimeout       time.Duration
	RemoteCallTimeout time.Duration
	CloseGrace        time.Duration

	// PerCall closes each connection as soon as the last operation
	// using it finishes, so every discovery or invocation runs against
	// a fresh process. Health probing is disabled in this mode.
	PerCall bool

	// Health configures background pings of Ready connections. A zero
	// Interval disables probing.
	Health connwatch.Config

	// BreakerFailures trips a per-server circuit breaker after that many
	// consecutive failed connection attempts. Zero disables the breaker.
	BreakerFailures uint32

	// BreakerCooldown is how long a tripped breaker rejects attempts
	// before letting one through.
	BreakerCooldown time.Duration

	// NewTransport builds the transport for one connection attempt.
	// Defaults to a [StdioTransport].
	NewTransport func(ServerConfig, *slog.Logger) Transport

	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// StateEvent reports a connection state change for one server.
type StateEvent struct {
	Server string
	From   State
	To     State
	Err    error
	At     time.Time
}

// ServerStatus summarizes one configured server.
type ServerStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Remote    bool      `json:"remote"`
	Tools     int       `json:"tools"`
	LastError string    `json:"last_error,omitempty"`
	Changed   time.Time `json:"changed,omitzero"`
}

// server is the manager's per-name bookkeeping.
type server struct {
	cfg     ServerConfig
	breaker *gobreaker.CircuitBreaker[*Conn]
	limiter *rate.Limiter

	// Guarded by Manager.mu.
	state   State
	lastErr error
	changed time.Time
	tools   int
}

// entry is the current connection for a server.
type entry struct {
	conn    *Conn
	leases  int
	watcher *connwatch.Watcher
}

// Manager maps server names to connections. Concurrent requests for a
// server that has no Ready connection share a single connection
// attempt; failed connections are evicted so the next request starts a
// new one.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	metrics metrics.Recorder

	order   []string
	servers map[string]*server

	group singleflight.Group
	watch *connwatch.Manager

	// ctx outlives individual callers: connection attempts and health
	// probes run under it and stop at Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[string]*entry
	closed    bool
	nextSub   int
	listeners map[int]func(StateEvent)
}

// NewManager creates a manager for servers. Nothing is spawned until a
// connection is requested. Server names must be unique; later
// duplicates are ignored.
func NewManager(servers []ServerConfig, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOp{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.RemoteCallTimeout <= 0 {
		opts.RemoteCallTimeout = DefaultRemoteCallTimeout
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.NewTransport == nil {
		grace := opts.CloseGrace
		opts.NewTransport = func(cfg ServerConfig, logger *slog.Logger) Transport {
			return NewStdioTransport(StdioConfig{
				Command:    cfg.Command,
				Args:       cfg.Args,
				Env:        cfg.Env,
				CloseGrace: grace,
				Logger:     logger,
			})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		servers:   make(map[string]*server, len(servers)),
		watch:     connwatch.NewManager(opts.Logger),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*entry),
		listeners: make(map[int]func(StateEvent)),
	}

	for _, cfg := range servers {
		if _, dup := m.servers[cfg.Name]; dup {
			m.logger.Warn("ignoring duplicate MCP server", "server", cfg.Name)
			continue
		}
		srv := &server{cfg: cfg, state: StateDisconnected}
		if opts.BreakerFailures > 0 {
			srv.breaker = m.newBreaker(cfg.Name)
		}
		if cfg.RateLimit > 0 {
			burst := int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
			srv.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
		m.servers[cfg.Name] = srv
		m.order = append(m.order, cfg.Name)
	}

	return m
}

func (m *Manager) newBreaker(name string) *gobreaker.CircuitBreaker[*Conn] {
	threshold := m.opts.BreakerFailures
	return gobreaker.NewCircuitBreaker[*Conn](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     m.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("MCP connect breaker state changed",
				"server", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Names returns the configured server names in registration order.
func (m *Manager) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Server returns the configuration for name.
func (m *Manager) Server(name string) (ServerConfig, bool) {
	srv, ok := m.servers[name]
	if !ok {
		return ServerConfig{}, false
	}
	return srv.cfg, true
}

// State returns the last observed connection state for name.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[name]; ok {
		return srv.state
	}
	return StateDisconnected
}

// ListServers reports every configured server in registration order.
func (m *Manager) ListServers() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerStatus, 0, len(m.order))
	for _, name := range m.order {
		srv := m.servers[name]
		s := ServerStatus{
			Name:    name,
			State:   srv.state.String(),
			Remote:  srv.cfg.IsRemote(),
			Tools:   srv.tools,
			Changed: srv.changed,
		}
		if srv.lastErr != nil {
			s.LastError = srv.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// HealthStatus reports the health watchers of Ready connections.
func (m *Manager) HealthStatus() map[string]connwatch.ServiceStatus {
	return m.watch.Status()
}

// Subscribe registers fn for state changes of every connection. fn
// runs synchronously on the goroutine that caused the change and must
// not block. The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(StateEvent)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) lookup(name string) (*server, error) {
	srv, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return srv, nil
}

// Connection returns a Ready connection for name, starting one if
// needed. Concurrent callers share one attempt; each still returns as
// soon as its own ctx ends, while the attempt carries on for the rest.
//
// In per-call mode prefer ExecuteTool and DiscoverTools, which lease
// the connection and close it afterwards.
func (m *Manager) Connection(ctx context.Context, name string) (*Conn, error) {
	srv, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	var stale *entry
	if e := m.conns[name]; e != nil {
		if e.conn.State() == StateReady {
			m.mu.Unlock()
			return e.conn, nil
		}
		delete(m.conns, name)
		stale = e
	}
	m.mu.Unlock()

	if stale != nil {
		m.retire(name, stale, "not_ready")
	}

	ch := m.group.DoChan(name, func() (any, error) {
		return m.dial(srv)
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.metrics.RecordDedupJoin(name)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial runs one connection attempt. It is only ever called through the
// singleflight group, so at most one dial per server is in flight.
func (m *Manager) dial(srv *server) (*Conn, error) {
	name := srv.cfg.Name

	// A caller that checked the map just before the previous attempt
	// stored its result lands here after singleflight forgot the key.
	m.mu.Lock()
	if e := m.conns[name]; e != nil && e.conn.State() == StateReady {
		m.mu.Unlock()
		return e.conn, nil
	}
	m.mu.Unlock()

	logger := m.logger.With("mcp_server", name, "attempt", uuid.NewString())
	start := time.Now()

	connect := func() (*Conn, error) {
		transport := m.opts.NewTransport(srv.cfg, logger)
		conn := NewConn(srv.cfg, transport, ConnOptions{
			ClientName:       m.opts.ClientName,
			ClientVersion:    m.opts.ClientVersion,
			ConnectTimeout:   m.opts.ConnectTimeout,
			DiscoveryTimeout: m.opts.DiscoveryTimeout,
			CallTimeout:      srv.cfg.callTimeout(m.opts.CallTimeout, m.opts.RemoteCallTimeout),
			OnState:          m.handleState,
			Logger:           logger,
		})
		if err := conn.Connect(m.ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	var conn *Conn
	var err error
	if srv.breaker != nil {
		conn, err = srv.breaker.Execute(connect)
	} else {
		conn, err = connect()
	}

	elapsed := time.Since(start).Seconds()
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			result = "breaker_open"
			err = fmt.Errorf("connect %s: %w", name, err)
			m.recordFailure(name, err)
		case errors.Is(err, ErrSpawn):
			result = "spawn_error"
		case errors.Is(err, ErrHandshake):
			result = "handshake_error"
		}
		m.metrics.RecordConnectAttempt(name, result, elapsed)
		logger.Warn("MCP connection attempt failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	m.metrics.RecordConnectAttempt(name, "ready", elapsed)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrManagerClosed
	}
	var stale *entry
	if cur := m.conns[name]; cur != nil {
		if cur.conn.State() == StateReady {
			// Never replace a live connection; that would orphan its process.
			m.mu.Unlock()
			logger.Warn("discarding duplicate MCP connection")
			conn.Close()
			return cur.conn, nil
		}
		stale = cur
	}
	e := &entry{conn: conn}
	m.conns[name] = e
	m.mu.Unlock()

	if stale != nil {
		m.retire(name, stale, "replaced")
	}
	m.startWatch(name, e)
	return conn, nil
}

// startWatch attaches a health watcher to a freshly stored connection.
func (m *Manager) startWatch(name string, e *entry) {
	if m.opts.PerCall || m.opts.Health.Interval <= 0 {
		return
	}
	conn := e.conn
	w := m.watch.Watch(m.ctx, connwatch.WatcherConfig{
		Name:   name,
		Config: m.opts.Health,
		// The watcher's probe ctx is the only bound. A missed ping is
		// abandoned and counted; it must not fail the connection and the
		// calls in flight on it before the threshold is reached.
		Probe: func(ctx context.Context) error {
			return conn.Ping(ctx, 0)
		},
		OnDown: func(err error) {
			m.evict(name, conn, "unhealthy")
		},
		Logger: m.logger,
	})

	m.mu.Lock()
	if cur := m.conns[name]; cur == e {
		e.watcher = w
		w = nil
	}
	m.mu.Unlock()

	// The connection was replaced or evicted while the watcher started.
	if w != nil {
		go m.watch.Unwatch(name, w)
	}
}

// acquire leases the current connection for one operation. The
// returned release must be called when the operation ends; in per-call
// mode the last release closes the connection.
func (m *Manager) acquire(ctx context.Context, name string) (*Conn, func(), error) {
	for {
		conn, err := m.Connection(ctx, name)
		if err != nil {
			return nil, nil, err
		}

		m.mu.Lock()
		e := m.conns[name]
		if e != nil && e.conn == conn {
			e.leases++
			m.mu.Unlock()
			return conn, func() { m.release(name, e) }, nil
		}
		m.mu.Unlock()

		if !m.opts.PerCall {
			// Evicted between dial and lease; the caller sees the
			// connection's own error if it has failed.
			return conn, func() {}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		// Retired by another operation's release before we could lease
		// it. Dial again.
	}
}

func (m *Manager) release(name string, e *entry) {
	m.mu.Lock()
	e.leases--
	retire := m.opts.PerCall && e.leases <= 0 && m.conns[name] == e
	if retire {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if retire {
		m.retire(name, e, "per_call")
	}
}

// evict removes conn if it is still the current connection for name
// and closes it.
func (m *Manager) evict(name string, conn *Conn, reason string) {
	m.mu.Lock()
	e := m.conns[name]
	if e == nil || e.conn != conn {
		m.mu.Unlock()
		return
	}
	delete(m.conns, name)
	m.mu.Unlock()

	m.retire(name, e, reason)
}

// retire closes a connection that has already been removed from the
// map.
func (m *Manager) retire(name string, e *entry, reason string) {
	m.metrics.RecordEviction(name, reason)
	m.logger.Info("evicting MCP connection", "server", name, "reason", reason, "state", e.conn.State().String())
	if e.watcher != nil {
		go m.watch.Unwatch(name, e.watcher)
	}
	if err := e.conn.Close(); err != nil {
		m.logger.Debug("close evicted MCP connection", "server", name, "error", err)
	}
}

// handleState is every connection's state callback.
func (m *Manager) handleState(c *Conn, from, to State, err error) {
	name := c.Name()
	now := time.Now()

	m.mu.Lock()
	// A duplicate connection does not speak for a server that already
	// has a live one.
	cur := m.conns[name]
	current := cur == nil || cur.conn == c || cur.conn.State() != StateReady
	if srv, ok := m.servers[name]; ok && current {
		srv.state = to
		srv.changed = now
		if to == StateFailed {
			srv.lastErr = err
		} else if to == StateReady {
			srv.lastErr = nil
		}
	}
	var failed *entry
	if to == StateFailed {
		if e := m.conns[name]; e != nil && e.conn == c {
			delete(m.conns, name)
			failed = e
		}
	}
	listeners := make([]func(StateEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if current {
		m.metrics.SetConnectionState(name, to.String())
	}
	if failed != nil {
		m.metrics.RecordEviction(name, "failed")
		m.logger.Info("evicted failed MCP connection", "server", name, "error", err)
		if failed.watcher != nil {
			go m.watch.Unwatch(name, failed.watcher)
		}
	}

	ev := StateEvent{Server: name, From: from, To: to, Err: err, At: now}
	for _, fn := range listeners {
		fn(ev)
	}
}

// recordFailure notes an attempt that never produced a connection.
func (m *Manager) recordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[name]; ok {
		srv.lastErr = err
		srv.changed = time.Now()
	}
}

// ExecuteTool calls tool on server, connecting first if necessary. If
// the connection dies before the call is written, the call is retried
// once on a fresh connection. Timeouts are never retried.
func (m *Manager) ExecuteTool(ctx context.Context, serverName, tool string, args map[string]any) (*ToolResult, error) {
	srv, err := m.lookup(serverName)
	if err != nil {
		return nil, err
	}
	if srv.limiter != nil {
		if err := srv.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", serverName, err)
		}
	}

	start := time.Now()
	var result *ToolResult
	for attempt := 0; attempt < 2; attempt++ {
		var conn *Conn
		var release func()
		conn, release, err = m.acquire(ctx, serverName)
		if err != nil {
			break
		}
		result, err = conn.CallTool(ctx, tool, args)
		release()
		if !errors.Is(err, ErrNotReady) {
			break
		}
		m.logger.Debug("connection lost before call, retrying", "server", serverName, "tool", tool)
	}

	status := metrics.StatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrToolFailed):
		status = metrics.StatusToolError
	case errors.Is(err, ErrTimeout):
		status = metrics.StatusTimeout
	default:
		status = metrics.StatusError
	}
	m.metrics.RecordToolCall(serverName, tool, status, time.Since(start).Seconds())

	if err != nil {
		m.logger.Warn("MCP tool call failed",
			"server", serverName,
			"tool", tool,
			"status", status,
			"error", err,
		)
	}
	return result, err
}

// Tools returns the tools of server, discovering them once per
// connection. Discovery that times out yields an empty list.
func (m *Manager) Tools(ctx context.Context, serverName string) ([]ToolDefinition, error) {
	return m.tools(ctx, serverName, false)
}

// DiscoverTools sends tools/list even if the current connection has
// already reported its tools.
func (m *Manager) DiscoverTools(ctx context.Context, serverName string) ([]ToolDefinition, error) {
	return m.tools(ctx, serverName, true)
}

func (m *Manager) tools(ctx context.Context, serverName string, force bool) ([]ToolDefinition, error) {
	srv, err := m.lookup(serverName)
	if err != nil {
		return nil, err
	}

	conn, release, err := m.acquire(ctx, serverName)
	if err != nil {
		return nil, err
	}
	defer release()

	defs, known := conn.Tools()
	if force || !known {
		defs, err = conn.ListTools(ctx)
		if err != nil {
			return nil, err
		}
	}
	defs = filterTools(defs, srv.cfg.Include, srv.cfg.Exclude)

	m.mu.Lock()
	srv.tools = len(defs)
	m.mu.Unlock()
	m.metrics.SetDiscoveredTools(serverName, len(defs))

	return defs, nil
}

// Shutdown closes every connection and aborts in-flight attempts.
// Connections that have not exited when ctx ends are killed. Failures
// are logged; Shutdown itself cannot fail. Later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make(map[string]*entry, len(m.conns))
	for name, e := range m.conns {
		entries[name] = e
	}
	m.conns = make(map[string]*entry)
	m.mu.Unlock()

	m.cancel()
	m.watch.Stop()

	m.logger.Info("shutting down MCP connections", "count", len(entries))

	var wg sync.WaitGroup
	for name, e := range entries {
		wg.Go(func() {
			if err := e.conn.Close(); err != nil {
				m.logger.Warn("close MCP connection", "server", name, "error", err)
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached, killing remaining MCP servers")
		for _, e := range entries {
			e.conn.fail(ErrManagerClosed)
		}
		<-done
	}
}

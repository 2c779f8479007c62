// Package connwatch provides health monitoring for live tool-server
// connections.
//
// A connection that answers its handshake can still wedge later: the
// child stops reading stdin, or a proxied backend goes away and every
// request hangs until its timeout. Each Watcher pings one connection on
// a fixed interval and, after a configurable number of consecutive
// failed probes, reports the connection down exactly once and exits.
// The owner then evicts the connection; the next caller dials a fresh
// one and a new watcher takes over.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a connection is responsive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls probe timing.
type Config struct {
	// Interval is the time between probes (default: 60s).
	Interval time.Duration

	// ProbeTimeout limits how long each individual probe call may take (default: 10s).
	ProbeTimeout time.Duration

	// FailureThreshold is how many consecutive failed probes mark the
	// connection down (default: 2).
	FailureThreshold int
}

// DefaultConfig returns one-minute probing with a ten-second probe
// timeout and two strikes.
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		ProbeTimeout:     10 * time.Second,
		FailureThreshold: 2,
	}
}

// WatcherConfig configures a single connection watcher.
type WatcherConfig struct {
	// Name is the server name, used for logging and as the status key.
	Name string

	// Probe checks connection health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Config controls probe timing. Zero fields take defaults.
	Config Config

	// OnDown is called once when the failure threshold is reached.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched connection, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Watcher monitors a single connection's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the watched connection passed its last probe.
// A new watcher starts ready: it is attached to a connection that has
// just completed its handshake.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:                w.config.Name,
		Ready:               w.ready.Load(),
		LastCheck:           w.lastCheck,
		ConsecutiveFailures: w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits (context cancelled,
// Stop called, or the connection reported down).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run polls until the context ends or the failure threshold is hit.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Config
	logger := w.config.Logger

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			failures := w.recordResult(err)

			switch {
			case err == nil:
				if !w.ready.Swap(true) {
					logger.Info("connection recovered", "server", w.config.Name)
				}
			case failures >= cfg.FailureThreshold:
				w.ready.Store(false)
				logger.Warn("connection unresponsive",
					"server", w.config.Name,
					"consecutive_failures", failures,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
				return
			default:
				logger.Debug("health probe failed",
					"server", w.config.Name,
					"consecutive_failures", failures,
					"threshold", cfg.FailureThreshold,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Config.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the consecutive
// failure count.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err == nil {
		w.failures = 0
	} else {
		w.failures++
	}
	return w.failures
}

// Manager coordinates one watcher per server name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher, replacing (and stopping) any
// previous watcher for the same name. The watcher runs in a background
// goroutine until ctx is cancelled, Stop or Unwatch is called, or the
// connection is reported down.
//
// Panics if Name is empty or Probe is nil. These are programming errors
// that should be caught during development, not silently ignored at runtime.
// Zero-value Config fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultConfig()
	if cfg.Config.Interval <= 0 {
		cfg.Config.Interval = defaults.Interval
	}
	if cfg.Config.ProbeTimeout <= 0 {
		cfg.Config.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.Config.FailureThreshold <= 0 {
		cfg.Config.FailureThreshold = defaults.FailureThreshold
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(true)

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops the watcher for name if it is w. Passing the watcher
// keeps a late caller from stopping a newer watcher that replaced it.
func (m *Manager) Unwatch(name string, w *Watcher) {
	m.mu.Lock()
	cur, ok := m.watchers[name]
	if ok && cur == w {
		delete(m.watchers, name)
	}
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Status returns the health status of all watched connections.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}

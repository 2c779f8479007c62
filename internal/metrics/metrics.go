// Package metrics exposes Prometheus collectors for tool-server
// connections and invocations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tool call status label values.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusToolError = "tool_error"
	StatusTimeout   = "timeout"
)

// Connection states, in lifecycle order. Every state is exported as a
// 0/1 series so dashboards can graph transitions.
var ConnectionStates = []string{
	"disconnected",
	"connecting",
	"handshake_pending",
	"ready",
	"failed",
}

// DefaultDurationBuckets span fast local tools (5ms) up to slow remote
// backends (two minutes).
var DefaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// Recorder is the interface the connection manager reports through.
type Recorder interface {
	RecordConnectAttempt(server, result string, durationSec float64)
	RecordDedupJoin(server string)
	RecordEviction(server, reason string)
	SetConnectionState(server, state string)
	SetDiscoveredTools(server string, count int)
	RecordToolCall(server, tool, status string, durationSec float64)
}

// Ensure implementations satisfy interfaces.
var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = NoOp{}
)

// Metrics holds the Prometheus collectors.
type Metrics struct {
	// ConnectAttempts counts connection attempts by outcome.
	ConnectAttempts *prometheus.CounterVec

	// ConnectDuration tracks spawn plus handshake time.
	ConnectDuration *prometheus.HistogramVec

	// DedupJoins counts callers that waited on another caller's
	// in-flight connection attempt instead of starting their own.
	DedupJoins *prometheus.CounterVec

	// Evictions counts connections dropped from the manager.
	Evictions *prometheus.CounterVec

	// ConnectionState is 1 for the server's current state, 0 otherwise.
	ConnectionState *prometheus.GaugeVec

	// DiscoveredTools is the size of the last tools/list result.
	DiscoveredTools *prometheus.GaugeVec

	// ToolCalls counts tools/call invocations by outcome.
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration tracks tools/call latency.
	ToolCallDuration *prometheus.HistogramVec
}

// New creates Metrics registered against reg. Use
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "npbot_mcp_connect_attempts_total",
			Help: "Tool server connection attempts by outcome",
		}, []string{"server", "result"}),

		ConnectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "npbot_mcp_connect_duration_seconds",
			Help:    "Time to spawn a tool server and complete its handshake",
			Buckets: DefaultDurationBuckets,
		}, []string{"server"}),

		DedupJoins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "npbot_mcp_connect_dedup_joins_total",
			Help: "Callers that joined an in-flight connection attempt",
		}, []string{"server"}),

		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "npbot_mcp_evictions_total",
			Help: "Connections evicted from the manager by reason",
		}, []string{"server", "reason"}),

		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npbot_mcp_connection_state",
			Help: "Current connection state per server (1 = active state)",
		}, []string{"server", "state"}),

		DiscoveredTools: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npbot_mcp_discovered_tools",
			Help: "Number of tools reported by the last tools/list",
		}, []string{"server"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "npbot_mcp_tool_calls_total",
			Help: "Tool invocations by server, tool, and status",
		}, []string{"server", "tool", "status"}),

		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "npbot_mcp_tool_call_duration_seconds",
			Help:    "Tool invocation latency in seconds",
			Buckets: DefaultDurationBuckets,
		}, []string{"server", "tool"}),
	}
}

// Initialize pre-registers per-server series so they appear in /metrics
// before the first connection.
func (m *Metrics) Initialize(servers []string) {
	for _, s := range servers {
		m.SetConnectionState(s, "disconnected")
		m.DedupJoins.WithLabelValues(s).Add(0)
	}
}

// RecordConnectAttempt records one connection attempt.
func (m *Metrics) RecordConnectAttempt(server, result string, durationSec float64) {
	m.ConnectAttempts.WithLabelValues(server, result).Inc()
	m.ConnectDuration.WithLabelValues(server).Observe(durationSec)
}

// RecordDedupJoin records a caller sharing an in-flight attempt.
func (m *Metrics) RecordDedupJoin(server string) {
	m.DedupJoins.WithLabelValues(server).Inc()
}

// RecordEviction records a connection being dropped.
func (m *Metrics) RecordEviction(server, reason string) {
	m.Evictions.WithLabelValues(server, reason).Inc()
}

// SetConnectionState marks state as the server's only active state.
func (m *Metrics) SetConnectionState(server, state string) {
	for _, s := range ConnectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(server, s).Set(v)
	}
}

// SetDiscoveredTools records the size of a tools/list result.
func (m *Metrics) SetDiscoveredTools(server string, count int) {
	m.DiscoveredTools.WithLabelValues(server).Set(float64(count))
}

// RecordToolCall records one tools/call with its outcome.
func (m *Metrics) RecordToolCall(server, tool, status string, durationSec float64) {
	m.ToolCalls.WithLabelValues(server, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(server, tool).Observe(durationSec)
}

// NoOp is a no-op implementation for when metrics are disabled.
type NoOp struct{}

// RecordConnectAttempt is a no-op.
func (NoOp) RecordConnectAttempt(_, _ string, _ float64) {}

// RecordDedupJoin is a no-op.
func (NoOp) RecordDedupJoin(_ string) {}

// RecordEviction is a no-op.
func (NoOp) RecordEviction(_, _ string) {}

// SetConnectionState is a no-op.
func (NoOp) SetConnectionState(_, _ string) {}

// SetDiscoveredTools is a no-op.
func (NoOp) SetDiscoveredTools(_ string, _ int) {}

// RecordToolCall is a no-op.
func (NoOp) RecordToolCall(_, _, _ string, _ float64) {}

// Multi fans every observation out to each recorder in order.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

type multi []Recorder

func (m multi) RecordConnectAttempt(server, result string, durationSec float64) {
	for _, r := range m {
		r.RecordConnectAttempt(server, result, durationSec)
	}
}

func (m multi) RecordDedupJoin(server string) {
	for _, r := range m {
		r.RecordDedupJoin(server)
	}
}

func (m multi) RecordEviction(server, reason string) {
	for _, r := range m {
		r.RecordEviction(server, reason)
	}
}

func (m multi) SetConnectionState(server, state string) {
	for _, r := range m {
		r.SetConnectionState(server, state)
	}
}

func (m multi) SetDiscoveredTools(server string, count int) {
	for _, r := range m {
		r.SetDiscoveredTools(server, count)
	}
}

func (m multi) RecordToolCall(server, tool, status string, durationSec float64) {
	for _, r := range m {
		r.RecordToolCall(server, tool, status, durationSec)
	}
}

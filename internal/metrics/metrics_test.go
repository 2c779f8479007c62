package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Initialize([]string{"echo"})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range []string{
		"npbot_mcp_connection_state",
		"npbot_mcp_connect_dedup_joins_total",
	} {
		if !found[name] {
			t.Errorf("metric family %s not registered after Initialize", name)
		}
	}
}

func TestSetConnectionState_OneHot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetConnectionState("echo", "connecting")
	m.SetConnectionState("echo", "ready")

	for _, s := range ConnectionStates {
		want := 0.0
		if s == "ready" {
			want = 1
		}
		got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("echo", s))
		if got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
}

func TestRecordToolCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordToolCall("echo", "say", StatusSuccess, 0.01)
	m.RecordToolCall("echo", "say", StatusSuccess, 0.02)
	m.RecordToolCall("echo", "say", StatusTimeout, 30)

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("echo", "say", StatusSuccess)); got != 2 {
		t.Errorf("success calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("echo", "say", StatusTimeout)); got != 1 {
		t.Errorf("timeout calls = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ToolCallDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestRecordConnectAttemptAndEviction(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordConnectAttempt("echo", "ready", 0.2)
	m.RecordConnectAttempt("echo", "spawn_error", 0.001)
	m.RecordDedupJoin("echo")
	m.RecordEviction("echo", "failed")
	m.SetDiscoveredTools("echo", 3)

	expected := `
# HELP npbot_mcp_connect_attempts_total Tool server connection attempts by outcome
# TYPE npbot_mcp_connect_attempts_total counter
npbot_mcp_connect_attempts_total{result="ready",server="echo"} 1
npbot_mcp_connect_attempts_total{result="spawn_error",server="echo"} 1
`
	if err := testutil.CollectAndCompare(m.ConnectAttempts, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.DedupJoins.WithLabelValues("echo")); got != 1 {
		t.Errorf("dedup joins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Evictions.WithLabelValues("echo", "failed")); got != 1 {
		t.Errorf("evictions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DiscoveredTools.WithLabelValues("echo")); got != 3 {
		t.Errorf("discovered tools = %v, want 3", got)
	}
}

func TestNoOp(t *testing.T) {
	var r Recorder = NoOp{}
	r.RecordConnectAttempt("x", "ready", 1)
	r.RecordDedupJoin("x")
	r.RecordEviction("x", "failed")
	r.SetConnectionState("x", "ready")
	r.SetDiscoveredTools("x", 1)
	r.RecordToolCall("x", "y", StatusError, 1)
}

type callCounter struct {
	NoOp
	calls int
}

func (c *callCounter) RecordToolCall(_, _, _ string, _ float64) { c.calls++ }

func TestMulti(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	counter := &callCounter{}

	r := Multi(m, counter)
	r.RecordToolCall("weather", "forecast", StatusSuccess, 0.2)
	r.RecordToolCall("weather", "forecast", StatusTimeout, 30)
	r.SetDiscoveredTools("weather", 4)

	if counter.calls != 2 {
		t.Errorf("counter saw %d calls, want 2", counter.calls)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("weather", "forecast", StatusTimeout)); got != 1 {
		t.Errorf("timeout calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DiscoveredTools.WithLabelValues("weather")); got != 4 {
		t.Errorf("discovered tools = %v, want 4", got)
	}
}

package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nelsonandreproton/NPBot/internal/config"
	"github.com/nelsonandreproton/NPBot/internal/mcp"
	"github.com/nelsonandreproton/NPBot/internal/metrics"
)

type staticServers []mcp.ServerStatus

func (s staticServers) ListServers() []mcp.ServerStatus { return s }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "den-npbot",
		BaseTopic:       "npbot",
		DiscoveryPrefix: "homeassistant",
		PublishInterval: time.Minute,
	}
}

func TestInstanceID_Persisted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	first, err := InstanceID(dir, "den-npbot")
	if err != nil {
		t.Fatalf("InstanceID() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := InstanceID(dir, "renamed")
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should survive renames)", second, first)
	}
}

func TestInstanceID_DerivedFromName(t *testing.T) {
	a, _ := InstanceID("", "den-npbot")
	b, _ := InstanceID("", "den-npbot")
	c, _ := InstanceID("", "attic-npbot")

	if a != b {
		t.Errorf("derived IDs differ for the same name: %q, %q", a, b)
	}
	if a == c {
		t.Error("different names should derive different IDs")
	}
	if parts := strings.Split(a, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", a)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("instance-1", "den-npbot")
	if info.Name != "den-npbot" {
		t.Errorf("Name = %q", info.Name)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "instance-1" {
		t.Errorf("Identifiers = %v", info.Identifiers)
	}
	if info.SWVersion == "" {
		t.Error("SWVersion is empty")
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", staticServers{}, nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "npbot/availability"},
		{"state", p.stateTopic("uptime"), "npbot/uptime/state"},
		{"server", p.serverTopic("weather"), "npbot/servers/weather/state"},
		{"server with reserved chars", p.serverTopic("a/b+c#"), "npbot/servers/a_b_c_/state"},
		{"command", p.commandTopic(), "npbot/command/refresh"},
		{"discovery", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/den-npbot/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	servers := staticServers{
		{Name: "Home-Assistant", State: "ready"},
		{Name: "weather", State: "failed"},
	}
	p := New(testConfig(), "instance-123", servers, nil, nil)

	defs := p.sensorDefinitions()
	byEntity := make(map[string]SensorConfig)
	for _, d := range defs {
		byEntity[d.entitySuffix] = d.config

		if strings.Contains(d.config.Name, "den-npbot") {
			t.Errorf("sensor %s: Name %q repeats the device name", d.entitySuffix, d.config.Name)
		}
		if d.config.AvailabilityTopic != "npbot/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("sensor %s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.ObjectID != d.entitySuffix || !d.config.HasEntityName {
			t.Errorf("sensor %s: ObjectID = %q, HasEntityName = %v", d.entitySuffix, d.config.ObjectID, d.config.HasEntityName)
		}
	}

	for _, want := range []string{"uptime", "version", "tool_calls_today", "tool_errors_today", "server_home_assistant", "server_weather"} {
		if _, ok := byEntity[want]; !ok {
			t.Errorf("missing sensor %q", want)
		}
	}

	ha := byEntity["server_home_assistant"]
	if ha.StateTopic != "npbot/servers/Home-Assistant/state" || ha.JsonAttributesTopic != ha.StateTopic {
		t.Errorf("server sensor topics = %q / %q", ha.StateTopic, ha.JsonAttributesTopic)
	}
	if ha.ValueTemplate != "{{ value_json.state }}" {
		t.Errorf("ValueTemplate = %q", ha.ValueTemplate)
	}
}

func TestPublisher_ServerPayloads(t *testing.T) {
	changed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := changed.Add(time.Hour)
	servers := staticServers{
		{Name: "weather", State: "ready", Tools: 3, Changed: changed},
		{Name: "ha", State: "failed", LastError: "mcp: spawn failed"},
	}
	p := New(testConfig(), "id", servers, nil, nil)

	payloads := p.serverPayloads(now)
	if len(payloads) != 2 {
		t.Fatalf("payloads = %d, want 2", len(payloads))
	}

	var weather ServerState
	if err := json.Unmarshal(payloads["npbot/servers/weather/state"], &weather); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if weather.State != "ready" || weather.Tools != 3 || weather.Error != "" || !weather.Updated.Equal(changed) {
		t.Errorf("weather = %+v", weather)
	}

	var ha ServerState
	if err := json.Unmarshal(payloads["npbot/servers/ha/state"], &ha); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ha.State != "failed" || ha.Error == "" || !ha.Updated.Equal(now) {
		t.Errorf("ha = %+v", ha)
	}
}

func TestPublisher_StaticStates(t *testing.T) {
	calls := NewDailyCalls(time.UTC)
	calls.RecordToolCall("weather", "forecast", metrics.StatusSuccess, 0.1)
	calls.RecordToolCall("weather", "forecast", metrics.StatusTimeout, 30)

	p := New(testConfig(), "id", staticServers{}, calls, nil)
	states := p.staticStates()

	if states["tool_calls_today"] != "2" || states["tool_errors_today"] != "1" {
		t.Errorf("states = %v", states)
	}
	if states["version"] == "" || states["uptime"] == "" {
		t.Errorf("states = %v", states)
	}

	// Without a counter the call sensors are simply not published.
	p = New(testConfig(), "id", staticServers{}, nil, nil)
	if _, ok := p.staticStates()["tool_calls_today"]; ok {
		t.Error("tool_calls_today published without a counter")
	}
}

func TestPublisher_NotifyNeverBlocks(t *testing.T) {
	p := New(testConfig(), "id", staticServers{}, nil, nil)

	done := make(chan struct{})
	go func() {
		for range 100 {
			p.Notify(mcp.StateEvent{Server: "weather", To: mcp.StateReady})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a publish loop")
	}
	if len(p.changed) != 1 {
		t.Errorf("pending notifications = %d, want 1", len(p.changed))
	}
}

func TestSensorConfig_JsonAttributesTopic(t *testing.T) {
	cfg := SensorConfig{
		Name:                "weather",
		UniqueID:            "id_server_weather",
		StateTopic:          "npbot/servers/weather/state",
		AvailabilityTopic:   "npbot/availability",
		JsonAttributesTopic: "npbot/servers/weather/state",
		Device:              DeviceInfo{Identifiers: []string{"id"}, Name: "d"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"json_attributes_topic"`) {
		t.Errorf("expected json_attributes_topic in JSON:\n%s", data)
	}

	cfg.JsonAttributesTopic = ""
	data, _ = json.Marshal(cfg)
	if strings.Contains(string(data), `"json_attributes_topic"`) {
		t.Errorf("json_attributes_topic should be omitted when empty:\n%s", data)
	}
}

func TestDailyCalls_MidnightReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	var mu sync.Mutex
	d := NewDailyCalls(time.UTC)
	d.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	d.resetDay = now.YearDay()

	d.RecordToolCall("s", "t", metrics.StatusError, 1)
	if calls, failures := d.Snapshot(); calls != 1 || failures != 1 {
		t.Fatalf("before midnight = %d/%d, want 1/1", calls, failures)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if calls, failures := d.Snapshot(); calls != 0 || failures != 0 {
		t.Errorf("after midnight = %d/%d, want 0/0", calls, failures)
	}
}

func TestDailyCalls_Concurrent(t *testing.T) {
	d := NewDailyCalls(nil)
	var r metrics.Recorder = metrics.Multi(metrics.NoOp{}, d)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				r.RecordToolCall("s", "t", metrics.StatusSuccess, 0)
			}
		}()
	}
	wg.Wait()

	if calls, failures := d.Snapshot(); calls != 1000 || failures != 0 {
		t.Errorf("snapshot = %d/%d, want 1000/0", calls, failures)
	}
}

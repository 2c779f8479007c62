package mcp

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// catalogFixture wires a Manager to one scripted server per name.
type catalogFixture struct {
	mgr *Manager
	cat *Catalog

	mu    sync.Mutex
	tools map[string][]string
	down  map[string]bool
	live  map[string]*fakeTransport
}

func newCatalogFixture(t *testing.T, tools map[string][]string, order ...string) *catalogFixture {
	t.Helper()
	fx := &catalogFixture{
		tools: tools,
		down:  map[string]bool{},
		live:  map[string]*fakeTransport{},
	}

	servers := make([]ServerConfig, 0, len(order))
	for _, name := range order {
		servers = append(servers, ServerConfig{Name: name, Command: name + "-server"})
	}

	fx.mgr = NewManager(servers, Options{
		ConnectTimeout: time.Second,
		CallTimeout:    time.Second,
		NewTransport:   fx.newTransport,
	})
	fx.cat = NewCatalog(fx.mgr, nil)
	t.Cleanup(func() {
		fx.cat.Close()
		fx.mgr.Shutdown(context.Background())
	})
	return fx
}

func (fx *catalogFixture) newTransport(cfg ServerConfig, _ *slog.Logger) Transport {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if fx.down[cfg.Name] {
		return &fakeTransport{startErr: errors.New("exec: no such file")}
	}
	_, ft := newFakeServer(fx.tools[cfg.Name]...)
	fx.live[cfg.Name] = ft
	return ft
}

func (fx *catalogFixture) transport(name string) *fakeTransport {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.live[name]
}

func (fx *catalogFixture) setDown(name string) {
	fx.mu.Lock()
	fx.down[name] = true
	fx.mu.Unlock()
}

func qualifiedNames(tools []ToolDescriptor) []string {
	out := make([]string, len(tools))
	for i, td := range tools {
		out[i] = td.Qualified
	}
	return out
}

func TestCatalog_RefreshAllKeepsRegistrationOrder(t *testing.T) {
	fx := newCatalogFixture(t, map[string][]string{
		"weather": {"forecast", "alerts"},
		"ha":      {"get_state"},
	}, "weather", "ha")

	if err := fx.cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	got := strings.Join(qualifiedNames(fx.cat.ListAll()), ",")
	want := "mcp_weather_forecast,mcp_weather_alerts,mcp_ha_get_state"
	if got != want {
		t.Errorf("ListAll = %s, want %s", got, want)
	}

	if _, ok := fx.cat.Refreshed("ha"); !ok {
		t.Error("Refreshed(ha) should report an entry")
	}
}

func TestCatalog_RefreshAllReportsUnreachable(t *testing.T) {
	fx := newCatalogFixture(t, map[string][]string{
		"ok": {"a"},
	}, "broken", "ok")
	fx.setDown("broken")

	err := fx.cat.RefreshAll(context.Background())
	if err == nil {
		t.Fatal("RefreshAll should report the unreachable server")
	}
	if !errors.Is(err, ErrSpawn) || !strings.Contains(err.Error(), "broken") {
		t.Errorf("error = %v, want spawn failure naming broken", err)
	}

	got := qualifiedNames(fx.cat.ListAll())
	if len(got) != 1 || got[0] != "mcp_ok_a" {
		t.Errorf("ListAll = %v, want only mcp_ok_a", got)
	}
	if _, ok := fx.cat.Refreshed("broken"); ok {
		t.Error("unreachable server should have no entry")
	}
}

func TestCatalog_DropsEntryWhenConnectionFails(t *testing.T) {
	fx := newCatalogFixture(t, map[string][]string{
		"a": {"one"},
		"b": {"two"},
	}, "a", "b")

	if err := fx.cat.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if n := len(fx.cat.ListAll()); n != 2 {
		t.Fatalf("ListAll has %d tools, want 2", n)
	}

	fx.transport("a").exit(errors.New("exit status 1"))

	got := qualifiedNames(fx.cat.ListAll())
	if len(got) != 1 || got[0] != "mcp_b_two" {
		t.Errorf("ListAll after failure = %v, want only mcp_b_two", got)
	}
	if _, ok := fx.cat.Lookup("mcp_a_one"); ok {
		t.Error("Lookup should not find tools of a failed server")
	}

	// The next refresh reconnects.
	tools, err := fx.cat.ToolsForServer(context.Background(), "a")
	if err != nil {
		t.Fatalf("ToolsForServer: %v", err)
	}
	if len(tools) != 1 || tools[0].Qualified != "mcp_a_one" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestCatalog_CleanCloseKeepsEntry(t *testing.T) {
	fx := newCatalogFixture(t, map[string][]string{"a": {"one"}}, "a")

	if _, err := fx.cat.Refresh(context.Background(), "a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	conn, err := fx.mgr.Connection(context.Background(), "a")
	if err != nil {
		t.Fatalf("Connection: %v", err)
	}
	conn.Close()

	if n := len(fx.cat.ListAll()); n != 1 {
		t.Errorf("ListAll has %d tools after clean close, want 1", n)
	}
}

func TestCatalog_ToolsForServerUsesCache(t *testing.T) {
	fx := newCatalogFixture(t, map[string][]string{"a": {"one", "two"}}, "a")

	for range 3 {
		tools, err := fx.cat.ToolsForServer(context.Background(), "a")
		if err != nil {
			t.Fatalf("ToolsForServer: %v", err)
		}
		if len(tools) != 2 {
			t.Fatalf("tools = %+v", tools)
		}
	}

	lists := 0
	for _, m := range fx.transport("a").messages() {
		if m.method() == "tools/list" {
			lists++
		}
	}
	if lists != 1 {
		t.Errorf("tools/list sent %d times, want 1", lists)
	}
}

func TestCatalog_ToolsForUnknownServer(t *testing.T) {
	fx := newCatalogFixture(t, nil, "a")

	if _, err := fx.cat.ToolsForServer(context.Background(), "nope"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("error = %v, want ErrUnknownServer", err)
	}
}

func TestCatalog_Lookup(t *testing.T) {
	fx := newCatalogFixture(t, map[string][]string{
		"home-assistant": {"get_state"},
	}, "home-assistant")

	if _, err := fx.cat.Refresh(context.Background(), "home-assistant"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	td, ok := fx.cat.Lookup("mcp_home_assistant_get_state")
	if !ok {
		t.Fatal("Lookup did not find the tool")
	}
	if td.Server != "home-assistant" || td.Name != "get_state" {
		t.Errorf("descriptor = %+v", td)
	}
	if string(td.InputSchema) != `{"type":"object"}` {
		t.Errorf("schema = %s", td.InputSchema)
	}

	if _, ok := fx.cat.Lookup("mcp_home_assistant_missing"); ok {
		t.Error("Lookup found a tool that does not exist")
	}
}

func TestCatalog_CloseStopsTracking(t *testing.T) {
	fx := newCatalogFixture(t, map[string][]string{"a": {"one"}}, "a")

	if _, err := fx.cat.Refresh(context.Background(), "a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	fx.cat.Close()
	fx.transport("a").exit(errors.New("exit status 1"))

	if n := len(fx.cat.ListAll()); n != 1 {
		t.Errorf("detached catalog changed: %d tools", n)
	}
}

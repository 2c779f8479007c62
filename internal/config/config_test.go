package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.MCP.DiscoveryTimeout != 15*time.Second {
		t.Errorf("discovery_timeout = %v, want 15s", cfg.MCP.DiscoveryTimeout)
	}
	if cfg.MCP.RemoteCallTimeout <= cfg.MCP.CallTimeout {
		t.Errorf("remote_call_timeout %v should exceed call_timeout %v",
			cfg.MCP.RemoteCallTimeout, cfg.MCP.CallTimeout)
	}
	if cfg.MCP.ClientName != "npbot" {
		t.Errorf("client_name = %q, want npbot", cfg.MCP.ClientName)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mcp:\n  servers:\n    - name: gh\n      command: gh-mcp\n      env: [\"TOKEN=${NPBOT_TEST_TOKEN}\"]\n"), 0600)
	t.Setenv("NPBOT_TEST_TOKEN", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.MCP.Servers[0].Env[0]; got != "TOKEN=secret123" {
		t.Errorf("env = %q, want %q", got, "TOKEN=secret123")
	}
}

func TestParse_ServerForms(t *testing.T) {
	data := `
mcp:
  call_timeout: 5s
  servers:
    - name: echo
      command: /bin/echo-server
      args: ["--stdio"]
      rate_limit: 2
      exclude_tools: [shutdown]
mcpServers:
  zeta:
    command: npx
    args: ["-y", "mcp-remote", "https://example.com/mcp"]
    env:
      B: "2"
      A: "1"
  alpha:
    command: alpha-server
    call_timeout: 90s
    include_tools: [read, list]
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	servers := cfg.Servers()
	var names []string
	for _, s := range servers {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "echo,zeta,alpha" {
		t.Fatalf("server order = %s, want echo,zeta,alpha", got)
	}

	if servers[0].RateLimit != 2 {
		t.Errorf("echo rate_limit = %v, want 2", servers[0].RateLimit)
	}
	if got := strings.Join(servers[1].Env, ","); got != "B=2,A=1" {
		t.Errorf("zeta env = %s, want B=2,A=1", got)
	}
	if servers[2].CallTimeout != 90*time.Second {
		t.Errorf("alpha call_timeout = %v, want 90s", servers[2].CallTimeout)
	}
	if got := strings.Join(servers[0].ExcludeTools, ","); got != "shutdown" {
		t.Errorf("echo exclude_tools = %s, want shutdown", got)
	}
	if got := strings.Join(servers[2].IncludeTools, ","); got != "read,list" {
		t.Errorf("alpha include_tools = %s, want read,list", got)
	}
	if cfg.MCP.CallTimeout != 5*time.Second {
		t.Errorf("call_timeout = %v, want 5s", cfg.MCP.CallTimeout)
	}
}

func TestParse_JSONDesktopConfig(t *testing.T) {
	data := `{"mcpServers": {"files": {"command": "files-mcp", "args": ["/tmp"]}}}`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	servers := cfg.Servers()
	if len(servers) != 1 || servers[0].Name != "files" || servers[0].Args[0] != "/tmp" {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing command",
			yaml:    "mcp:\n  servers:\n    - name: a\n",
			wantErr: `server "a": command is required`,
		},
		{
			name:    "duplicate name across forms",
			yaml:    "mcp:\n  servers:\n    - {name: a, command: x}\nmcpServers:\n  a: {command: y}\n",
			wantErr: `server "a": duplicate name`,
		},
		{
			name:    "missing name",
			yaml:    "mcp:\n  servers:\n    - {command: x}\n",
			wantErr: "server #1: name is required",
		},
		{
			name:    "bad log level",
			yaml:    "log_level: loud\n",
			wantErr: "unknown log level",
		},
		{
			name:    "negative timeout",
			yaml:    "mcp:\n  call_timeout: -1s\n",
			wantErr: "mcp.call_timeout must not be negative",
		},
		{
			name:    "mqtt without broker",
			yaml:    "mqtt:\n  enabled: true\n",
			wantErr: "mqtt.broker is required",
		},
		{
			name: "valid",
			yaml: "mcp:\n  servers:\n    - {name: a, command: x}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Parse() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if got := a.Value.String(); got != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got)
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if got := a.Value.Any().(slog.Level); got != slog.LevelInfo {
		t.Errorf("info level changed to %v", got)
	}
}

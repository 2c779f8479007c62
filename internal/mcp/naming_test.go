package mcp

import (
	"testing"
	"time"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"home-assistant", "get_entities", "mcp_home_assistant_get_entities"},
		{"github", "create_issue", "mcp_github_create_issue"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		got := ToolName(tt.server, tt.tool)
		if got != tt.want {
			t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		got := sanitize(tt.input)
		if got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFilterTools(t *testing.T) {
	defs := []ToolDefinition{
		{Name: "get_entities"},
		{Name: "call_service"},
		{Name: "get_history"},
	}

	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{"no filter", nil, nil, []string{"get_entities", "call_service", "get_history"}},
		{"include", []string{"get_history", "get_entities"}, nil, []string{"get_entities", "get_history"}},
		{"exclude", nil, []string{"call_service"}, []string{"get_entities", "get_history"}},
		{"include wins", []string{"call_service"}, []string{"call_service"}, []string{"call_service"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterTools(defs, tt.include, tt.exclude)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tools, want %d", len(got), len(tt.want))
			}
			for i, td := range got {
				if td.Name != tt.want[i] {
					t.Errorf("tool[%d] = %q, want %q", i, td.Name, tt.want[i])
				}
			}
		})
	}
}

func TestServerConfig_IsRemote(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want bool
	}{
		{"plain", ServerConfig{Command: "echo-server", Args: []string{"--stdio"}}, false},
		{"explicit", ServerConfig{Command: "x", Remote: true}, true},
		{"mcp-remote", ServerConfig{Command: "npx", Args: []string{"-y", "mcp-remote"}}, true},
		{"url arg", ServerConfig{Command: "proxy", Args: []string{"https://example.com/mcp"}}, true},
	}
	for _, tt := range tests {
		if got := tt.cfg.IsRemote(); got != tt.want {
			t.Errorf("%s: IsRemote() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestServerConfig_CallTimeout(t *testing.T) {
	local, remote := 30*time.Second, 120*time.Second
	if got := (ServerConfig{}).callTimeout(local, remote); got != local {
		t.Errorf("local server timeout = %v, want %v", got, local)
	}
	if got := (ServerConfig{Remote: true}).callTimeout(local, remote); got != remote {
		t.Errorf("remote server timeout = %v, want %v", got, remote)
	}
	if got := (ServerConfig{Remote: true, CallTimeout: 5 * time.Second}).callTimeout(local, remote); got != 5*time.Second {
		t.Errorf("override timeout = %v, want 5s", got)
	}
}

// Package config handles NPBot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/npbot/config.yaml, /etc/npbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "npbot", "config.yaml"))
	}

	paths = append(paths, "/etc/npbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all NPBot configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	MCP       MCPConfig    `yaml:"mcp"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"`

	// MCPServers accepts the desktop-client layout where servers are
	// keyed by name. Entries are appended after MCP.Servers in
	// document order.
	MCPServers ServerMap `yaml:"mcpServers"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MCPConfig controls how tool servers are spawned, contacted, and
// supervised.
type MCPConfig struct {
	// ClientName is advertised in the initialize handshake.
	ClientName string `yaml:"client_name"`

	// ConnectTimeout bounds the initialize round trip.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// DiscoveryTimeout bounds tools/list. A server that does not answer
	// in time is treated as having no tools.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// CallTimeout bounds tools/call for local servers.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// RemoteCallTimeout bounds tools/call for servers that proxy a
	// remote backend.
	RemoteCallTimeout time.Duration `yaml:"remote_call_timeout"`

	// CloseGrace is how long a child gets to exit after stdin is closed
	// before it is killed.
	CloseGrace time.Duration `yaml:"close_grace"`

	// PerCall disables connection reuse: every discovery or invocation
	// spawns a fresh process that is closed afterwards.
	PerCall bool `yaml:"per_call"`

	Health  HealthConfig  `yaml:"health"`
	Breaker BreakerConfig `yaml:"breaker"`

	Servers []ServerConfig `yaml:"servers"`
}

// HealthConfig configures background pings of Ready connections.
// A zero Interval disables probing.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// BreakerConfig configures the per-server connect circuit breaker.
// MaxFailures of zero disables the breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// ServerConfig describes one tool server.
type ServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env are extra "KEY=VALUE" entries appended to the inherited
	// environment.
	Env []string `yaml:"env"`

	// Remote marks a server that fronts a remote backend and therefore
	// gets RemoteCallTimeout.
	Remote bool `yaml:"remote"`

	// CallTimeout overrides the tools/call bound for this server.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// RateLimit caps tools/call per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`

	// IncludeTools, when non-empty, limits the server to these tools.
	// ExcludeTools is consulted only when IncludeTools is empty.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// desktopServer is the shape of one entry in the mcpServers mapping.
type desktopServer struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Remote      bool              `yaml:"remote"`
	CallTimeout time.Duration     `yaml:"call_timeout"`
	RateLimit   float64           `yaml:"rate_limit"`
	Include     []string          `yaml:"include_tools"`
	Exclude     []string          `yaml:"exclude_tools"`
}

// ServerMap is a name-keyed server list that keeps document order.
type ServerMap []ServerConfig

// UnmarshalYAML decodes a mapping of name → server while preserving
// the order in which servers appear in the file.
func (m *ServerMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: mcpServers must be a mapping of name to server", node.Line)
	}
	out := make(ServerMap, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var ds desktopServer
		if err := value.Decode(&ds); err != nil {
			return fmt.Errorf("mcpServers.%s: %w", key.Value, err)
		}
		sc := ServerConfig{
			Name:        key.Value,
			Command:     ds.Command,
			Args:        ds.Args,
			Remote:      ds.Remote,
			CallTimeout: ds.CallTimeout,
			RateLimit:   ds.RateLimit,

			IncludeTools: ds.Include,
			ExcludeTools: ds.Exclude,
		}
		// Env keys are emitted in document order as well.
		var envNode yaml.Node
		for j := 0; j+1 < len(value.Content); j += 2 {
			if value.Content[j].Value == "env" {
				envNode = *value.Content[j+1]
			}
		}
		for j := 0; j+1 < len(envNode.Content); j += 2 {
			k := envNode.Content[j].Value
			sc.Env = append(sc.Env, k+"="+ds.Env[k])
		}
		out = append(out, sc)
	}
	*m = out
	return nil
}

// MQTTConfig configures connection-state publishing to an MQTT broker.
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	BaseTopic       string        `yaml:"base_topic"`
	PublishInterval time.Duration `yaml:"publish_interval"`

	// DiscoveryPrefix is the Home Assistant discovery prefix. Empty
	// disables discovery payloads.
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// DataDir holds the persisted device instance ID. When empty the ID
	// is derived from DeviceName.
	DataDir string `yaml:"data_dir"`
}

// Servers returns every configured tool server in registration order:
// the mcp.servers list first, then the mcpServers mapping.
func (c *Config) Servers() []ServerConfig {
	out := make([]ServerConfig, 0, len(c.MCP.Servers)+len(c.MCPServers))
	out = append(out, c.MCP.Servers...)
	out = append(out, c.MCPServers...)
	return out
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes configuration from raw YAML (or JSON) bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	m := &c.MCP
	if m.ClientName == "" {
		m.ClientName = "npbot"
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = 30 * time.Second
	}
	if m.DiscoveryTimeout == 0 {
		m.DiscoveryTimeout = 15 * time.Second
	}
	if m.CallTimeout == 0 {
		m.CallTimeout = 30 * time.Second
	}
	if m.RemoteCallTimeout == 0 {
		m.RemoteCallTimeout = 120 * time.Second
	}
	if m.CloseGrace == 0 {
		m.CloseGrace = 2 * time.Second
	}
	if m.Health.Timeout == 0 {
		m.Health.Timeout = 10 * time.Second
	}
	if m.Health.FailureThreshold == 0 {
		m.Health.FailureThreshold = 2
	}
	if m.Breaker.Cooldown == 0 {
		m.Breaker.Cooldown = 30 * time.Second
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "npbot"
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "npbot"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60 * time.Second
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
}

// Validate reports every configuration problem it finds.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	durations := map[string]time.Duration{
		"mcp.connect_timeout":     c.MCP.ConnectTimeout,
		"mcp.discovery_timeout":   c.MCP.DiscoveryTimeout,
		"mcp.call_timeout":        c.MCP.CallTimeout,
		"mcp.remote_call_timeout": c.MCP.RemoteCallTimeout,
		"mcp.close_grace":         c.MCP.CloseGrace,
		"mcp.health.interval":     c.MCP.Health.Interval,
		"mcp.health.timeout":      c.MCP.Health.Timeout,
		"mcp.breaker.cooldown":    c.MCP.Breaker.Cooldown,
		"mqtt.publish_interval":   c.MQTT.PublishInterval,
	}
	for key, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.Servers() {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("server #%d: name is required", i+1))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("server %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("server %q: command is required", s.Name))
		}
		if s.CallTimeout < 0 {
			errs = append(errs, fmt.Errorf("server %q: call_timeout must not be negative", s.Name))
		}
		if s.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("server %q: rate_limit must not be negative", s.Name))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

// NPBot is a gateway to Model Context Protocol tool servers.
//
// It spawns the configured servers as child processes, speaks JSON-RPC
// to them over stdio, and exposes their tools through an HTTP API, a
// set of CLI commands, and (optionally) Home Assistant sensors over
// MQTT. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	npbot serve                          Start the API server
//	npbot init [dir]                     Write an example config.yaml
//	npbot servers                        List configured tool servers
//	npbot tools [server...]              Discover and list tools
//	npbot call <server> <tool> [json]    Invoke a tool once
//	npbot version                        Print version and build information
//	npbot -o json tools                  Output the tool list as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nelsonandreproton/NPBot/examples"
	"github.com/nelsonandreproton/NPBot/internal/api"
	"github.com/nelsonandreproton/NPBot/internal/buildinfo"
	"github.com/nelsonandreproton/NPBot/internal/config"
	"github.com/nelsonandreproton/NPBot/internal/connwatch"
	"github.com/nelsonandreproton/NPBot/internal/mcp"
	"github.com/nelsonandreproton/NPBot/internal/metrics"
	"github.com/nelsonandreproton/NPBot/internal/mqtt"
)

// shutdownTimeout bounds the whole shutdown sequence: MQTT offline
// message, HTTP drain, and tool server teardown.
const shutdownTimeout = 10 * time.Second

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the npbot command.
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown.
//   - stdout receives command output and, for serve, the logs.
//   - stderr receives logs for the one-shot commands so their output
//     stays machine-readable.
//   - args is os.Args[1:].
//
// Arguments are parsed by hand. The flag package relies on
// flag.CommandLine, which makes it impossible to call run concurrently
// from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "servers":
		return runServers(stdout, configPath, outputFmt)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "call":
		if len(cmdArgs) < 2 || len(cmdArgs) > 3 {
			return fmt.Errorf("usage: npbot call <server> <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Stable order for humans.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "NPBot - MCP tool server gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: npbot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the API server")
	fmt.Fprintln(w, "  init [dir]                   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  servers                      List configured tool servers")
	fmt.Fprintln(w, "  tools [server...]            Discover and list tools")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Invoke a tool once")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the bundled example config into dir. An existing
// config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "Wrote %s\n", configPath)
	} else {
		fmt.Fprintf(w, "%s already exists, left unchanged\n", configPath)
	}
	fmt.Fprintln(w, "Edit the mcp.servers section to point at your tool servers.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// serverRow is the JSON shape of one line of "npbot servers".
type serverRow struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Remote      bool     `json:"remote"`
	CallTimeout string   `json:"call_timeout"`
	RateLimit   float64  `json:"rate_limit,omitempty"`
}

// runServers prints the configured servers without spawning any.
func runServers(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	servers := mcpServers(cfg)
	rows := make([]serverRow, 0, len(servers))
	for _, s := range servers {
		timeout := cfg.MCP.CallTimeout
		if s.CallTimeout > 0 {
			timeout = s.CallTimeout
		} else if s.IsRemote() {
			timeout = cfg.MCP.RemoteCallTimeout
		}
		rows = append(rows, serverRow{
			Name:        s.Name,
			Command:     s.Command,
			Args:        s.Args,
			Remote:      s.IsRemote(),
			CallTimeout: timeout.String(),
			RateLimit:   s.RateLimit,
		})
	}

	if outputFmt == "json" {
		return writeJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No tool servers configured.")
		return nil
	}
	for _, r := range rows {
		kind := "local"
		if r.Remote {
			kind = "remote"
		}
		fmt.Fprintf(w, "%-20s %-6s %-8s %s\n", r.Name, kind, r.CallTimeout, strings.Join(append([]string{r.Command}, r.Args...), " "))
	}
	return nil
}

// runTools connects to the named servers (all of them when none are
// given) and prints the tools they offer. Servers that cannot be
// reached are reported after the tools that could be listed.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, names []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	mgr := newManager(cfg, logger, nil)
	defer shutdownManager(mgr)
	catalog := mcp.NewCatalog(mgr, logger)
	defer catalog.Close()

	var tools []mcp.ToolDescriptor
	var errs []error
	if len(names) == 0 {
		if err := catalog.RefreshAll(ctx); err != nil {
			errs = append(errs, err)
		}
		tools = catalog.ListAll()
	} else {
		for _, name := range names {
			got, err := catalog.Refresh(ctx, name)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			tools = append(tools, got...)
		}
	}

	if outputFmt == "json" {
		if tools == nil {
			tools = []mcp.ToolDescriptor{}
		}
		if err := writeJSON(stdout, tools); err != nil {
			return err
		}
	} else {
		for _, t := range tools {
			fmt.Fprintf(stdout, "%s\n", t.Qualified)
			if t.Description != "" {
				fmt.Fprintf(stdout, "    %s\n", firstLine(t.Description))
			}
		}
	}
	return errors.Join(errs...)
}

// runCall invokes a single tool and prints its result. A tool that
// reports an error still has its content printed before run fails.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, cmdArgs []string) error {
	server, tool := cmdArgs[0], cmdArgs[1]
	var arguments map[string]any
	if len(cmdArgs) == 3 {
		if err := json.Unmarshal([]byte(cmdArgs[2]), &arguments); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	mgr := newManager(cfg, logger, nil)
	defer shutdownManager(mgr)

	result, err := mgr.ExecuteTool(ctx, server, tool, arguments)
	if err != nil && !errors.Is(err, mcp.ErrToolFailed) {
		return err
	}

	if outputFmt == "json" {
		if werr := writeJSON(stdout, result); werr != nil {
			return werr
		}
	} else {
		fmt.Fprintln(stdout, result.Text())
	}
	return err
}

// runServe is the primary operating mode. It starts the HTTP API and,
// when configured, the MQTT publisher, then blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Every tool server connection is closed
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting NPBot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)

	servers := mcpServers(cfg)
	names := make([]string, 0, len(servers))
	for _, s := range servers {
		names = append(names, s.Name)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"servers", len(servers),
		"per_call", cfg.MCP.PerCall,
		"mqtt", cfg.MQTT.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)
	met.Initialize(names)

	// Everything that can fail is resolved before the manager exists, so
	// an early return never leaves tool servers behind.
	var calls *mqtt.DailyCalls
	var instanceID string
	var recorder metrics.Recorder = met
	if cfg.MQTT.Enabled {
		instanceID, err = mqtt.InstanceID(cfg.MQTT.DataDir, cfg.MQTT.DeviceName)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		calls = mqtt.NewDailyCalls(time.Local)
		recorder = metrics.Multi(met, calls)
	}

	mgr := newManager(cfg, logger, recorder)
	catalog := mcp.NewCatalog(mgr, logger)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mgr, calls, logger.With("component", "mqtt"))
		mqttPub.SetRefresher(catalog)
		unsubscribe := mgr.Subscribe(mqttPub.Notify)
		defer unsubscribe()

		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	}

	// Warm the catalog in the background so the first API request does
	// not pay for every spawn.
	go func() {
		if err := catalog.RefreshAll(ctx); err != nil {
			logger.Warn("initial tool discovery incomplete", "error", err)
		}
		logger.Info("initial tool discovery finished", "tools", len(catalog.ListAll()))
	}()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, mgr, catalog, logger.With("component", "api"))
	server.SetGatherer(reg)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		catalog.Close()
		mgr.Shutdown(shutdownCtx)
	}()

	// Blocks until the server is shut down.
	err = server.Start(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-stopped
		return fmt.Errorf("server failed: %w", err)
	}
	<-stopped

	logger.Info("NPBot stopped")
	return nil
}

// mcpServers converts the configured servers into connection manager
// entries, in configuration order.
func mcpServers(cfg *config.Config) []mcp.ServerConfig {
	var out []mcp.ServerConfig
	for _, s := range cfg.Servers() {
		out = append(out, mcp.ServerConfig{
			Name:        s.Name,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			Remote:      s.Remote,
			CallTimeout: s.CallTimeout,
			RateLimit:   s.RateLimit,
			Include:     s.IncludeTools,
			Exclude:     s.ExcludeTools,
		})
	}
	return out
}

// newManager builds the connection manager from cfg. rec may be nil.
func newManager(cfg *config.Config, logger *slog.Logger, rec metrics.Recorder) *mcp.Manager {
	m := cfg.MCP
	return mcp.NewManager(mcpServers(cfg), mcp.Options{
		ClientName:        m.ClientName,
		ClientVersion:     buildinfo.Version,
		ConnectTimeout:    m.ConnectTimeout,
		DiscoveryTimeout:  m.DiscoveryTimeout,
		CallTimeout:       m.CallTimeout,
		RemoteCallTimeout: m.RemoteCallTimeout,
		CloseGrace:        m.CloseGrace,
		PerCall:           m.PerCall,
		Health: connwatch.Config{
			Interval:         m.Health.Interval,
			ProbeTimeout:     m.Health.Timeout,
			FailureThreshold: m.Health.FailureThreshold,
		},
		BreakerFailures: m.Breaker.MaxFailures,
		BreakerCooldown: m.Breaker.Cooldown,
		Metrics:         rec,
		Logger:          logger.With("component", "mcp"),
	})
}

func shutdownManager(mgr *mcp.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	mgr.Shutdown(ctx)
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return config.NewLogger(w, level, format)
}

// configuredLogger builds the logger cfg asks for. The level was
// already validated by config.Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

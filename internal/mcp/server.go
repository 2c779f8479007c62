package mcp

import (
	"strings"
	"time"
)

// ServerConfig describes how to launch one tool server.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string

	// Remote marks a server that proxies a remote backend. Such servers
	// get the longer remote call timeout.
	Remote bool

	// CallTimeout overrides the manager's tools/call bound when set.
	CallTimeout time.Duration

	// RateLimit caps tools/call per second. Zero means unlimited.
	RateLimit float64

	// Include and Exclude filter the tools this server contributes to
	// the catalog.
	Include []string
	Exclude []string
}

// IsRemote reports whether the server fronts a remote backend: either
// marked explicitly, launched through mcp-remote, or given a URL
// argument.
func (s ServerConfig) IsRemote() bool {
	if s.Remote {
		return true
	}
	for _, a := range s.Args {
		if strings.Contains(a, "mcp-remote") ||
			strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			return true
		}
	}
	return false
}

// callTimeout resolves the tools/call bound for s.
func (s ServerConfig) callTimeout(local, remote time.Duration) time.Duration {
	switch {
	case s.CallTimeout > 0:
		return s.CallTimeout
	case s.IsRemote():
		return remote
	default:
		return local
	}
}

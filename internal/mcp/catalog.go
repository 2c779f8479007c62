package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// refreshConcurrency bounds how many servers RefreshAll contacts at once.
const refreshConcurrency = 4

// Catalog flattens the tools of every configured server. Entries are
// filled by refreshing a server and dropped when its connection fails,
// so ListAll only reports tools that were reachable at last contact.
type Catalog struct {
	mgr    *Manager
	logger *slog.Logger

	unsubscribe func()

	mu      sync.RWMutex
	entries map[string]catalogEntry
}

type catalogEntry struct {
	tools     []ToolDescriptor
	refreshed time.Time
}

// NewCatalog creates a catalog over mgr. Call Close to detach it.
func NewCatalog(mgr *Manager, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		mgr:     mgr,
		logger:  logger,
		entries: make(map[string]catalogEntry),
	}
	c.unsubscribe = mgr.Subscribe(c.onState)
	return c
}

// Close stops tracking connection failures.
func (c *Catalog) Close() {
	c.unsubscribe()
}

func (c *Catalog) onState(ev StateEvent) {
	if ev.To != StateFailed {
		return
	}
	c.mu.Lock()
	_, had := c.entries[ev.Server]
	delete(c.entries, ev.Server)
	c.mu.Unlock()

	if had {
		c.logger.Debug("dropped catalog entry for failed server", "server", ev.Server)
	}
}

// Refresh rediscovers the tools of one server and replaces its entry.
// A server that does not answer discovery in time contributes no
// tools; that is not an error.
func (c *Catalog) Refresh(ctx context.Context, server string) ([]ToolDescriptor, error) {
	defs, err := c.mgr.DiscoverTools(ctx, server)
	if err != nil {
		c.mu.Lock()
		delete(c.entries, server)
		c.mu.Unlock()
		return nil, err
	}

	tools := describe(server, defs)
	c.mu.Lock()
	c.entries[server] = catalogEntry{tools: tools, refreshed: time.Now()}
	c.mu.Unlock()
	return tools, nil
}

// RefreshAll refreshes every configured server concurrently. It returns
// the joined errors of servers that could not be reached; the others
// are refreshed regardless.
func (c *Catalog) RefreshAll(ctx context.Context) error {
	names := c.mgr.Names()
	errs := make([]error, len(names))

	var g errgroup.Group
	g.SetLimit(refreshConcurrency)
	for i, name := range names {
		g.Go(func() error {
			tools, err := c.Refresh(ctx, name)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", name, err)
				c.logger.Warn("MCP tool refresh failed", "server", name, "error", err)
				return nil
			}
			c.logger.Debug("MCP tools refreshed", "server", name, "count", len(tools))
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// ToolsForServer returns the cached tools of server, refreshing first
// if there is no entry.
func (c *Catalog) ToolsForServer(ctx context.Context, server string) ([]ToolDescriptor, error) {
	if _, ok := c.mgr.Server(server); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	c.mu.RLock()
	e, ok := c.entries[server]
	c.mu.RUnlock()
	if ok {
		return e.tools, nil
	}
	return c.Refresh(ctx, server)
}

// ListAll returns every cached tool in server registration order, and
// within a server in discovery order.
func (c *Catalog) ListAll() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ToolDescriptor
	for _, name := range c.mgr.Names() {
		out = append(out, c.entries[name].tools...)
	}
	return out
}

// Lookup resolves a flat name produced by [ToolName] back to its
// descriptor.
func (c *Catalog) Lookup(qualified string) (ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range c.mgr.Names() {
		for _, td := range c.entries[name].tools {
			if td.Qualified == qualified {
				return td, true
			}
		}
	}
	return ToolDescriptor{}, false
}

// Refreshed reports when server's entry was last filled.
func (c *Catalog) Refreshed(server string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[server]
	return e.refreshed, ok
}

// Package catalog implements the C6 MCP Tool Catalog: a read-only view
// of server -> tool schemas with three deterministic loading strategies
// (minimal/progressive/full), ported from orchestration/catalog.go's
// AgentCatalog (local cache + capability index) and generalized from its
// Redis-service-discovery source to the spec's external tool-registry
// interface.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// ToolSchema is one callable tool exposed by a server, mirroring the
// shape orchestration/catalog.go's EnhancedCapability carries for LLM
// tool-calling rounds.
type ToolSchema struct {
	Server      string
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ID is the "server/tool" identifier FormatToolsForLLM-equivalent
// formatting and catalog consumers address a tool by.
func (t ToolSchema) ID() string {
	return t.Server + "/" + t.Name
}

// Registry is the external tool-registry interface §4.6 says the core
// treats as a read-only map; internal/catalog never talks to an MCP
// server directly.
type Registry interface {
	ListServers(ctx context.Context) (map[string][]ToolSchema, error)
}

// Strategy selects how many tools a caller wants resolved.
type Strategy string

const (
	StrategyMinimal     Strategy = "minimal"
	StrategyProgressive Strategy = "progressive"
	StrategyFull        Strategy = "full"
)

// Catalog caches the registry's server map and resolves it against a
// Config per the three strategies, matching AgentCatalog's refresh-then-
// serve-from-cache shape.
type Catalog struct {
	registry Registry
	config   Config
	logger   gmcore.Logger

	mu      sync.RWMutex
	servers map[string][]ToolSchema
	version string
}

// New builds a Catalog backed by registry, with server->tool keyword
// priorities and per-agent priority servers supplied by config.
func New(registry Registry, config Config, logger gmcore.Logger) *Catalog {
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	return &Catalog{
		registry: registry,
		config:   config,
		logger:   logger,
		servers:  make(map[string][]ToolSchema),
	}
}

// Refresh pulls the current server map from the registry and advances
// the catalog version, the same way AgentCatalog.Refresh re-snapshots
// from discovery.
func (c *Catalog) Refresh(ctx context.Context) error {
	servers, err := c.registry.ListServers(ctx)
	if err != nil {
		return gmcore.Wrap("catalog.refresh", gmcore.KindProviderError, "catalog", err)
	}

	c.mu.Lock()
	c.servers = servers
	c.version = time.Now().UTC().Format(time.RFC3339Nano)
	c.mu.Unlock()

	c.logger.Info("catalog refreshed", map[string]interface{}{"server_count": len(servers)})
	return nil
}

// Version returns the catalog snapshot's version tag. Select's output is
// deterministic given (task, agent_id, strategy, Version()).
func (c *Catalog) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Select resolves tools for task under strategy, deterministically.
func (c *Catalog) Select(task, agentID string, strategy Strategy) []ToolSchema {
	c.mu.RLock()
	servers := c.servers
	c.mu.RUnlock()

	switch strategy {
	case StrategyFull:
		return allTools(servers)
	case StrategyProgressive:
		return progressiveTools(servers, c.config, task, agentID)
	default:
		return minimalTools(servers, c.config, task)
	}
}

func allTools(servers map[string][]ToolSchema) []ToolSchema {
	var out []ToolSchema
	for _, tools := range servers {
		out = append(out, tools...)
	}
	sortTools(out)
	return out
}

func sortTools(tools []ToolSchema) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Name < tools[j].Name
	})
}

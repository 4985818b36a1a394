package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/tool"
)

// ServerManager lets the model itself steer which MCP server is in play. It
// tracks one active server at a time, caches each server's tool list, and
// exposes a fixed set of meta-tools for listing, connecting, and disconnecting
// servers mid-run. The agent's tool set is therefore dynamic: meta-tools are
// always present, the active server's tools come and go.
type ServerManager struct {
	registry *ClientRegistry
	logger   *slog.Logger

	mu           sync.Mutex
	activeServer string
	toolCache    map[string][]ToolDescriptor
}

// NewServerManager builds a manager over an existing registry.
func NewServerManager(registry *ClientRegistry, logger *slog.Logger) *ServerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerManager{
		registry:  registry,
		logger:    logger,
		toolCache: make(map[string][]ToolDescriptor),
	}
}

// ActiveServer returns the currently selected server name, or empty.
func (m *ServerManager) ActiveServer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeServer
}

// ConnectServer makes the named server active, connecting it if needed and
// caching its tool list. The previous active server stays connected; only the
// pointer moves.
func (m *ServerManager) ConnectServer(ctx context.Context, name string) ([]ToolDescriptor, error) {
	session, err := m.registry.CreateSession(ctx, name, true)
	if err != nil {
		return nil, err
	}
	tools, err := session.Connector().Tools(ctx)
	if err != nil {
		return nil, &ReconciliationError{Server: name, Err: err}
	}

	m.mu.Lock()
	m.activeServer = name
	m.toolCache[name] = tools
	m.mu.Unlock()

	m.logger.Info("active mcp server changed", "server", name, "tools", len(tools))
	return tools, nil
}

// DisconnectServer deactivates the named server: the active pointer is
// cleared and its tools leave the dynamic tool set. The session itself stays
// connected and its tool cache is kept, so reactivating is cheap; actually
// tearing a session down is CloseSession's job.
func (m *ServerManager) DisconnectServer(name string) error {
	if _, ok := m.registry.Session(name); !ok {
		return fmt.Errorf("no active session for server %q", name)
	}

	m.mu.Lock()
	if m.activeServer == name {
		m.activeServer = ""
	}
	m.mu.Unlock()
	return nil
}

// CachedTools returns the cached descriptors for one server.
func (m *ServerManager) CachedTools(name string) []ToolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolCache[name]
}

// Tools returns the current dynamic tool set: the meta-tools plus, when a
// server is active, that server's cached tools routed through its connector.
func (m *ServerManager) Tools(ctx context.Context) ([]tool.InvokableTool, error) {
	out := m.MetaTools()

	m.mu.Lock()
	active := m.activeServer
	cached := m.toolCache[active]
	m.mu.Unlock()
	if active == "" {
		return out, nil
	}

	session, ok := m.registry.Session(active)
	if !ok || !session.Connected() {
		// The active server went away between steps; only meta-tools remain.
		m.mu.Lock()
		if m.activeServer == active {
			m.activeServer = ""
		}
		m.mu.Unlock()
		return out, nil
	}
	return append(out, AdaptTools(session.Connector(), cached)...), nil
}

// MetaTools returns the five orchestration tools, always available.
func (m *ServerManager) MetaTools() []tool.InvokableTool {
	return []tool.InvokableTool{
		listServersTool{manager: m},
		connectServerTool{manager: m},
		getActiveServerTool{manager: m},
		disconnectServerTool{manager: m},
		addServerTool{manager: m},
	}
}

// PrefetchServerTools connects every configured server best-effort and warms
// the tool cache. A server's cache entry is rewritten only when the fetched
// tool set structurally differs from what is already cached, so callers
// holding adapted tools are not churned by identical refreshes.
func (m *ServerManager) PrefetchServerTools(ctx context.Context) {
	for _, name := range m.registry.ServerNames() {
		session, err := m.registry.CreateSession(ctx, name, true)
		if err != nil {
			m.logger.Warn("prefetch connect failed", "server", name, "error", err)
			continue
		}
		tools, err := session.Connector().Tools(ctx)
		if err != nil {
			m.logger.Warn("prefetch tool list failed", "server", name, "error", err)
			continue
		}

		m.mu.Lock()
		if !toolSetEqual(m.toolCache[name], tools) {
			m.toolCache[name] = tools
		}
		m.mu.Unlock()
	}
}

func toolSetEqual(a, b []ToolDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	sortedA := sortedTools(a)
	sortedB := sortedTools(b)
	for i := range sortedA {
		if sortedA[i].Name != sortedB[i].Name ||
			sortedA[i].Description != sortedB[i].Description ||
			!reflect.DeepEqual(sortedA[i].InputSchema, sortedB[i].InputSchema) {
			return false
		}
	}
	return true
}

func sortedTools(tools []ToolDescriptor) []ToolDescriptor {
	out := append([]ToolDescriptor(nil), tools...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *ServerManager) describeServers() string {
	statuses := m.registry.Statuses()
	if len(statuses) == 0 {
		return "No MCP servers are configured."
	}

	active := m.ActiveServer()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d MCP server(s) configured:\n", len(statuses)))
	for _, status := range statuses {
		state := "disconnected"
		if status.Connected {
			state = "connected"
		}
		marker := ""
		if status.Name == active {
			marker = " (active)"
		}
		sb.WriteString(fmt.Sprintf("- %s [%s, %s]%s", status.Name, status.Transport, state, marker))
		if status.Connected {
			sb.WriteString(fmt.Sprintf(", %d tool(s)", status.ToolCount))
		}
		if status.Message != "" {
			sb.WriteString(": " + status.Message)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

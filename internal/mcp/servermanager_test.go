package mcp

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/calder-ai/drover/internal/config"
)

func metaToolNames() []string {
	return []string{"add_server", "connect_server", "disconnect_server", "get_active_server", "list_servers"}
}

func toolNames(t *testing.T, manager *ServerManager) []string {
	t.Helper()
	toolSet, err := manager.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error: %v", err)
	}
	names := make([]string, 0, len(toolSet))
	for _, item := range toolSet {
		info, err := item.Info(context.Background())
		if err != nil {
			t.Fatalf("Info() error: %v", err)
		}
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names
}

func TestServerManager_MetaToolsOnlyWithoutActiveServer(t *testing.T) {
	registry := newTestRegistry(t, nil)
	manager := NewServerManager(registry, nil)

	got := toolNames(t, manager)
	want := metaToolNames()
	if len(got) != len(want) {
		t.Fatalf("expected only the meta-tools, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected meta-tools %v, got %v", want, got)
		}
	}
}

func TestServerManager_ConnectServerExpandsToolSet(t *testing.T) {
	server := newStreamableTestServer(t, "ok")
	registry := newTestRegistry(t, map[string]config.ServerConfig{
		"remote": {URL: server.URL},
	})
	defer registry.CloseAllSessions()
	manager := NewServerManager(registry, nil)

	tools, err := manager.ConnectServer(context.Background(), "remote")
	if err != nil {
		t.Fatalf("ConnectServer() error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if manager.ActiveServer() != "remote" {
		t.Fatalf("expected remote active, got %q", manager.ActiveServer())
	}

	names := toolNames(t, manager)
	found := false
	for _, name := range names {
		if name == "mcp.remote.echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected mcp.remote.echo in the tool set, got %v", names)
	}
	if len(names) != len(metaToolNames())+1 {
		t.Fatalf("expected meta-tools plus one server tool, got %v", names)
	}
}

func TestServerManager_DisconnectShrinksToolSet(t *testing.T) {
	server := newStreamableTestServer(t, "ok")
	registry := newTestRegistry(t, map[string]config.ServerConfig{
		"remote": {URL: server.URL},
	})
	defer registry.CloseAllSessions()
	manager := NewServerManager(registry, nil)

	if _, err := manager.ConnectServer(context.Background(), "remote"); err != nil {
		t.Fatalf("ConnectServer() error: %v", err)
	}
	if err := manager.DisconnectServer("remote"); err != nil {
		t.Fatalf("DisconnectServer() error: %v", err)
	}
	if manager.ActiveServer() != "" {
		t.Fatalf("expected no active server, got %q", manager.ActiveServer())
	}

	names := toolNames(t, manager)
	if len(names) != len(metaToolNames()) {
		t.Fatalf("expected only the meta-tools after disconnect, got %v", names)
	}
}

func TestServerManager_DisconnectKeepsSessionAlive(t *testing.T) {
	server := newStreamableTestServer(t, "still here")
	registry := newTestRegistry(t, map[string]config.ServerConfig{
		"remote": {URL: server.URL},
	})
	defer registry.CloseAllSessions()
	manager := NewServerManager(registry, nil)

	if _, err := manager.ConnectServer(context.Background(), "remote"); err != nil {
		t.Fatalf("ConnectServer() error: %v", err)
	}
	if err := manager.DisconnectServer("remote"); err != nil {
		t.Fatalf("DisconnectServer() error: %v", err)
	}

	// Deactivation only moves the pointer; the session and its tool cache
	// stay so the server can be reactivated without a new handshake.
	session, ok := registry.Session("remote")
	if !ok {
		t.Fatal("expected the session to survive deactivation")
	}
	if !session.Connected() {
		t.Fatal("expected the surviving session to still be connected")
	}
	if len(manager.CachedTools("remote")) != 1 {
		t.Fatalf("expected the tool cache to survive deactivation, got %+v", manager.CachedTools("remote"))
	}

	result, err := session.Connector().CallTool(context.Background(), "echo", `{}`)
	if err != nil {
		t.Fatalf("CallTool() after deactivation error: %v", err)
	}
	if strings.TrimSpace(result) != "still here" {
		t.Fatalf("unexpected result: %q", result)
	}

	if err := manager.DisconnectServer("ghost"); err == nil {
		t.Fatal("expected error deactivating a server with no session")
	}

	// A real teardown still goes through the registry.
	if err := registry.CloseSession("remote"); err != nil {
		t.Fatalf("CloseSession() error: %v", err)
	}
	if _, ok := registry.Session("remote"); ok {
		t.Fatal("expected CloseSession to drop the session")
	}
}

func TestServerManager_MetaToolRoundTrip(t *testing.T) {
	server := newStreamableTestServer(t, "ok")
	registry := newTestRegistry(t, map[string]config.ServerConfig{
		"remote": {URL: server.URL},
	})
	defer registry.CloseAllSessions()
	manager := NewServerManager(registry, nil)

	connect := connectServerTool{manager: manager}
	out, err := connect.InvokableRun(context.Background(), `{"server_name":"remote"}`)
	if err != nil {
		t.Fatalf("connect_server error: %v", err)
	}
	if !strings.Contains(out, "remote") || !strings.Contains(out, "echo") {
		t.Fatalf("expected human-readable summary naming server and tools, got %q", out)
	}

	active := getActiveServerTool{manager: manager}
	out, err = active.InvokableRun(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("get_active_server error: %v", err)
	}
	if !strings.Contains(out, "remote") {
		t.Fatalf("expected active server named, got %q", out)
	}

	list := listServersTool{manager: manager}
	out, err = list.InvokableRun(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("list_servers error: %v", err)
	}
	if !strings.Contains(out, "remote") || !strings.Contains(out, "(active)") {
		t.Fatalf("expected listing with active marker, got %q", out)
	}

	disconnect := disconnectServerTool{manager: manager}
	if _, err := disconnect.InvokableRun(context.Background(), `{"server_name":"remote"}`); err != nil {
		t.Fatalf("disconnect_server error: %v", err)
	}

	out, err = active.InvokableRun(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("get_active_server error: %v", err)
	}
	if !strings.Contains(out, "No server is active") {
		t.Fatalf("expected no-active message, got %q", out)
	}
}

func TestServerManager_AddServerMetaTool(t *testing.T) {
	server := newStreamableTestServer(t, "ok")
	registry := newTestRegistry(t, nil)
	defer registry.CloseAllSessions()
	manager := NewServerManager(registry, nil)

	add := addServerTool{manager: manager}
	out, err := add.InvokableRun(context.Background(), `{"server_name":"dynamic","url":"`+server.URL+`"}`)
	if err != nil {
		t.Fatalf("add_server error: %v", err)
	}
	if !strings.Contains(out, "dynamic") || !strings.Contains(out, "echo") {
		t.Fatalf("expected confirmation naming server and tools, got %q", out)
	}

	// add_server registers, connects, and activates in one step.
	if _, ok := registry.ServerConfig("dynamic"); !ok {
		t.Fatal("expected server registered in the config map")
	}
	if manager.ActiveServer() != "dynamic" {
		t.Fatalf("expected the new server to be active, got %q", manager.ActiveServer())
	}
	if len(manager.CachedTools("dynamic")) != 1 {
		t.Fatalf("expected the new server's tools cached, got %+v", manager.CachedTools("dynamic"))
	}

	names := toolNames(t, manager)
	found := false
	for _, name := range names {
		if name == "mcp.dynamic.echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected mcp.dynamic.echo in the tool set, got %v", names)
	}

	if _, err := add.InvokableRun(context.Background(), `{"server_name":"dynamic","url":"`+server.URL+`"}`); err == nil {
		t.Fatal("expected duplicate add_server to fail")
	}
	if _, err := add.InvokableRun(context.Background(), `{"server_name":"broken"}`); err == nil {
		t.Fatal("expected add_server without a shape to fail")
	}
}

func TestServerManager_PrefetchWarmsCacheWithoutChurn(t *testing.T) {
	server := newStreamableTestServer(t, "ok")
	registry := newTestRegistry(t, map[string]config.ServerConfig{
		"remote": {URL: server.URL},
	})
	defer registry.CloseAllSessions()
	manager := NewServerManager(registry, nil)

	manager.PrefetchServerTools(context.Background())
	first := manager.CachedTools("remote")
	if len(first) != 1 {
		t.Fatalf("expected warmed cache, got %+v", first)
	}

	// A structurally identical refetch must keep the cached slice.
	manager.PrefetchServerTools(context.Background())
	second := manager.CachedTools("remote")
	if len(second) != 1 || &first[0] != &second[0] {
		t.Fatalf("expected cache entry to be reused for identical tool sets")
	}
}

func TestToolSetEqual(t *testing.T) {
	a := []ToolDescriptor{{Name: "a", Description: "x"}, {Name: "b"}}
	b := []ToolDescriptor{{Name: "b"}, {Name: "a", Description: "x"}}
	if !toolSetEqual(a, b) {
		t.Fatal("expected order-insensitive equality")
	}

	c := []ToolDescriptor{{Name: "a", Description: "changed"}, {Name: "b"}}
	if toolSetEqual(a, c) {
		t.Fatal("expected description change to be detected")
	}

	d := []ToolDescriptor{{Name: "a", Description: "x"}}
	if toolSetEqual(a, d) {
		t.Fatal("expected length change to be detected")
	}
}

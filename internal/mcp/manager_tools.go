package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/calder-ai/drover/internal/config"
)

// The meta-tools below are consumed by an LLM, so every result is a plain
// human-readable sentence rather than structured data.

type listServersTool struct {
	manager *ServerManager
}

func (t listServersTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "list_servers",
		Desc: "List all configured MCP servers, their transports, connection state, and which one is active.",
	}, nil
}

func (t listServersTool) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	return t.manager.describeServers(), nil
}

type connectServerTool struct {
	manager *ServerManager
}

func (t connectServerTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "connect_server",
		Desc: "Connect to an MCP server by name and make it the active server. Its tools become available on the next step.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"server_name": {
				Desc:     "Name of the configured server to connect",
				Type:     schema.String,
				Required: true,
			},
		}),
	}, nil
}

func (t connectServerTool) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	name, err := requiredStringArg(argsJSON, "server_name")
	if err != nil {
		return "", err
	}

	tools, err := t.manager.ConnectServer(ctx, name)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(tools))
	for _, def := range tools {
		names = append(names, def.Name)
	}
	if len(names) == 0 {
		return fmt.Sprintf("Connected to server %q. It exposes no tools.", name), nil
	}
	return fmt.Sprintf("Connected to server %q. Available tools: %s.", name, strings.Join(names, ", ")), nil
}

type getActiveServerTool struct {
	manager *ServerManager
}

func (t getActiveServerTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "get_active_server",
		Desc: "Report which MCP server is currently active.",
	}, nil
}

func (t getActiveServerTool) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	active := t.manager.ActiveServer()
	if active == "" {
		return "No server is active. Use connect_server to activate one.", nil
	}
	return fmt.Sprintf("The active server is %q with %d tool(s) available.", active, len(t.manager.CachedTools(active))), nil
}

type disconnectServerTool struct {
	manager *ServerManager
}

func (t disconnectServerTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "disconnect_server",
		Desc: "Deactivate an MCP server by name. Its tools leave the tool set; the underlying session stays connected for quick reactivation.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"server_name": {
				Desc:     "Name of the server to disconnect",
				Type:     schema.String,
				Required: true,
			},
		}),
	}, nil
}

func (t disconnectServerTool) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	name, err := requiredStringArg(argsJSON, "server_name")
	if err != nil {
		return "", err
	}
	if err := t.manager.DisconnectServer(name); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deactivated server %q. Its tools are no longer in the tool set.", name), nil
}

type addServerTool struct {
	manager *ServerManager
}

func (t addServerTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "add_server",
		Desc: "Register a new MCP server at runtime and connect to it, making it the active server. Provide exactly one of command (stdio), url (HTTP/SSE), or ws_url (WebSocket).",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"server_name": {
				Desc:     "Unique name for the new server",
				Type:     schema.String,
				Required: true,
			},
			"command": {
				Desc: "Executable to spawn for a stdio server",
				Type: schema.String,
			},
			"args": {
				Desc:     "Arguments for the stdio command",
				Type:     schema.Array,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
			"url": {
				Desc: "Endpoint URL for a streamable HTTP or SSE server",
				Type: schema.String,
			},
			"ws_url": {
				Desc: "Endpoint URL for a WebSocket server",
				Type: schema.String,
			},
		}),
	}, nil
}

func (t addServerTool) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	var args struct {
		ServerName string   `json:"server_name"`
		Command    string   `json:"command"`
		Args       []string `json:"args"`
		URL        string   `json:"url"`
		WSURL      string   `json:"ws_url"`
	}
	if err := json.Unmarshal([]byte(compactJSONOrRaw(argsJSON)), &args); err != nil {
		return "", fmt.Errorf("invalid add_server arguments: %w", err)
	}
	name := strings.TrimSpace(args.ServerName)
	if name == "" {
		return "", fmt.Errorf("add_server requires server_name")
	}

	cfg := config.ServerConfig{
		Command: strings.TrimSpace(args.Command),
		Args:    args.Args,
		URL:     strings.TrimSpace(args.URL),
		WSURL:   strings.TrimSpace(args.WSURL),
	}
	if err := t.manager.registry.AddServer(name, cfg); err != nil {
		return "", err
	}
	kind, _ := cfg.TransportKind()

	tools, err := t.manager.ConnectServer(ctx, name)
	if err != nil {
		return "", err
	}
	toolNames := make([]string, 0, len(tools))
	for _, def := range tools {
		toolNames = append(toolNames, def.Name)
	}
	if len(toolNames) == 0 {
		return fmt.Sprintf("Registered and connected server %q using the %s transport. It is now active and exposes no tools.", name, kind), nil
	}
	return fmt.Sprintf("Registered and connected server %q using the %s transport. It is now active with tools: %s.", name, kind, strings.Join(toolNames, ", ")), nil
}

func requiredStringArg(argsJSON, key string) (string, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(compactJSONOrRaw(argsJSON)), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	value := strings.TrimSpace(stringValue(args[key]))
	if value == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return value, nil
}

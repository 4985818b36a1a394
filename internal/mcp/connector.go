package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/calder-ai/drover/internal/config"
)

// Connector binds one server's config to a live protocol session: it picks
// the transport from the config shape, runs it under a ConnectionManager, and
// exposes the tool/resource/prompt surface of the connected server.
type Connector struct {
	serverName string
	cfg        config.ServerConfig
	logger     *slog.Logger

	// Stderr receives the stdio subprocess's stderr stream when set.
	Stderr io.Writer

	mu            sync.Mutex
	manager       *ConnectionManager
	conn          Conn
	transportKind string
	capabilities  map[string]any
	tools         []ToolDescriptor
	toolsFetched  bool
}

// NewConnector creates a connector for one configured server. The config is
// not validated here; Connect reports shape problems as ConfigurationError.
func NewConnector(serverName string, cfg config.ServerConfig, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		serverName: serverName,
		cfg:        cfg,
		logger:     logger.With("server", serverName),
	}
}

// ServerName returns the configured server name.
func (c *Connector) ServerName() string { return c.serverName }

// Connected reports whether a live session exists.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect establishes the transport and performs the protocol handshake.
// Connecting an already-connected connector is a no-op. On any failure every
// partially-acquired resource is released before the error returns, so a
// failed Connect never leaks a subprocess or socket.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	kind, err := c.cfg.TransportKind()
	if err != nil {
		return &ConfigurationError{Server: c.serverName, Err: err}
	}

	var (
		conn    Conn
		manager *ConnectionManager
		winner  string
	)
	switch kind {
	case config.TransportStdio:
		conn, manager, err = c.establish(ctx, c.stdioTransport())
		winner = config.TransportStdio
	case config.TransportSSE:
		conn, manager, err = c.establish(ctx, newSSETransport(c.serverName, c.cfg))
		winner = config.TransportSSE
	case config.TransportWebSocket:
		conn, manager, err = c.establish(ctx, newWebSocketTransport(c.serverName, c.cfg))
		winner = config.TransportWebSocket
	case config.TransportHTTP:
		conn, manager, winner, err = c.establishHTTPWithFallback(ctx)
	default:
		return &ConfigurationError{Server: c.serverName, Err: fmt.Errorf("unknown transport kind %q", kind)}
	}
	if err != nil {
		return err
	}

	capabilities, err := handshake(ctx, conn)
	if err != nil {
		manager.Stop()
		return &HandshakeError{Server: c.serverName, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.manager = manager
	c.transportKind = winner
	c.capabilities = capabilities
	c.tools = nil
	c.toolsFetched = false
	c.mu.Unlock()

	c.logger.Info("mcp server connected", "transport", winner)
	return nil
}

func (c *Connector) stdioTransport() StdioTransport {
	transport := newStdioTransport(c.serverName, c.cfg)
	transport.Stderr = c.Stderr
	return transport
}

// establish runs one transport under a fresh ConnectionManager. A failed
// start stops the manager immediately so its background task is reaped.
func (c *Connector) establish(ctx context.Context, transport Transport) (Conn, *ConnectionManager, error) {
	manager := NewConnectionManager(transport, c.logger)
	conn, err := manager.Start(ctx)
	if err != nil {
		manager.Stop()
		return nil, nil, err
	}
	return conn, manager, nil
}

// establishHTTPWithFallback tries streamable HTTP first, then falls back to
// SSE on any establishment failure. Both failing yields a composite error
// naming both attempts.
func (c *Connector) establishHTTPWithFallback(ctx context.Context) (Conn, *ConnectionManager, string, error) {
	conn, manager, httpErr := c.establish(ctx, newStreamableHTTPTransport(c.serverName, c.cfg))
	if httpErr == nil {
		return conn, manager, config.TransportHTTP, nil
	}

	var establishErr *EstablishmentError
	if errors.As(httpErr, &establishErr) && establishErr.notSupported() {
		c.logger.Debug("server does not speak streamable http, trying sse",
			"status", establishErr.StatusCode)
	} else {
		c.logger.Warn("streamable http failed, trying sse", "error", httpErr)
	}

	conn, manager, sseErr := c.establish(ctx, newSSETransport(c.serverName, c.cfg))
	if sseErr == nil {
		return conn, manager, config.TransportSSE, nil
	}

	return nil, nil, "", fmt.Errorf("connect %q over http failed on both transports: streamable http: %w; sse: %w",
		c.serverName, httpErr, sseErr)
}

// Initialize fetches and caches the server's tool list. Capabilities were
// already cached by the handshake during Connect.
func (c *Connector) Initialize(ctx context.Context) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}

	result, err := conn.Invoke(ctx, methodToolsList, map[string]any{})
	if err != nil {
		return fmt.Errorf("list tools on %q: %w", c.serverName, err)
	}
	tools, err := decodeToolDescriptors(result)
	if err != nil {
		return fmt.Errorf("list tools on %q: %w", c.serverName, err)
	}

	c.mu.Lock()
	c.tools = tools
	c.toolsFetched = true
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list, fetching it on first use.
func (c *Connector) Tools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.Lock()
	if c.toolsFetched {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools, nil
}

// Capabilities returns the capability map advertised during the handshake.
func (c *Connector) Capabilities() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// CallTool invokes a tool by name with JSON-encoded arguments and returns the
// textual result. Failures come back as ToolInvocationError.
func (c *Connector) CallTool(ctx context.Context, toolName, argsJSON string) (string, error) {
	conn, err := c.liveConn()
	if err != nil {
		return "", &ToolInvocationError{Server: c.serverName, Tool: toolName, Err: err}
	}

	args, err := parseToolArgs(argsJSON)
	if err != nil {
		return "", &ToolInvocationError{Server: c.serverName, Tool: toolName, Err: err}
	}

	result, err := conn.Invoke(ctx, methodToolsCall, map[string]any{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		return "", &ToolInvocationError{Server: c.serverName, Tool: toolName, Err: err}
	}

	decoded, err := decodeCallResult(result)
	if err != nil {
		return "", &ToolInvocationError{Server: c.serverName, Tool: toolName, Err: err}
	}
	return stringifyResult(decoded), nil
}

// ListResources lists the resources advertised by the server.
func (c *Connector) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	conn, err := c.liveConn()
	if err != nil {
		return nil, err
	}
	result, err := conn.Invoke(ctx, methodResourcesList, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("list resources on %q: %w", c.serverName, err)
	}
	return decodeResourceDescriptors(result)
}

// ReadResource reads one resource by URI and returns its textual content.
func (c *Connector) ReadResource(ctx context.Context, uri string) (string, error) {
	conn, err := c.liveConn()
	if err != nil {
		return "", err
	}
	result, err := conn.Invoke(ctx, methodResourcesRead, map[string]any{"uri": uri})
	if err != nil {
		return "", fmt.Errorf("read resource %q on %q: %w", uri, c.serverName, err)
	}

	if obj, ok := result.(map[string]any); ok {
		if contents, ok := obj["contents"].([]any); ok {
			parts := make([]string, 0, len(contents))
			for _, item := range contents {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if text := strings.TrimSpace(stringValue(entry["text"])); text != "" {
					parts = append(parts, text)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n"), nil
			}
		}
	}
	return stringifyResult(result), nil
}

// ListPrompts lists the prompt templates advertised by the server.
func (c *Connector) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	conn, err := c.liveConn()
	if err != nil {
		return nil, err
	}
	result, err := conn.Invoke(ctx, methodPromptsList, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("list prompts on %q: %w", c.serverName, err)
	}
	return decodePromptDescriptors(result)
}

// GetPrompt renders one prompt template with the given arguments.
func (c *Connector) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	conn, err := c.liveConn()
	if err != nil {
		return "", err
	}
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	result, err := conn.Invoke(ctx, methodPromptsGet, params)
	if err != nil {
		return "", fmt.Errorf("get prompt %q on %q: %w", name, c.serverName, err)
	}

	if obj, ok := result.(map[string]any); ok {
		if messages, ok := obj["messages"].([]any); ok {
			parts := make([]string, 0, len(messages))
			for _, item := range messages {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				content, ok := entry["content"].(map[string]any)
				if !ok {
					continue
				}
				if text := strings.TrimSpace(stringValue(content["text"])); text != "" {
					parts = append(parts, text)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n"), nil
			}
		}
	}
	return stringifyResult(result), nil
}

// Disconnect tears the session down. Idempotent: disconnecting a connector
// that never connected, or one already disconnected, is a no-op.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	manager := c.manager
	c.manager = nil
	c.conn = nil
	c.transportKind = ""
	c.capabilities = nil
	c.tools = nil
	c.toolsFetched = false
	c.mu.Unlock()

	if manager != nil {
		manager.Stop()
		c.logger.Info("mcp server disconnected")
	}
	return nil
}

// PublicIdentifier describes how this connector reaches its server. For HTTP
// configs the Transport field reports the variant that actually won the
// fallback negotiation, not the one that was merely tried first.
func (c *Connector) PublicIdentifier() Identifier {
	c.mu.Lock()
	winner := c.transportKind
	c.mu.Unlock()

	kind, err := c.cfg.TransportKind()
	if err != nil {
		return Identifier{Type: "invalid"}
	}

	switch kind {
	case config.TransportStdio:
		return Identifier{
			Type:    config.TransportStdio,
			Command: c.cfg.Command,
			Args:    append([]string(nil), c.cfg.Args...),
		}
	case config.TransportWebSocket:
		return Identifier{
			Type: config.TransportWebSocket,
			URL:  c.cfg.WSURL,
		}
	default:
		if winner == "" {
			winner = kind
		}
		return Identifier{
			Type:      config.TransportHTTP,
			Transport: winner,
			URL:       c.cfg.URL,
		}
	}
}

func (c *Connector) liveConn() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("server %q is not connected", c.serverName)
	}
	return c.conn, nil
}

func stringifyResult(result any) string {
	switch value := result.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(raw)
	}
}

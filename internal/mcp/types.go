package mcp

import "context"

// ToolDescriptor describes a tool discovered from an MCP server.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ResourceDescriptor describes a resource advertised by an MCP server.
type ResourceDescriptor struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// PromptDescriptor describes a prompt template advertised by an MCP server.
type PromptDescriptor struct {
	Name        string
	Description string
}

// Identifier reports which transport a connector ended up using. It is
// consumed by telemetry and status output only; never by routing logic.
type Identifier struct {
	Type      string // stdio | http | websocket
	Transport string // for http configs: the negotiated variant, http or sse
	Command   string
	Args      []string
	URL       string
}

// Conn is an established protocol channel to one MCP server.
type Conn interface {
	Invoke(ctx context.Context, method string, params any) (any, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// Transport establishes one connection of a particular kind.
type Transport interface {
	Kind() string
	Establish(ctx context.Context) (Conn, error)
}

// ServerStatus represents current registry state for one configured server.
type ServerStatus struct {
	Name      string
	Transport string
	Connected bool
	ToolCount int
	Message   string
}

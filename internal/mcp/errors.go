package mcp

import (
	"fmt"
	"net/http"
)

// EstablishmentError means the transport itself could not be created:
// process spawn failure, socket error, or a non-2xx on the initial exchange.
type EstablishmentError struct {
	Transport  string
	StatusCode int
	Err        error
}

func (e *EstablishmentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("establish %s transport: status %d: %v", e.Transport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("establish %s transport: %v", e.Transport, e.Err)
}

func (e *EstablishmentError) Unwrap() error { return e.Err }

// notSupported reports whether the server rejected the transport variant
// outright (404/405), which triggers the SSE fallback for HTTP configs.
func (e *EstablishmentError) notSupported() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusMethodNotAllowed
}

// HandshakeError means the transport connected but the protocol-level
// initialize exchange failed.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("initialize mcp session with %q: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ToolInvocationError means the remote tool returned an error or content
// the client could not interpret.
type ToolInvocationError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("call tool %q on server %q: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ConfigurationError means a server name was not found or a config shape
// was unrecognized. Never retried.
type ConfigurationError struct {
	Server string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("server configuration: %v", e.Err)
	}
	return fmt.Sprintf("server %q configuration: %v", e.Server, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ReconciliationError means the tool set for one server could not be
// refreshed mid-run. It never aborts other servers.
type ReconciliationError struct {
	Server string
	Err    error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("refresh tools for server %q: %v", e.Server, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/calder-ai/drover/internal/config"
)

func TestStdioTransport_ConnectAndCall(t *testing.T) {
	connector := NewConnector("helper", config.ServerConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPHelperProcess", "--", "mcp-stdio-helper"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
		},
	}, nil)

	if err := connector.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer connector.Disconnect()

	tools, err := connector.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tool descriptors: %+v", tools)
	}

	result, err := connector.CallTool(context.Background(), "echo", `{"message":"hello"}`)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if strings.TrimSpace(result) != "echo: hello" {
		t.Fatalf("unexpected tool result: %q", result)
	}

	identifier := connector.PublicIdentifier()
	if identifier.Type != config.TransportStdio || identifier.Command != os.Args[0] {
		t.Fatalf("unexpected identifier: %+v", identifier)
	}
}

func TestSSETransport_ConnectDiscoverAndCall(t *testing.T) {
	var receivedHeader string

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		receivedHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: endpoint\ndata: /rpc\n\n")
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	})
	mux.HandleFunc("/rpc", newRPCHandler(t, "echo: from-sse", nil))

	server := httptest.NewServer(mux)
	defer server.Close()

	connector := NewConnector("remote", config.ServerConfig{
		URL:       server.URL + "/sse",
		Transport: "sse",
		AuthToken: "abc123",
	}, nil)
	if err := connector.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer connector.Disconnect()

	if receivedHeader != "Bearer abc123" {
		t.Fatalf("expected bearer auth on SSE discovery request, got %q", receivedHeader)
	}

	tools, err := connector.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tool descriptors: %+v", tools)
	}

	result, err := connector.CallTool(context.Background(), "echo", `{}`)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if strings.TrimSpace(result) != "echo: from-sse" {
		t.Fatalf("unexpected tool result: %q", result)
	}

	identifier := connector.PublicIdentifier()
	if identifier.Type != config.TransportHTTP || identifier.Transport != config.TransportSSE {
		t.Fatalf("unexpected identifier: %+v", identifier)
	}
}

func TestStreamableHTTPTransport_SessionTracking(t *testing.T) {
	var sawSessionID bool

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Mcp-Session-Id") == "sess-42" {
			sawSessionID = true
		}
		w.Header().Set("Mcp-Session-Id", "sess-42")
		newRPCHandler(t, "echo: from-http", nil)(w, r)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	connector := NewConnector("remote", config.ServerConfig{
		URL: server.URL + "/mcp",
	}, nil)
	if err := connector.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer connector.Disconnect()

	result, err := connector.CallTool(context.Background(), "echo", `{}`)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if strings.TrimSpace(result) != "echo: from-http" {
		t.Fatalf("unexpected tool result: %q", result)
	}
	if !sawSessionID {
		t.Fatal("expected the session id from initialize to be echoed on later requests")
	}

	identifier := connector.PublicIdentifier()
	if identifier.Type != config.TransportHTTP || identifier.Transport != config.TransportHTTP {
		t.Fatalf("unexpected identifier: %+v", identifier)
	}
}

func TestHTTPFallback_405FallsBackToSSE(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			// The endpoint only speaks the SSE variant.
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: endpoint\ndata: /rpc\n\n")
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	})
	mux.HandleFunc("/rpc", newRPCHandler(t, "echo: fallback", nil))

	server := httptest.NewServer(mux)
	defer server.Close()

	connector := NewConnector("remote", config.ServerConfig{
		URL: server.URL + "/mcp",
	}, nil)
	if err := connector.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer connector.Disconnect()

	identifier := connector.PublicIdentifier()
	if identifier.Transport != config.TransportSSE {
		t.Fatalf("expected the sse fallback to win, got %+v", identifier)
	}

	result, err := connector.CallTool(context.Background(), "echo", `{}`)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if strings.TrimSpace(result) != "echo: fallback" {
		t.Fatalf("unexpected tool result: %q", result)
	}
}

func TestHTTPFallback_BothFailingYieldsCompositeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	connector := NewConnector("remote", config.ServerConfig{
		URL: server.URL + "/mcp",
		Reconnect: config.ReconnectConfig{
			InitialDelayMs: 1,
			MaxRetries:     1,
		},
	}, nil)

	err := connector.Connect(context.Background())
	if err == nil {
		connector.Disconnect()
		t.Fatal("expected connect to fail")
	}
	msg := err.Error()
	if !strings.Contains(msg, "streamable http") || !strings.Contains(msg, "sse") {
		t.Fatalf("expected composite error naming both transports, got: %v", err)
	}
	var establishErr *EstablishmentError
	if !errors.As(err, &establishErr) {
		t.Fatalf("expected wrapped EstablishmentError, got: %v", err)
	}
	if connector.Connected() {
		t.Fatal("failed connect must not leave the connector connected")
	}
}

// newRPCHandler serves the minimal JSON-RPC surface: initialize, tools/list
// with a single echo tool, and tools/call returning callText.
func newRPCHandler(t *testing.T, callText string, onRequest func(method string)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		method := strings.TrimSpace(stringValue(req["method"]))
		if onRequest != nil {
			onRequest(method)
		}
		id, hasID := req["id"]
		if !hasID {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result any
		switch method {
		case "initialize":
			result = map[string]any{
				"capabilities": map[string]any{"tools": map[string]any{}},
				"serverInfo": map[string]any{
					"name":    "test-server",
					"version": "1.0.0",
				},
			}
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{
					{
						"name":        "echo",
						"description": "Echo tool",
						"inputSchema": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"message": map[string]any{"type": "string"},
							},
						},
					},
				},
			}
		case "tools/call":
			result = map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": callText},
				},
			}
		default:
			result = map[string]any{}
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  result,
		})
	}
}

func TestMCPHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	isHelper := false
	for _, arg := range os.Args {
		if arg == "mcp-stdio-helper" {
			isHelper = true
			break
		}
	}
	if !isHelper {
		return
	}

	runMCPHelperProcess()
	os.Exit(0)
}

func runMCPHelperProcess() {
	reader := bufio.NewReader(os.Stdin)
	writer := os.Stdout

	for {
		contentLength, err := readContentLength(reader)
		if err != nil {
			return
		}
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return
		}

		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}

		method := strings.TrimSpace(stringValue(req["method"]))
		id, hasID := req["id"]
		if !hasID {
			continue
		}

		var result any
		switch method {
		case "initialize":
			result = map[string]any{
				"capabilities": map[string]any{},
				"serverInfo": map[string]any{
					"name":    "test-stdio",
					"version": "1.0.0",
				},
			}
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{
					{
						"name":        "echo",
						"description": "Echo tool",
					},
				},
			}
		case "tools/call":
			text := "echo: "
			if params, ok := req["params"].(map[string]any); ok {
				if args, ok := params["arguments"].(map[string]any); ok {
					text += strings.TrimSpace(stringValue(args["message"]))
				}
			}
			result = map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": text},
				},
			}
		default:
			result = map[string]any{}
		}

		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  result,
		})
		_, _ = io.WriteString(writer, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(resp)))
		_, _ = writer.Write(resp)
	}
}

func TestReadSSEEndpointEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload := "event: endpoint\ndata: /rpc\n\n"
	endpoint, ok := readSSEEndpointEvent(ctx, strings.NewReader(payload))
	if !ok {
		t.Fatal("expected endpoint event")
	}
	if endpoint != "/rpc" {
		t.Fatalf("expected /rpc, got %q", endpoint)
	}
}

func TestConnector_DisconnectIsIdempotent(t *testing.T) {
	connector := NewConnector("never-connected", config.ServerConfig{Command: "true"}, nil)

	if err := connector.Disconnect(); err != nil {
		t.Fatalf("Disconnect() before Connect error: %v", err)
	}
	if err := connector.Disconnect(); err != nil {
		t.Fatalf("repeated Disconnect() error: %v", err)
	}
}

func TestConnector_AmbiguousShapeIsConfigurationError(t *testing.T) {
	connector := NewConnector("broken", config.ServerConfig{
		Command: "npx",
		URL:     "https://example.com/mcp",
	}, nil)

	err := connector.Connect(context.Background())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calder-ai/drover/internal/config"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newEchoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer socket.Close()

		for {
			var req map[string]any
			if err := socket.ReadJSON(&req); err != nil {
				return
			}
			id, hasID := req["id"]
			if !hasID {
				continue
			}

			method := strings.TrimSpace(stringValue(req["method"]))
			var result any
			switch method {
			case "initialize":
				result = map[string]any{"capabilities": map[string]any{}}
			case "tools/call":
				result = map[string]any{
					"content": []map[string]any{
						{"type": "text", "text": "echo: from-ws"},
					},
				}
			default:
				result = map[string]any{}
			}

			_ = socket.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  result,
			})
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketTransport_InvokeRoundTrip(t *testing.T) {
	server := newEchoWSServer(t)
	defer server.Close()

	connector := NewConnector("ws-server", config.ServerConfig{WSURL: wsURL(server)}, nil)
	if err := connector.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer connector.Disconnect()

	result, err := connector.CallTool(context.Background(), "echo", `{}`)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if strings.TrimSpace(result) != "echo: from-ws" {
		t.Fatalf("unexpected tool result: %q", result)
	}

	identifier := connector.PublicIdentifier()
	if identifier.Type != config.TransportWebSocket || identifier.URL != wsURL(server) {
		t.Fatalf("unexpected identifier: %+v", identifier)
	}
}

func TestWebSocketTransport_DialFailure(t *testing.T) {
	transport := WebSocketTransport{URL: "ws://127.0.0.1:1/nope"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := transport.Establish(ctx)
	var establishErr *EstablishmentError
	if !errors.As(err, &establishErr) {
		t.Fatalf("expected EstablishmentError, got %T: %v", err, err)
	}
}

func TestWebSocketTransport_ConnectionLossRejectsAllPending(t *testing.T) {
	received := make(chan struct{}, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		// Swallow two requests without answering, then drop the socket.
		for i := 0; i < 2; i++ {
			if _, _, err := socket.ReadMessage(); err != nil {
				return
			}
			received <- struct{}{}
		}
		socket.Close()
	}))
	defer server.Close()

	transport := WebSocketTransport{URL: wsURL(server)}
	conn, err := transport.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish() error: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conn.Invoke(ctx, "tools/call", map[string]any{"name": "slow"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	count := 0
	for err := range errs {
		count++
		if err == nil {
			t.Fatal("expected pending request to fail after connection loss")
		}
		if !strings.Contains(err.Error(), "connection closed") {
			t.Fatalf("expected connection closed error, got: %v", err)
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 rejected requests, got %d", count)
	}
}

func TestWebSocketConn_CloseWaitsForAcknowledgment(t *testing.T) {
	server := newEchoWSServer(t)
	defer server.Close()

	transport := WebSocketTransport{URL: wsURL(server)}
	conn, err := transport.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish() error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not resolve")
	}

	// Once Close has returned, the read loop has already observed the
	// peer's close and marked the connection dead: new requests are
	// refused immediately instead of hanging on a dropped socket.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.Invoke(ctx, "tools/list", map[string]any{}); err == nil || !strings.Contains(err.Error(), "connection closed") {
		t.Fatalf("expected connection closed error after Close, got: %v", err)
	}

	// Closing an already-closed connection resolves immediately.
	if err := conn.Close(); err != nil {
		t.Fatalf("repeated Close() error: %v", err)
	}
}

func TestWebSocketConn_ServerErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer socket.Close()

		var req map[string]any
		if err := socket.ReadJSON(&req); err != nil {
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
		_ = socket.WriteMessage(websocket.TextMessage, payload)
	}))
	defer server.Close()

	transport := WebSocketTransport{URL: wsURL(server)}
	conn, err := transport.Establish(context.Background())
	if err != nil {
		t.Fatalf("Establish() error: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = conn.Invoke(ctx, "nope", map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("expected server error to surface, got: %v", err)
	}
}

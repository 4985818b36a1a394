package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calder-ai/drover/internal/config"
)

const wsHandshakeTimeout = 10 * time.Second

// WebSocketTransport multiplexes JSON-RPC over a single websocket: requests
// carry ids, a read loop routes each response to the pending caller, and a
// dropped connection fails every in-flight request at once.
type WebSocketTransport struct {
	ServerName string
	URL        string
	Headers    map[string]string
	AuthToken  string
}

func newWebSocketTransport(serverName string, cfg config.ServerConfig) WebSocketTransport {
	return WebSocketTransport{
		ServerName: serverName,
		URL:        strings.TrimSpace(cfg.WSURL),
		Headers:    cfg.Headers,
		AuthToken:  strings.TrimSpace(cfg.AuthToken),
	}
}

func (t WebSocketTransport) Kind() string { return config.TransportWebSocket }

// Establish resolves only after the websocket dial completes, so a Ready
// connection manager always holds a live socket.
func (t WebSocketTransport) Establish(ctx context.Context) (Conn, error) {
	trimmed := strings.TrimSpace(t.URL)
	if trimmed == "" {
		return nil, fmt.Errorf("websocket transport requires wsUrl")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url %q: %w", trimmed, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported websocket url scheme: %q", parsed.Scheme)
	}

	header := http.Header{}
	applyHeaders(header, buildHeaders(t.Headers, t.AuthToken))

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	socket, resp, err := dialer.DialContext(ctx, parsed.String(), header)
	if err != nil {
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		return nil, &EstablishmentError{
			Transport:  config.TransportWebSocket,
			StatusCode: statusCode,
			Err:        fmt.Errorf("websocket dial %s: %w", parsed.String(), err),
		}
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn := &wsConn{
		socket:   socket,
		pending:  make(map[string]chan rpcOutcome),
		readDone: make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

type rpcOutcome struct {
	result any
	err    error
}

type wsConn struct {
	socket   *websocket.Conn
	readDone chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan rpcOutcome
	closed  bool

	nextID    int64
	closeOnce sync.Once
}

var errWSConnClosed = errors.New("connection closed")

func (c *wsConn) Invoke(ctx context.Context, method string, params any) (any, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	key := normalizeRPCID(id)

	outcome := make(chan rpcOutcome, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errWSConnClosed
	}
	c.pending[key] = outcome
	c.mu.Unlock()

	payload := map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      id,
		"method":  method,
		"params":  params,
	}
	if err := c.writeJSON(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, fmt.Errorf("websocket write %s: %w", strings.TrimSpace(method), err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	case result := <-outcome:
		return result.result, result.err
	}
}

func (c *wsConn) Notify(ctx context.Context, method string, params any) error {
	payload := map[string]any{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  params,
	}
	if err := c.writeJSON(payload); err != nil {
		return fmt.Errorf("websocket notify %s: %w", strings.TrimSpace(method), err)
	}
	return nil
}

// Close performs the closing handshake: it sends the close frame, then waits
// for the read loop to observe the peer's acknowledgment before dropping the
// socket. A socket that is already gone resolves immediately.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		select {
		case <-c.readDone:
		case <-time.After(time.Second):
		}
		c.socket.Close()
	})
	return nil
}

func (c *wsConn) writeJSON(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteJSON(payload)
}

// readLoop routes incoming responses to pending requests until the socket
// drops, then fails everything still waiting and signals Close that the
// peer's side of the conversation is over.
func (c *wsConn) readLoop() {
	defer func() {
		c.failPending()
		close(c.readDone)
	}()

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}

		var envelope map[string]any
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		idValue, hasID := envelope["id"]
		if !hasID {
			// Server-initiated notification; nothing is waiting on it.
			continue
		}

		key := normalizeRPCID(idValue)
		c.mu.Lock()
		outcome, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		if errValue, ok := envelope["error"]; ok && errValue != nil {
			msg := strings.TrimSpace(stringValue(errValue))
			if obj, ok := errValue.(map[string]any); ok {
				if m := strings.TrimSpace(stringValue(obj["message"])); m != "" {
					msg = m
				}
			}
			if msg == "" {
				msg = "json-rpc request failed"
			}
			outcome <- rpcOutcome{err: errors.New(msg)}
			continue
		}
		outcome <- rpcOutcome{result: envelope["result"]}
	}
}

func (c *wsConn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan rpcOutcome)
	c.closed = true
	c.mu.Unlock()

	for _, outcome := range pending {
		outcome <- rpcOutcome{err: errWSConnClosed}
	}
}

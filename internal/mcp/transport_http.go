package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calder-ai/drover/internal/config"
)

// StreamableHTTPTransport speaks the single-endpoint streamable HTTP variant:
// every JSON-RPC message is a POST to the same URL, the server may answer with
// plain JSON or an event-stream body, and a session id issued during
// initialization is echoed back on every later request.
type StreamableHTTPTransport struct {
	ServerName string
	URL        string
	Headers    map[string]string
	AuthToken  string
	Reconnect  config.ReconnectConfig
	Client     *http.Client
}

func newStreamableHTTPTransport(serverName string, cfg config.ServerConfig) StreamableHTTPTransport {
	return StreamableHTTPTransport{
		ServerName: serverName,
		URL:        strings.TrimSpace(cfg.URL),
		Headers:    cfg.Headers,
		AuthToken:  strings.TrimSpace(cfg.AuthToken),
		Reconnect:  cfg.Reconnect,
	}
}

func (t StreamableHTTPTransport) Kind() string { return config.TransportHTTP }

// Establish sends the initialize request as its probe: a server that does not
// speak streamable HTTP answers the POST with 404/405, which callers can
// detect through EstablishmentError.StatusCode and fall back to SSE. The
// initialize result is cached on the connection so the handshake does not
// repeat the request.
func (t StreamableHTTPTransport) Establish(ctx context.Context) (Conn, error) {
	parsedURL, err := parseHTTPURL(t.URL, "http")
	if err != nil {
		return nil, err
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	conn := &streamHTTPConn{
		httpClient: client,
		endpoint:   parsedURL.String(),
		headers:    buildHeaders(t.Headers, t.AuthToken),
		retry:      normalizeRetryPolicy(t.Reconnect),
	}

	initResult, err := conn.invoke(ctx, methodInitialize, buildInitializeParams())
	if err != nil {
		var statusErr *httpStatusError
		statusCode := 0
		if asHTTPStatusError(err, &statusErr) {
			statusCode = statusErr.code
		}
		return nil, &EstablishmentError{
			Transport:  config.TransportHTTP,
			StatusCode: statusCode,
			Err:        fmt.Errorf("streamable http initialize: %w", err),
		}
	}
	conn.initResult = initResult
	return conn, nil
}

type streamHTTPConn struct {
	httpClient *http.Client
	endpoint   string
	headers    map[string]string
	retry      retryPolicy

	nextID int64

	sessionMu sync.Mutex
	sessionID string

	initResult any
}

func (c *streamHTTPConn) initializeResult() any { return c.initResult }

func (c *streamHTTPConn) Invoke(ctx context.Context, method string, params any) (any, error) {
	// The initialize result was captured during establishment; replay it
	// rather than re-initializing an already-initialized session.
	if method == methodInitialize && c.initResult != nil {
		return c.initResult, nil
	}
	return c.invoke(ctx, method, params)
}

func (c *streamHTTPConn) invoke(ctx context.Context, method string, params any) (any, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.retry.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		result, err := c.postAndReadResponse(ctx, reqBody, id)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("mcp http invoke %s failed: %w", strings.TrimSpace(method), lastErr)
}

func (c *streamHTTPConn) Notify(ctx context.Context, method string, params any) error {
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("encode json-rpc notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.retry.wait(ctx, attempt); err != nil {
				return err
			}
		}

		resp, err := c.post(ctx, reqBody)
		if err != nil {
			lastErr = makeRetryable(err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		statusErr := &httpStatusError{code: resp.StatusCode, status: resp.Status}
		if shouldRetryHTTPStatus(resp.StatusCode) {
			lastErr = makeRetryable(statusErr)
			continue
		}
		lastErr = statusErr
		break
	}
	return fmt.Errorf("mcp http notify %s failed: %w", strings.TrimSpace(method), lastErr)
}

// Close releases the server-side session with a best-effort DELETE; the
// request result is intentionally ignored since many servers do not
// implement session teardown.
func (c *streamHTTPConn) Close() error {
	c.sessionMu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.sessionMu.Unlock()
	if sessionID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return nil
	}
	applyHeaders(req.Header, c.headers)
	req.Header.Set("Mcp-Session-Id", sessionID)

	if resp, err := c.httpClient.Do(req); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return nil
}

func (c *streamHTTPConn) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	applyHeaders(req.Header, c.headers)

	c.sessionMu.Lock()
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.sessionMu.Unlock()

	return c.httpClient.Do(req)
}

func (c *streamHTTPConn) postAndReadResponse(ctx context.Context, reqBody []byte, id int64) (any, error) {
	resp, err := c.post(ctx, reqBody)
	if err != nil {
		return nil, makeRetryable(err)
	}
	defer resp.Body.Close()

	if sessionID := strings.TrimSpace(resp.Header.Get("Mcp-Session-Id")); sessionID != "" {
		c.sessionMu.Lock()
		c.sessionID = sessionID
		c.sessionMu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &httpStatusError{code: resp.StatusCode, status: resp.Status}
		if shouldRetryHTTPStatus(resp.StatusCode) {
			return nil, makeRetryable(statusErr)
		}
		return nil, statusErr
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/event-stream") {
		return readRPCResultFromSSE(ctx, resp.Body, id)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mcp response: %w", err)
	}
	result, matched, err := decodeRPCResponse(payload, id)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, fmt.Errorf("json-rpc response id mismatch")
	}
	return result, nil
}

type httpStatusError struct {
	code   int
	status string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("request failed with status %s", e.status)
}

func asHTTPStatusError(err error, target **httpStatusError) bool {
	for err != nil {
		if statusErr, ok := err.(*httpStatusError); ok {
			*target = statusErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

const (
	defaultRetryInitialDelay = time.Second
	defaultRetryMaxDelay     = 30 * time.Second
	defaultRetryGrowthFactor = 1.5
	defaultRetryMaxRetries   = 2
)

type retryPolicy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	growthFactor float64
	maxRetries   int
}

func normalizeRetryPolicy(cfg config.ReconnectConfig) retryPolicy {
	policy := retryPolicy{
		initialDelay: defaultRetryInitialDelay,
		maxDelay:     defaultRetryMaxDelay,
		growthFactor: defaultRetryGrowthFactor,
		maxRetries:   defaultRetryMaxRetries,
	}
	if cfg.InitialDelayMs > 0 {
		policy.initialDelay = time.Duration(cfg.InitialDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		policy.maxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	if cfg.GrowthFactor > 1 {
		policy.growthFactor = cfg.GrowthFactor
	}
	if cfg.MaxRetries > 0 {
		policy.maxRetries = cfg.MaxRetries
	}
	if policy.maxDelay < policy.initialDelay {
		policy.maxDelay = policy.initialDelay
	}
	return policy
}

// delay returns the backoff before retry attempt n (1-based), growing
// geometrically from the initial delay and capped at the max delay.
func (p retryPolicy) delay(attempt int) time.Duration {
	backoff := float64(p.initialDelay)
	for i := 1; i < attempt; i++ {
		backoff *= p.growthFactor
		if backoff >= float64(p.maxDelay) {
			return p.maxDelay
		}
	}
	if backoff > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(backoff)
}

func (p retryPolicy) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

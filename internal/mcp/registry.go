package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/calder-ai/drover/internal/config"
)

// ClientRegistry owns the configured server map and the live sessions built
// from it. Config mutations and session lifecycle are deliberately separate:
// removing a server's config never force-disconnects an open session.
type ClientRegistry struct {
	logger *slog.Logger

	mu       sync.Mutex
	configs  map[string]config.ServerConfig
	sessions map[string]*Session
}

// NewRegistry creates a registry seeded with the given server configs.
func NewRegistry(servers map[string]config.ServerConfig, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	configs := make(map[string]config.ServerConfig, len(servers))
	for name, cfg := range servers {
		configs[name] = cfg
	}
	return &ClientRegistry{
		logger:   logger,
		configs:  configs,
		sessions: make(map[string]*Session),
	}
}

// ServerNames returns the configured server names, sorted.
func (r *ClientRegistry) ServerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerConfig looks up one server's config.
func (r *ClientRegistry) ServerConfig(name string) (config.ServerConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// AddServer registers a new server config. The name must be unused and the
// config must resolve to a transport.
func (r *ClientRegistry) AddServer(name string, cfg config.ServerConfig) error {
	if _, err := cfg.TransportKind(); err != nil {
		return &ConfigurationError{Server: name, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[name]; exists {
		return &ConfigurationError{Server: name, Err: fmt.Errorf("server already configured")}
	}
	r.configs[name] = cfg
	return nil
}

// RemoveServer drops a server's config. An open session for that name keeps
// running until closed explicitly.
func (r *ClientRegistry) RemoveServer(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[name]; !exists {
		return &ConfigurationError{Server: name, Err: fmt.Errorf("server not configured")}
	}
	delete(r.configs, name)
	return nil
}

// Session returns the live session for a server, if one exists.
func (r *ClientRegistry) Session(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[name]
	return session, ok
}

// Sessions returns a snapshot of all live sessions keyed by server name.
func (r *ClientRegistry) Sessions() map[string]*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Session, len(r.sessions))
	for name, session := range r.sessions {
		out[name] = session
	}
	return out
}

// CreateSession connects to one configured server and tracks the session.
// Creating a session that already exists returns the existing one. With
// autoInitialize set the tool list is fetched as part of creation.
func (r *ClientRegistry) CreateSession(ctx context.Context, name string, autoInitialize bool) (*Session, error) {
	r.mu.Lock()
	if session, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		return session, nil
	}
	cfg, ok := r.configs[name]
	r.mu.Unlock()
	if !ok {
		return nil, &ConfigurationError{Server: name, Err: fmt.Errorf("server not configured")}
	}

	connector := NewConnector(name, cfg, r.logger)
	if err := connector.Connect(ctx); err != nil {
		return nil, err
	}
	if autoInitialize {
		if err := connector.Initialize(ctx); err != nil {
			connector.Disconnect()
			return nil, err
		}
	}

	session := newSession(name, connector, autoInitialize)
	r.mu.Lock()
	// A concurrent CreateSession may have won; keep the first and release ours.
	if existing, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		connector.Disconnect()
		return existing, nil
	}
	r.sessions[name] = session
	r.mu.Unlock()
	return session, nil
}

// CreateAllSessions connects every configured server. Individual failures do
// not stop the sweep: all successfully created sessions are returned alongside
// a joined error describing every server that failed.
func (r *ClientRegistry) CreateAllSessions(ctx context.Context, autoInitialize bool) (map[string]*Session, error) {
	sessions := make(map[string]*Session)
	var errs []error
	for _, name := range r.ServerNames() {
		session, err := r.CreateSession(ctx, name, autoInitialize)
		if err != nil {
			r.logger.Warn("create session failed", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("server %q: %w", name, err))
			continue
		}
		sessions[name] = session
	}
	return sessions, errors.Join(errs...)
}

// CloseSession disconnects and forgets one session.
func (r *ClientRegistry) CloseSession(name string) error {
	r.mu.Lock()
	session, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active session for server %q", name)
	}
	return session.Disconnect()
}

// CloseAllSessions disconnects every live session, best effort. The return
// reports how many closes failed; failures never abort the sweep.
func (r *ClientRegistry) CloseAllSessions() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	failures := 0
	for name, session := range sessions {
		if err := session.Disconnect(); err != nil {
			failures++
			r.logger.Warn("close session failed", "server", name, "error", err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("failed to close %d of %d sessions", failures, len(sessions))
	}
	return nil
}

// Statuses reports per-server registry state for status output.
func (r *ClientRegistry) Statuses() []ServerStatus {
	r.mu.Lock()
	configs := make(map[string]config.ServerConfig, len(r.configs))
	for name, cfg := range r.configs {
		configs[name] = cfg
	}
	sessions := make(map[string]*Session, len(r.sessions))
	for name, session := range r.sessions {
		sessions[name] = session
	}
	r.mu.Unlock()

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		status := ServerStatus{Name: name}
		kind, err := configs[name].TransportKind()
		if err != nil {
			status.Message = err.Error()
		} else {
			status.Transport = kind
		}
		if session, ok := sessions[name]; ok && session.Connected() {
			status.Connected = true
			identifier := session.Connector().PublicIdentifier()
			if identifier.Transport != "" {
				status.Transport = identifier.Transport
			}
			if tools, err := session.Connector().Tools(context.Background()); err == nil {
				status.ToolCount = len(tools)
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

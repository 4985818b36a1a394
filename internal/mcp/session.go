package mcp

import "context"

// Session pairs a server name with its connector. Registry consumers hold
// sessions rather than raw connectors so closing is tracked in one place.
type Session struct {
	serverName  string
	connector   *Connector
	autoConnect bool
}

func newSession(serverName string, connector *Connector, autoConnect bool) *Session {
	return &Session{
		serverName:  serverName,
		connector:   connector,
		autoConnect: autoConnect,
	}
}

// ServerName returns the configured server name this session belongs to.
func (s *Session) ServerName() string { return s.serverName }

// Connector returns the underlying connector.
func (s *Session) Connector() *Connector { return s.connector }

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool { return s.connector.Connected() }

// Connect establishes the session's connection, re-connecting if needed.
func (s *Session) Connect(ctx context.Context) error {
	return s.connector.Connect(ctx)
}

// Disconnect tears the session's connection down.
func (s *Session) Disconnect() error {
	return s.connector.Disconnect()
}

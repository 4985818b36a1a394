package mcp

import (
	"context"
	"log/slog"
	"sync"
)

// ConnectionState tracks the lifecycle of one ConnectionManager.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connTask is one connection attempt: its readiness signal, its shutdown
// signal, and its outcome. A ConnectionManager holds at most one at a time.
type connTask struct {
	ready    chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	conn Conn
	err  error
}

// ConnectionManager runs exactly one connection attempt over a Transport and
// guarantees the underlying connection is closed at most once, regardless of
// how shutdown is triggered.
type ConnectionManager struct {
	transport Transport
	logger    *slog.Logger

	mu    sync.Mutex
	state ConnectionState
	task  *connTask
}

// NewConnectionManager wraps a transport with lifecycle management.
func NewConnectionManager(transport Transport, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		transport: transport,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the background connection task and waits until it signals
// ready, returning the established connection or the establishment error.
// Calling Start while a task is already running returns that task's outcome
// without establishing a second connection. After Stop has completed, Start
// is legal again and establishes a brand-new connection.
func (m *ConnectionManager) Start(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	if m.task != nil {
		task := m.task
		m.mu.Unlock()
		return awaitTask(ctx, task)
	}

	task := &connTask{
		ready: make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	m.task = task
	m.state = StateConnecting
	m.mu.Unlock()

	go m.run(ctx, task)
	return awaitTask(ctx, task)
}

// Stop signals the background task to shut down and waits for its cleanup
// phase to finish. Safe to call before Start and safe to call repeatedly:
// with no task running the cleanup obligation is already satisfied.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	task := m.task
	if task == nil {
		m.state = StateClosed
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	task.stopOnce.Do(func() { close(task.stop) })
	<-task.done

	m.mu.Lock()
	if m.task == task {
		m.task = nil
	}
	m.mu.Unlock()
}

func awaitTask(ctx context.Context, task *connTask) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-task.ready:
	}
	if task.err != nil {
		return nil, task.err
	}
	return task.conn, nil
}

// run establishes the connection, signals readiness either way, then parks
// until the stop signal arrives. Cleanup closes the connection at most once;
// close errors are logged, never surfaced, so shutdown always completes.
func (m *ConnectionManager) run(ctx context.Context, task *connTask) {
	conn, err := m.transport.Establish(ctx)

	m.mu.Lock()
	if err != nil {
		task.err = wrapEstablishError(m.transport.Kind(), err)
		m.state = StateFailed
	} else {
		task.conn = conn
		m.state = StateReady
	}
	m.mu.Unlock()
	close(task.ready)

	<-task.stop

	m.mu.Lock()
	m.state = StateClosing
	m.mu.Unlock()

	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Warn("close connection failed",
				"transport", m.transport.Kind(),
				"error", closeErr,
			)
		}
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	close(task.done)
}

func wrapEstablishError(kind string, err error) error {
	if establishErr, ok := err.(*EstablishmentError); ok {
		return establishErr
	}
	return &EstablishmentError{Transport: kind, Err: err}
}

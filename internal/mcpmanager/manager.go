package mcpmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/internal/mcpmanager/childproc"
)

// Manager is the process-wide registry of named child Server
// Specifications and of live Connections keyed by the same name. A
// single mutex guards both maps: connection creation/removal are the
// only mutations, lookups dominate.
type Manager struct {
	mu          sync.Mutex
	specs       map[string]ServerSpec
	connections map[string]*Connection

	localSpawner  childproc.Spawner
	dockerSpawner childproc.Spawner // lazily created, nil until first use
	logger        *slog.Logger

	onEvent func(event, server, instanceID string) // hook for metrics/audit; nil-safe
}

// NewManager constructs an empty Manager with the default server
// registry pre-populated.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		specs:        make(map[string]ServerSpec),
		connections:  make(map[string]*Connection),
		localSpawner: childproc.NewLocalSpawner(),
		logger:       logger,
	}
	for _, s := range defaultServerSpecs() {
		m.specs[s.Name] = s
	}
	return m
}

// SetEventHook installs a callback invoked on register/connect/disconnect/
// call/protocol-error events, for metrics and audit wiring. instanceID
// identifies the connect/disconnect generation the event belongs to, empty
// for events with no live connection (e.g. "register"). Not part of the
// core contract; safe to leave nil.
func (m *Manager) SetEventHook(fn func(event, server, instanceID string)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

func (m *Manager) emit(event, server, instanceID string) {
	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()
	if fn != nil {
		fn(event, server, instanceID)
	}
}

// RegisterServer inserts or overwrites a Server Specification. Pure
// registry mutation; no process is spawned.
func (m *Manager) RegisterServer(spec ServerSpec) {
	m.mu.Lock()
	m.specs[spec.Name] = spec
	m.mu.Unlock()
	m.emit("register", spec.Name, "")
}

func (m *Manager) spawnerFor(spec ServerSpec) (childproc.Spawner, error) {
	if spec.Container == nil {
		return m.localSpawner, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dockerSpawner == nil {
		sp, err := childproc.NewDockerSpawner()
		if err != nil {
			return nil, fmt.Errorf("docker spawner unavailable: %w", err)
		}
		m.dockerSpawner = sp
	}
	return m.dockerSpawner, nil
}

// ConnectServer connects a registered spec, optionally overlaying
// per-connect overrides. If the name is already live it returns
// ErrAlreadyConnected as a sentinel, not a failure.
func (m *Manager) ConnectServer(ctx context.Context, name string, overrides *ConnectOverrides) error {
	m.mu.Lock()
	if _, live := m.connections[name]; live {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	spec, ok := m.specs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSpecUnknown, name)
	}
	m.mu.Unlock()

	effective := spec.effective(overrides)

	spawner, err := m.spawnerFor(effective)
	if err != nil {
		return newServerError(name, fmt.Errorf("%w: %v", ErrSpawnFailed, err))
	}

	conn := newConnection(name, effective, spawner, m.logger)

	if err := conn.Connect(ctx); err != nil {
		m.emit("connect_failed", name, conn.InstanceID())
		return newServerError(name, err)
	}

	m.mu.Lock()
	// Serialize against a concurrent disconnect/connect race under the
	// same name: the disconnected-signal handler and this insertion both
	// hold the manager lock.
	if _, live := m.connections[name]; live {
		m.mu.Unlock()
		conn.Disconnect(ctx)
		return ErrAlreadyConnected
	}
	m.connections[name] = conn
	m.mu.Unlock()

	go m.watchDisconnect(name, conn)

	m.emit("connect", name, conn.InstanceID())
	return nil
}

// watchDisconnect removes name from connections once the Connection's
// disconnected signal fires, whatever the cause (child exit, external
// disconnect, teardown).
func (m *Manager) watchDisconnect(name string, conn *Connection) {
	<-conn.Disconnected()
	m.mu.Lock()
	if cur, ok := m.connections[name]; ok && cur == conn {
		delete(m.connections, name)
	}
	m.mu.Unlock()
	m.emit("disconnected", name, conn.InstanceID())
}

// DisconnectServer disconnects a live connection. It errors if the name is
// not connected; otherwise it always removes the entry, even if the
// graceful shutdown inside Connection.Disconnect failed.
func (m *Manager) DisconnectServer(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, name)
	}

	conn.Disconnect(ctx)

	m.mu.Lock()
	if cur, ok := m.connections[name]; ok && cur == conn {
		delete(m.connections, name)
	}
	m.mu.Unlock()

	m.emit("disconnect", name, conn.InstanceID())
	return nil
}

// DisconnectAll issues DisconnectServer for every currently live name, in
// parallel, swallowing individual errors. A second call with nothing live
// is a no-op.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_ = m.DisconnectServer(ctx, n)
		}(name)
	}
	wg.Wait()
}

func (m *Manager) connection(name string) (*Connection, error) {
	m.mu.Lock()
	conn, ok := m.connections[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	return conn, nil
}

// CallTool delegates to the named connection.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args json.RawMessage) (json.RawMessage, error) {
	conn, err := m.connection(name)
	if err != nil {
		return nil, newToolError(name, tool, err)
	}
	res, err := conn.CallTool(ctx, tool, args)
	if err != nil {
		m.emit(callFailureEvent(err), name, conn.InstanceID())
		return nil, newToolError(name, tool, err)
	}
	m.emit("call", name, conn.InstanceID())
	return res, nil
}

// callFailureEvent classifies a CallTool error into the event string
// recordMetric maps to the timeout/protocol-error counters, falling back
// to the generic "call_failed" for anything else (transport errors,
// not-initialized, etc).
func callFailureEvent(err error) string {
	var protoErr *ProtocolError
	switch {
	case errors.Is(err, ErrTimeout):
		return "call_timeout"
	case errors.As(err, &protoErr):
		return "call_protocol_error"
	default:
		return "call_failed"
	}
}

// ReadResource delegates to the named connection, propagating failures.
func (m *Manager) ReadResource(ctx context.Context, name, uri string) (json.RawMessage, error) {
	conn, err := m.connection(name)
	if err != nil {
		return nil, newToolError(name, uri, err)
	}
	res, err := conn.ReadResource(ctx, uri)
	if err != nil {
		return nil, newToolError(name, uri, err)
	}
	return res, nil
}

// ListAllTools iterates every live connection; a per-server failure is
// recorded as an empty list for that server and never fails the aggregate.
func (m *Manager) ListAllTools(ctx context.Context) map[string][]ToolDescriptor {
	m.mu.Lock()
	conns := make(map[string]*Connection, len(m.connections))
	for name, c := range m.connections {
		conns[name] = c
	}
	m.mu.Unlock()

	out := make(map[string][]ToolDescriptor, len(conns))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(n string, c *Connection) {
			defer wg.Done()
			tools, err := c.ListTools(ctx)
			mu.Lock()
			if err != nil {
				out[n] = []ToolDescriptor{}
			} else {
				out[n] = tools
			}
			mu.Unlock()
		}(name, conn)
	}
	wg.Wait()
	return out
}

// ListAllResources mirrors ListAllTools for resources.
func (m *Manager) ListAllResources(ctx context.Context) map[string][]ResourceDescriptor {
	m.mu.Lock()
	conns := make(map[string]*Connection, len(m.connections))
	for name, c := range m.connections {
		conns[name] = c
	}
	m.mu.Unlock()

	out := make(map[string][]ResourceDescriptor, len(conns))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(n string, c *Connection) {
			defer wg.Done()
			resources, err := c.ListResources(ctx)
			mu.Lock()
			if err != nil {
				out[n] = []ResourceDescriptor{}
			} else {
				out[n] = resources
			}
			mu.Unlock()
		}(name, conn)
	}
	wg.Wait()
	return out
}

// HealthCheck builds a snapshot of registered/connected servers and
// attempts to list tools for each live connection; overall status is
// "degraded" if any connection's list fails, else "healthy".
func (m *Manager) HealthCheck(ctx context.Context) HealthSnapshot {
	m.mu.Lock()
	specs := make(map[string]ServerSpec, len(m.specs))
	for k, v := range m.specs {
		specs[k] = v
	}
	conns := make(map[string]*Connection, len(m.connections))
	for k, v := range m.connections {
		conns[k] = v
	}
	m.mu.Unlock()

	snap := HealthSnapshot{
		Status:          "healthy",
		RegisteredCount: len(specs),
		ConnectedCount:  len(conns),
		Servers:         make(map[string]ServerStatus, len(specs)),
		Tools:           make(map[string][]ToolDescriptor, len(conns)),
		CheckedAt:       time.Now(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, spec := range specs {
		conn, connected := conns[name]
		status := ServerStatus{
			Name:        name,
			Registered:  true,
			Connected:   connected,
			Description: spec.Description,
			AutoStart:   spec.AutoStart,
		}
		if connected {
			status.PID = conn.PID()
			status.InstanceID = conn.InstanceID()
			status.UptimeSec = int64(conn.Uptime().Seconds())
			wg.Add(1)
			go func(n string, c *Connection) {
				defer wg.Done()
				tools, err := c.ListTools(ctx)
				mu.Lock()
				if err != nil {
					snap.Tools[n] = []ToolDescriptor{}
					snap.DegradedServers = append(snap.DegradedServers, n)
					snap.Status = "degraded"
				} else {
					snap.Tools[n] = tools
				}
				mu.Unlock()
			}(name, conn)
		}
		mu.Lock()
		snap.Servers[name] = status
		mu.Unlock()
	}
	wg.Wait()

	return snap
}

// InitializeDefaultServers connects every registered spec flagged
// autoStart, serially, swallowing individual errors.
func (m *Manager) InitializeDefaultServers(ctx context.Context) {
	m.mu.Lock()
	var autostart []string
	for name, spec := range m.specs {
		if spec.AutoStart {
			autostart = append(autostart, name)
		}
	}
	m.mu.Unlock()

	for _, name := range autostart {
		if err := m.ConnectServer(ctx, name, nil); err != nil {
			m.logger.Warn("autostart connect failed", "server", name, "error", err)
		}
	}
}

// Specs returns a snapshot copy of the registered specs.
func (m *Manager) Specs() map[string]ServerSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServerSpec, len(m.specs))
	for k, v := range m.specs {
		out[k] = v
	}
	return out
}

// IsConnected reports whether name currently has a live connection.
func (m *Manager) IsConnected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connections[name]
	return ok
}

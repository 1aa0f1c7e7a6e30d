package mcpmanager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mcpmux/mcpmux/internal/mcpmanager/childproc"
)

// RequestTimeout is the fixed per-request deadline.
const RequestTimeout = 30 * time.Second

// shutdownGrace is how long a connection waits after SIGTERM before
// escalating to SIGKILL.
const shutdownGrace = 5 * time.Second

// connState is the Child Connection state machine.
type connState int32

const (
	stateNew connState = iota
	stateSpawned
	stateReady
	stateClosing
	stateClosed
	stateFailed
)

// waiter is the single-shot rendezvous for one outstanding request.
type waiter struct {
	resultCh chan waiterResult
	timer    *time.Timer
}

type waiterResult struct {
	result json.RawMessage
	err    error
}

// Connection is one live child process presenting a JSON-RPC 2.0 client
// over its standard I/O, framed one JSON object per newline-terminated
// line.
type Connection struct {
	name       string
	instanceID string
	spec       ServerSpec
	spawner    childproc.Spawner
	logger     *slog.Logger

	handle *childproc.Handle

	nextID atomic.Int64

	mu          sync.Mutex
	pending     map[int64]*waiter
	initialized bool
	state       connState
	startedAt   time.Time

	limiter *rate.Limiter

	notifyCh chan Notification

	closeOnce     sync.Once
	disconnectedC chan struct{}
}

// newConnection constructs an unconnected Connection; Connect must be
// called before any user operation is accepted.
func newConnection(name string, spec ServerSpec, spawner childproc.Spawner, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := uuid.New().String()
	c := &Connection{
		name:          name,
		instanceID:    instanceID,
		spec:          spec,
		spawner:       spawner,
		logger:        logger.With("server", name, "instance", instanceID),
		pending:       make(map[int64]*waiter),
		notifyCh:      make(chan Notification, 64),
		disconnectedC: make(chan struct{}),
	}
	c.nextID.Store(0)
	if spec.RateLimit != nil && spec.RateLimit.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(spec.RateLimit.RequestsPerSecond), spec.RateLimit.Burst)
	}
	return c
}

// Notifications returns the channel on which server-initiated JSON-RPC
// notifications (messages with a method but no id) are delivered. The core
// never blocks waiting for a consumer: sends are best-effort via a
// buffered channel.
func (c *Connection) Notifications() <-chan Notification { return c.notifyCh }

// Disconnected returns a channel closed exactly once, when the connection
// enters [closing] for any reason.
func (c *Connection) Disconnected() <-chan struct{} { return c.disconnectedC }

// PID returns the child's OS process id, 0 if not yet spawned.
func (c *Connection) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return 0
	}
	return c.handle.PID
}

// InstanceID identifies this connect/disconnect generation, for logs and
// metrics.
func (c *Connection) InstanceID() string { return c.instanceID }

// StartedAt returns the time the child process was spawned, the zero
// value if not yet spawned.
func (c *Connection) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Uptime returns how long the child has been running, 0 if not yet
// spawned.
func (c *Connection) Uptime() time.Duration {
	startedAt := c.StartedAt()
	if startedAt.IsZero() {
		return 0
	}
	return time.Since(startedAt)
}

func (c *Connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect spawns the child and performs the MCP initialize handshake.
// Failure at any step kills the process if spawned and leaves the
// connection un-initialized.
func (c *Connection) Connect(ctx context.Context) error {
	spawnSpec := childproc.Spec{
		Command: c.spec.Command,
		Args:    c.spec.Args,
		Env:     c.spec.Env,
		Cwd:     c.spec.Cwd,
	}
	if c.spec.Container != nil {
		spawnSpec.Container = &childproc.ContainerSpec{
			Image: c.spec.Container.Image,
			Cmd:   c.spec.Container.Cmd,
		}
	}

	handle, err := c.spawner.Spawn(ctx, spawnSpec)
	if err != nil {
		c.setState(stateFailed)
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, c.name, err)
	}
	if handle.Stdin == nil || handle.Stdout == nil || handle.Stderr == nil {
		c.setState(stateFailed)
		return fmt.Errorf("%w: %s: missing stdio pipe", ErrSpawnFailed, c.name)
	}

	c.mu.Lock()
	c.handle = handle
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.setState(stateSpawned)

	go c.readStderr()
	go c.readStdout()

	if err := c.handshake(ctx); err != nil {
		c.teardown(fmt.Errorf("handshake failed: %w", err))
		return fmt.Errorf("%s: handshake failed: %w", c.name, err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.setState(stateReady)

	go c.watchExit()

	return nil
}

// handshake performs the three-step MCP initialize sequence: initialize
// request, notifications/initialized, then initialized=true.
func (c *Connection) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
		ClientInfo:      clientInfo{Name: ClientName, Version: ClientVersion},
	}
	if _, err := c.doRequest(ctx, MethodInitialize, params); err != nil {
		return err
	}
	return c.sendNotification(MethodInitialized, nil)
}

func (c *Connection) watchExit() {
	_ = c.handle.Wait()
	c.teardown(fmt.Errorf("child process exited"))
}

// readStderr forwards the child's stderr to the logger at debug level,
// line by line; it is never parsed.
func (c *Connection) readStderr() {
	scanner := bufio.NewScanner(c.handle.Stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Debug("child stderr", "line", scanner.Text())
	}
}

// readStdout is the sole reader of the framing buffer: it accumulates
// bytes, splits on newline, and dispatches each complete line.
func (c *Connection) readStdout() {
	scanner := bufio.NewScanner(c.handle.Stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}
}

// dispatch parses one complete line as JSON and routes it: a response
// resolves/rejects its waiter, a notification is emitted on the
// notification stream, anything else is logged and discarded. A line that
// fails to parse is logged and discarded, never disturbing correlation.
func (c *Connection) dispatch(line []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Debug("discarding malformed line", "error", err)
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		w, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("discarding response for unknown id", "id", *msg.ID)
			return
		}

		w.timer.Stop()
		if msg.Error != nil {
			w.resultCh <- waiterResult{err: &ProtocolError{Server: c.name, Code: msg.Error.Code, Message: msg.Error.Message}}
		} else {
			w.resultCh <- waiterResult{result: msg.Result}
		}
		return
	}

	if msg.Method != "" {
		select {
		case c.notifyCh <- Notification{Method: msg.Method, Params: msg.Params}:
		default:
			c.logger.Debug("dropping notification, consumer too slow", "method", msg.Method)
		}
		return
	}

	c.logger.Debug("discarding unrecognized line")
}

// doRequest enqueues a waiter, writes the serialized request, and blocks
// until a matching response, timeout, or teardown resolves it.
func (c *Connection) doRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTransport, c.name, err)
		}
	}

	id := c.nextID.Add(1)
	w := &waiter{resultCh: make(chan waiterResult, 1)}

	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTransport, c.name)
	}
	c.pending[id] = w
	c.mu.Unlock()

	w.timer = time.AfterFunc(RequestTimeout, func() {
		c.mu.Lock()
		_, stillPending := c.pending[id]
		if stillPending {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if stillPending {
			w.resultCh <- waiterResult{err: fmt.Errorf("%w: %s", ErrTimeout, c.name)}
		}
	})

	req := newRequest(id, method, params)
	data, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	_, writeErr := c.handle.Stdin.Write(data)
	c.mu.Unlock()
	if writeErr != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, c.name, writeErr)
	}

	select {
	case res := <-w.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Connection) removePending(id int64) {
	c.mu.Lock()
	if w, ok := c.pending[id]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// sendNotification writes a method-only, id-less message; no response is
// expected or waited for.
func (c *Connection) sendNotification(method string, params interface{}) error {
	req := newNotification(method, params)
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	_, err = c.handle.Stdin.Write(data)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, c.name, err)
	}
	return nil
}

// IsInitialized reports whether the handshake has completed.
func (c *Connection) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Connection) requireReady() error {
	if !c.IsInitialized() {
		return fmt.Errorf("%w: %s", ErrNotInitialized, c.name)
	}
	return nil
}

// ListTools issues tools/list.
func (c *Connection) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return decodeDescriptorList[ToolDescriptor](raw, "tools")
}

// ListResources issues resources/list.
func (c *Connection) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	return decodeDescriptorList[ResourceDescriptor](raw, "resources")
}

// CallTool issues tools/call with opaque pass-through arguments.
func (c *Connection) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, MethodToolsCall, callToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ReadResource issues resources/read with an opaque pass-through result.
func (c *Connection) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	return c.doRequest(ctx, MethodResourcesRead, readResourceParams{URI: uri})
}

// Disconnect attempts a best-effort graceful shutdown, then tears the
// connection down unconditionally. It never fails its caller.
func (c *Connection) Disconnect(ctx context.Context) {
	if c.IsInitialized() {
		shutdownCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
		_, _ = c.doRequest(shutdownCtx, MethodShutdown, nil)
		cancel()
	}
	c.teardown(fmt.Errorf("disconnected"))
}

// teardown performs the [closing] transition exactly once: mark
// un-initialized, SIGTERM-then-SIGKILL the process, fail every pending
// waiter, clear pending, and emit disconnected exactly once.
func (c *Connection) teardown(reason error) {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.initialized = false
	pending := c.pending
	c.pending = make(map[int64]*waiter)
	handle := c.handle
	c.mu.Unlock()

	if handle != nil {
		_ = handle.Kill(false)
		go func() {
			time.Sleep(shutdownGrace)
			_ = handle.Kill(true)
		}()
	}

	for id, w := range pending {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resultCh <- waiterResult{err: fmt.Errorf("%w: %s", ErrTransport, c.name)}
		_ = id
	}

	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.disconnectedC)
	})

	c.logger.Info("connection closed", "reason", reason)
}

func decodeDescriptorList[T any](raw json.RawMessage, key string) ([]T, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	items, ok := wrapper[key]
	if !ok {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal(items, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

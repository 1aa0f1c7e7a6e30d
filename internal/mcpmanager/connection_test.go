package mcpmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func connectFake(t *testing.T) (*Connection, *fakeChild) {
	t.Helper()
	return connectFakeNamed(t, "test-server")
}

func connectFakeNamed(t *testing.T, name string) (*Connection, *fakeChild) {
	t.Helper()
	fc := newFakeChild()
	conn := newConnection(name, ServerSpec{Name: name, Command: "ignored"}, &fakeSpawner{child: fc}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Connect(context.Background()) }()

	if err := fc.respondInitialize(); err != nil {
		t.Fatalf("reading/responding to initialize: %v", err)
	}
	// handshake finishes with a fire-and-forget notifications/initialized
	if _, err := fc.readLine(); err != nil {
		t.Fatalf("reading initialized notification: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return")
	}

	if !conn.IsInitialized() {
		t.Fatal("connection not initialized after successful handshake")
	}
	return conn, fc
}

// S1: framing survives a response split across two separate writes.
func TestConnectionFramingAcrossPartialWrites(t *testing.T) {
	conn, fc := connectFake(t)

	resultCh := make(chan []ToolDescriptor, 1)
	errCh := make(chan error, 1)
	go func() {
		tools, err := conn.ListTools(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- tools
	}()

	if _, err := fc.readLine(); err != nil {
		t.Fatalf("reading tools/list request: %v", err)
	}

	full := `{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo"}]}}` + "\n"
	split := len(full) / 2
	if _, err := fc.stdoutW.Write([]byte(full[:split])); err != nil {
		t.Fatalf("partial write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := fc.stdoutW.Write([]byte(full[split:])); err != nil {
		t.Fatalf("remainder write: %v", err)
	}

	select {
	case tools := <-resultCh:
		if len(tools) != 1 || tools[0].Name != "echo" {
			t.Fatalf("unexpected tools: %+v", tools)
		}
	case err := <-errCh:
		t.Fatalf("ListTools failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListTools did not resolve after split-line response")
	}
}

// S2: two in-flight requests resolve against interleaved, reordered responses.
func TestConnectionInterleavedResponses(t *testing.T) {
	conn, fc := connectFake(t)

	toolsCh := make(chan []ToolDescriptor, 1)
	resourcesCh := make(chan []ResourceDescriptor, 1)

	go func() {
		tools, err := conn.ListTools(context.Background())
		if err != nil {
			t.Errorf("ListTools: %v", err)
			return
		}
		toolsCh <- tools
	}()
	go func() {
		resources, err := conn.ListResources(context.Background())
		if err != nil {
			t.Errorf("ListResources: %v", err)
			return
		}
		resourcesCh <- resources
	}()

	// Drain both outbound request lines (order between the two goroutines
	// is not guaranteed, only that each method is sent exactly once).
	line1, err := fc.readLine()
	if err != nil {
		t.Fatalf("reading first request: %v", err)
	}
	line2, err := fc.readLine()
	if err != nil {
		t.Fatalf("reading second request: %v", err)
	}

	idOf := func(line string) int64 {
		var m map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		var id int64
		_ = json.Unmarshal(m["id"], &id)
		return id
	}
	responseFor := func(line string, id int64) string {
		if strings.Contains(line, `"method":"tools/list"`) {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, id)
		}
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"resources":[]}}`, id)
	}

	// Respond in reverse order of arrival to exercise out-of-order correlation.
	if err := fc.writeLine(responseFor(line2, idOf(line2))); err != nil {
		t.Fatalf("writing first response: %v", err)
	}
	if err := fc.writeLine(responseFor(line1, idOf(line1))); err != nil {
		t.Fatalf("writing second response: %v", err)
	}

	timeout := time.After(2 * time.Second)
	gotTools, gotResources := false, false
	for !gotTools || !gotResources {
		select {
		case <-toolsCh:
			gotTools = true
		case <-resourcesCh:
			gotResources = true
		case <-timeout:
			t.Fatal("interleaved responses did not resolve both pending requests")
		}
	}
}

// S3: a request that times out via its caller context has its pending
// waiter removed; a late response that arrives afterward is discarded
// rather than delivered or causing a panic.
func TestConnectionLateResponseAfterTimeoutIsDiscarded(t *testing.T) {
	conn, fc := connectFake(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ListTools(ctx)
		errCh <- err
	}()

	if _, err := fc.readLine(); err != nil {
		t.Fatalf("reading request: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected ListTools to fail after context timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListTools did not observe context timeout")
	}

	// A response for the now-abandoned request id must not panic or block
	// dispatch; it is simply logged and discarded.
	if err := fc.writeLine(`{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}`); err != nil {
		t.Fatalf("writing late response: %v", err)
	}

	// Connection must still be usable afterward.
	resultCh := make(chan []ToolDescriptor, 1)
	go func() {
		tools, err := conn.ListTools(context.Background())
		if err != nil {
			t.Errorf("ListTools after late response: %v", err)
			return
		}
		resultCh <- tools
	}()
	if _, err := fc.readLine(); err != nil {
		t.Fatalf("reading follow-up request: %v", err)
	}
	if err := fc.writeLine(`{"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`); err != nil {
		t.Fatalf("writing follow-up response: %v", err)
	}
	select {
	case <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection wedged after discarding a late response")
	}
}

// StartedAt/Uptime report the spawn time recorded by Connect, not the
// zero value, once the handshake has completed.
func TestConnectionUptimeAfterConnect(t *testing.T) {
	conn, _ := connectFake(t)

	if conn.StartedAt().IsZero() {
		t.Fatal("StartedAt() is zero after a successful Connect")
	}
	time.Sleep(10 * time.Millisecond)
	if conn.Uptime() <= 0 {
		t.Fatalf("expected positive uptime, got %v", conn.Uptime())
	}
}

// S4: a JSON-RPC error response surfaces as a *ProtocolError.
func TestConnectionProtocolError(t *testing.T) {
	conn, fc := connectFake(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.CallTool(context.Background(), "broken-tool", nil)
		errCh <- err
	}()

	if _, err := fc.readLine(); err != nil {
		t.Fatalf("reading tools/call request: %v", err)
	}
	if err := fc.writeLine(`{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"tool not found"}}`); err != nil {
		t.Fatalf("writing error response: %v", err)
	}

	select {
	case err := <-errCh:
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
		}
		if protoErr.Message != "tool not found" {
			t.Fatalf("unexpected message: %q", protoErr.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CallTool did not return")
	}
}

// S5: tearing down a connection while a request is in flight resolves
// that request immediately with a transport error instead of hanging.
func TestConnectionTeardownCancelsPending(t *testing.T) {
	conn, fc := connectFake(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ListTools(context.Background())
		errCh <- err
	}()

	if _, err := fc.readLine(); err != nil {
		t.Fatalf("reading request: %v", err)
	}

	conn.teardown(errors.New("simulated crash"))

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending ListTools to fail on teardown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not unblock the pending request")
	}

	graceful, _ := fc.wasKilled()
	if !graceful {
		t.Fatal("teardown did not send the graceful kill signal")
	}

	select {
	case <-conn.Disconnected():
	default:
		t.Fatal("Disconnected() channel not closed after teardown")
	}
}

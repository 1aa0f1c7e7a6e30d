package mcpmanager

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestManager() *Manager {
	m := NewManager(nil)
	// Wipe the pre-populated default registry so test expectations
	// (RegisteredCount, Specs() contents) are exact.
	m.mu.Lock()
	m.specs = make(map[string]ServerSpec)
	m.mu.Unlock()
	return m
}

func TestRegisterServerIsIdempotentByName(t *testing.T) {
	m := newTestManager()
	m.RegisterServer(ServerSpec{Name: "fs", Command: "one"})
	m.RegisterServer(ServerSpec{Name: "fs", Command: "two"})

	specs := m.Specs()
	if len(specs) != 1 {
		t.Fatalf("expected exactly one spec after re-registration, got %d", len(specs))
	}
	if specs["fs"].Command != "two" {
		t.Fatalf("re-registration did not overwrite: got command %q", specs["fs"].Command)
	}
}

func TestConnectServerUnknownName(t *testing.T) {
	m := newTestManager()
	err := m.ConnectServer(context.Background(), "nope", nil)
	if !errors.Is(err, ErrSpecUnknown) {
		t.Fatalf("expected ErrSpecUnknown, got %v", err)
	}
}

func TestConnectServerAlreadyConnected(t *testing.T) {
	m := newTestManager()
	conn, _ := connectFakeNamed(t, "fs")

	m.mu.Lock()
	m.specs["fs"] = ServerSpec{Name: "fs", Command: "ignored"}
	m.connections["fs"] = conn
	m.mu.Unlock()

	err := m.ConnectServer(context.Background(), "fs", nil)
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestDisconnectServerNotConnected(t *testing.T) {
	m := newTestManager()
	err := m.DisconnectServer(context.Background(), "ghost")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectAllIsIdempotent(t *testing.T) {
	m := newTestManager()
	m.DisconnectAll(context.Background()) // no connections: must not panic or block

	connA, fcA := connectFakeNamed(t, "a")
	m.mu.Lock()
	m.connections["a"] = connA
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.DisconnectAll(context.Background())
		close(done)
	}()

	// Disconnect() sends a best-effort shutdown request before tearing down;
	// satisfy it so DisconnectAll doesn't wait out the real 30s deadline.
	if err := fcA.respondShutdown(); err != nil {
		t.Fatalf("responding to shutdown: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DisconnectAll did not complete")
	}

	if m.IsConnected("a") {
		t.Fatal("connection still tracked as connected after DisconnectAll")
	}

	// A second call with nothing live must be a prompt no-op.
	done2 := make(chan struct{})
	go func() {
		m.DisconnectAll(context.Background())
		close(done2)
	}()
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("second DisconnectAll did not complete")
	}
}

// S6: ListAllTools fans out across every live connection and reports a
// per-server empty list (never an aggregate failure) when one server's
// tools/list call errors out.
func TestListAllToolsAggregateResilience(t *testing.T) {
	m := newTestManager()
	connGood, fcGood := connectFakeNamed(t, "good")
	connBad, fcBad := connectFakeNamed(t, "bad")

	m.mu.Lock()
	m.connections["good"] = connGood
	m.connections["bad"] = connBad
	m.mu.Unlock()

	resultCh := make(chan map[string][]ToolDescriptor, 1)
	go func() {
		resultCh <- m.ListAllTools(context.Background())
	}()

	if err := fcGood.respondToolsList(`{"tools":[{"name":"echo"}]}`); err != nil {
		t.Fatalf("responding from good server: %v", err)
	}
	if err := fcBad.respondToolsListError(-32000, "boom"); err != nil {
		t.Fatalf("responding from bad server: %v", err)
	}

	select {
	case out := <-resultCh:
		if len(out["good"]) != 1 || out["good"][0].Name != "echo" {
			t.Fatalf("unexpected good-server tools: %+v", out["good"])
		}
		if out["bad"] == nil || len(out["bad"]) != 0 {
			t.Fatalf("expected an empty (non-nil) list for the failing server, got %+v", out["bad"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListAllTools did not complete")
	}
}

// HealthCheck fills a live server's InstanceID and UptimeSec from its
// connection. UptimeSec counts whole seconds, so this soon after connecting
// it is still 0; only its sign is checked here.
func TestHealthCheckPopulatesUptime(t *testing.T) {
	m := newTestManager()
	conn, fc := connectFakeNamed(t, "fs")

	m.mu.Lock()
	m.specs["fs"] = ServerSpec{Name: "fs"}
	m.connections["fs"] = conn
	m.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	resultCh := make(chan HealthSnapshot, 1)
	go func() {
		resultCh <- m.HealthCheck(context.Background())
	}()

	if err := fc.respondToolsList(`{"tools":[]}`); err != nil {
		t.Fatalf("responding from fs: %v", err)
	}

	select {
	case snap := <-resultCh:
		status := snap.Servers["fs"]
		if status.InstanceID != conn.InstanceID() {
			t.Fatalf("expected instance id %q, got %q", conn.InstanceID(), status.InstanceID)
		}
		if status.UptimeSec < 0 {
			t.Fatalf("expected non-negative uptime, got %d", status.UptimeSec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HealthCheck did not complete")
	}
}

// callFailureEvent must distinguish timeouts and protocol errors from
// generic transport failures, since each maps to a distinct metrics
// counter.
func TestCallFailureEventClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", fmt.Errorf("%w: test-server", ErrTimeout), "call_timeout"},
		{"protocol", &ProtocolError{Server: "test-server", Code: -32601, Message: "tool not found"}, "call_protocol_error"},
		{"transport", fmt.Errorf("%w: test-server", ErrTransport), "call_failed"},
		{"not initialized", fmt.Errorf("%w: test-server", ErrNotInitialized), "call_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := callFailureEvent(tc.err); got != tc.want {
				t.Fatalf("callFailureEvent(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestHealthCheckDegradesOnPerServerFailure(t *testing.T) {
	m := newTestManager()
	connGood, fcGood := connectFakeNamed(t, "good")
	connBad, fcBad := connectFakeNamed(t, "bad")

	m.mu.Lock()
	m.specs["good"] = ServerSpec{Name: "good"}
	m.specs["bad"] = ServerSpec{Name: "bad"}
	m.connections["good"] = connGood
	m.connections["bad"] = connBad
	m.mu.Unlock()

	resultCh := make(chan HealthSnapshot, 1)
	go func() {
		resultCh <- m.HealthCheck(context.Background())
	}()

	if err := fcGood.respondToolsList(`{"tools":[]}`); err != nil {
		t.Fatalf("responding from good server: %v", err)
	}
	if err := fcBad.respondToolsListError(-32000, "boom"); err != nil {
		t.Fatalf("responding from bad server: %v", err)
	}

	select {
	case snap := <-resultCh:
		if snap.Status != "degraded" {
			t.Fatalf("expected degraded status, got %q", snap.Status)
		}
		if snap.RegisteredCount != 2 || snap.ConnectedCount != 2 {
			t.Fatalf("unexpected counts: registered=%d connected=%d", snap.RegisteredCount, snap.ConnectedCount)
		}
		found := false
		for _, n := range snap.DegradedServers {
			if n == "bad" {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected 'bad' in DegradedServers, got %v", snap.DegradedServers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HealthCheck did not complete")
	}
}

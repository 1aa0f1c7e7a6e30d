package mcpmanager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mcpmux/mcpmux/internal/mcpmanager/childproc"
)

// fakeChild is an in-process stand-in for a spawned MCP child: it gives a
// Connection real io.Pipe-backed stdio without forking an OS process, so
// framing/correlation scenarios can be driven byte-for-byte from a test.
type fakeChild struct {
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter

	handle *childproc.Handle

	mu     sync.Mutex
	killed []bool
	exitCh chan struct{}
}

func newFakeChild() *fakeChild {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	_ = stderrW.Close()

	fc := &fakeChild{
		stdinR:  stdinR,
		stdoutW: stdoutW,
		exitCh:  make(chan struct{}),
	}
	fc.handle = &childproc.Handle{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		PID:    4242,
		KillFunc: func(force bool) error {
			fc.mu.Lock()
			fc.killed = append(fc.killed, force)
			fc.mu.Unlock()
			return nil
		},
		WaitFunc: func() error {
			<-fc.exitCh
			return nil
		},
	}
	return fc
}

// readLine reads one newline-delimited line the Connection wrote to stdin.
func (fc *fakeChild) readLine() (string, error) {
	r := bufio.NewReader(fc.stdinR)
	line, err := r.ReadString('\n')
	return line, err
}

// writeLine sends one framed line as if it were the child's stdout.
func (fc *fakeChild) writeLine(s string) error {
	_, err := fc.stdoutW.Write([]byte(s + "\n"))
	return err
}

// exit simulates the child process terminating.
func (fc *fakeChild) exit() { close(fc.exitCh) }

func (fc *fakeChild) wasKilled() (graceful, forced bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, f := range fc.killed {
		if f {
			forced = true
		} else {
			graceful = true
		}
	}
	return
}

// fakeSpawner hands out a single pre-built fakeChild's Handle.
type fakeSpawner struct {
	child *fakeChild
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec childproc.Spec) (*childproc.Handle, error) {
	return s.child.handle, nil
}

// respondInitialize reads the initialize request line and replies with a
// bare success result, completing the handshake so tests can move past
// Connect() without hand-writing the handshake twice.
func (fc *fakeChild) respondInitialize() error {
	if _, err := fc.readLine(); err != nil {
		return err
	}
	return fc.writeLine(`{"jsonrpc":"2.0","id":1,"result":{"capabilities":{}}}`)
}

// requestID extracts the "id" field of one outbound request line.
func requestID(line string) int64 {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return 0
	}
	var id int64
	_ = json.Unmarshal(m["id"], &id)
	return id
}

// respondToolsList reads the next outbound request (expected tools/list)
// and replies with the given raw JSON result object.
func (fc *fakeChild) respondToolsList(resultJSON string) error {
	line, err := fc.readLine()
	if err != nil {
		return err
	}
	id := requestID(line)
	return fc.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, resultJSON))
}

// respondToolsListError mirrors respondToolsList but replies with a
// JSON-RPC error object instead of a result.
func (fc *fakeChild) respondToolsListError(code int, message string) error {
	line, err := fc.readLine()
	if err != nil {
		return err
	}
	id := requestID(line)
	return fc.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message))
}

// respondShutdown reads the next outbound request (expected shutdown) and
// replies with a bare success result.
func (fc *fakeChild) respondShutdown() error {
	line, err := fc.readLine()
	if err != nil {
		return err
	}
	id := requestID(line)
	return fc.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, id))
}

package mcpmanager

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per row of the error taxonomy. Every user-visible
// failure wraps one of these with %w so callers can errors.Is against it
// while still getting a message naming the offending server/tool.
var (
	// ErrSpecUnknown: connectServer called with a name not in specs.
	ErrSpecUnknown = errors.New("server spec not registered")

	// ErrAlreadyConnected is not a failure — connectServer returns it as a
	// sentinel result, never wrapped, never surfaced as an error to HTTP
	// callers.
	ErrAlreadyConnected = errors.New("server already connected")

	// ErrNotConnected: operation on a name absent from connections.
	ErrNotConnected = errors.New("server not connected")

	// ErrNotInitialized: user operation on a Connection before handshake
	// completion.
	ErrNotInitialized = errors.New("connection not initialized")

	// ErrSpawnFailed: OS refused to start the child, or a pipe was missing.
	ErrSpawnFailed = errors.New("failed to spawn child process")

	// ErrTransport: stdin write failed, or the connection is closing/closed.
	ErrTransport = errors.New("transport error")

	// ErrProtocol: the child returned a JSON-RPC error object.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout: no response within the per-request deadline.
	ErrTimeout = errors.New("request timed out")
)

// ServerError wraps one of the sentinels above with the offending server
// name and, where applicable, the tool/resource name.
type ServerError struct {
	Server string
	Tool   string // tool name or resource URI, empty if not applicable
	Err    error
}

func (e *ServerError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Server, e.Err, e.Tool)
	}
	return fmt.Sprintf("%s: %s", e.Server, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

func newServerError(server string, err error) *ServerError {
	return &ServerError{Server: server, Err: err}
}

func newToolError(server, tool string, err error) *ServerError {
	return &ServerError{Server: server, Tool: tool, Err: err}
}

// ProtocolError carries the remote JSON-RPC error code/message verbatim,
// in addition to satisfying errors.Is(err, ErrProtocol).
type ProtocolError struct {
	Server  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error %d: %s", e.Server, e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

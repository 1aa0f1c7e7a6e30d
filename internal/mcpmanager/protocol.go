// Package mcpmanager implements the MCP client/manager subsystem: spawning
// child processes that speak the Model Context Protocol over stdio,
// framing and correlating JSON-RPC 2.0 traffic on their pipes, and fanning
// tool/resource calls out to the right child.
package mcpmanager

import "encoding/json"

// ProtocolVersion is the MCP protocol version this client negotiates at
// handshake time.
const ProtocolVersion = "2024-11-05"

// ClientName/ClientVersion identify this process to every child during the
// initialize handshake.
const (
	ClientName    = "mcp-railway-service"
	ClientVersion = "1.0.0"
)

// MCP methods used by the core. params/result payloads are opaque JSON and
// pass through verbatim; this client never validates tool argument shapes.
const (
	MethodInitialize         = "initialize"
	MethodInitialized        = "notifications/initialized"
	MethodToolsList          = "tools/list"
	MethodToolsCall          = "tools/call"
	MethodResourcesList      = "resources/list"
	MethodResourcesRead      = "resources/read"
	MethodShutdown           = "shutdown"
)

// request is a JSON-RPC 2.0 request or notification written to a child's
// stdin. Notifications omit ID (encoding/json drops it via omitempty on a
// pointer).
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// inboundMessage is the shape used to sniff an incoming line before fully
// decoding it: a response has ID+ (result|error), a notification has
// Method and no ID, anything else is logged and discarded.
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Notification is a server-initiated message carrying no id: emitted on a
// Connection's notification stream, never blocked on or acknowledged.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// initializeParams is sent as the sole request of the MCP handshake.
type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func newRequest(id int64, method string, params interface{}) *request {
	return &request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

func newNotification(method string, params interface{}) *request {
	return &request{JSONRPC: "2.0", Method: method, Params: params}
}

// callToolParams is the standard MCP tools/call request shape; arguments
// stay opaque (json.RawMessage) per spec: no schema validation is performed
// on them here.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// readResourceParams is the standard MCP resources/read request shape.
type readResourceParams struct {
	URI string `json:"uri"`
}

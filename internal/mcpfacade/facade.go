// Package mcpfacade exposes a Manager as an MCP server in its own right:
// every manager operation (register, connect, disconnect, call a tool on
// a child, read a resource, inspect health) becomes a meta-tool callable
// by an MCP client that talks to the multiplexer itself.
package mcpfacade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcpmux/mcpmux/internal/mcpmanager"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// New builds an MCP server whose tools are meta-operations on manager.
func New(manager *mcpmanager.Manager) *mcp_sdk.Server {
	server := mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    "mcp-multiplexer",
		Version: "1.0.0",
	}, nil)

	addTool(server, "register_server", "Register a new child MCP server specification", registerServerHandler(manager))
	addTool(server, "connect_server", "Spawn and initialize a registered child server", connectServerHandler(manager))
	addTool(server, "disconnect_server", "Gracefully tear down a connected child server", disconnectServerHandler(manager))
	addTool(server, "list_servers", "List registered server specs and their connection state", listServersHandler(manager))
	addTool(server, "call_tool", "Invoke a tool on a connected child server", callToolHandler(manager))
	addTool(server, "read_resource", "Read a resource URI from a connected child server", readResourceHandler(manager))
	addTool(server, "health_check", "Run a liveness probe across all connected child servers", healthCheckHandler(manager))

	return server
}

func addTool[P any](server *mcp_sdk.Server, name, description string, handler func(ctx context.Context, args P) (any, error)) {
	tool := &mcp_sdk.Tool{
		Name:        name,
		Description: description,
		InputSchema: generateSchema[P](),
	}
	server.AddTool(tool, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
		var args P
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		result, err := handler(ctx, args)
		if err != nil {
			return errorResult(err), nil
		}
		data, err := json.Marshal(result)
		if err != nil {
			return errorResult(err), nil
		}
		return textResult(string(data)), nil
	})
}

func textResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: text}}}
}

func errorResult(err error) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: err.Error()}},
	}
}

type registerServerArgs struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Description string            `json:"description,omitempty" description:"human-readable purpose of this child server"`
	AutoStart   bool              `json:"autoStart,omitempty"`
}

func registerServerHandler(m *mcpmanager.Manager) func(context.Context, registerServerArgs) (any, error) {
	return func(_ context.Context, a registerServerArgs) (any, error) {
		if a.Name == "" || a.Command == "" {
			return nil, fmt.Errorf("name and command are required")
		}
		m.RegisterServer(mcpmanager.ServerSpec{
			Name:        a.Name,
			Command:     a.Command,
			Args:        a.Args,
			Env:         a.Env,
			Cwd:         a.Cwd,
			Description: a.Description,
			AutoStart:   a.AutoStart,
		})
		return map[string]any{"registered": a.Name}, nil
	}
}

type connectServerArgs struct {
	Name string `json:"name"`
}

func connectServerHandler(m *mcpmanager.Manager) func(context.Context, connectServerArgs) (any, error) {
	return func(ctx context.Context, a connectServerArgs) (any, error) {
		if err := m.ConnectServer(ctx, a.Name, nil); err != nil {
			if errors.Is(err, mcpmanager.ErrAlreadyConnected) {
				return map[string]any{"connected": a.Name, "alreadyConnected": true}, nil
			}
			return nil, err
		}
		return map[string]any{"connected": a.Name}, nil
	}
}

type disconnectServerArgs struct {
	Name string `json:"name"`
}

func disconnectServerHandler(m *mcpmanager.Manager) func(context.Context, disconnectServerArgs) (any, error) {
	return func(ctx context.Context, a disconnectServerArgs) (any, error) {
		if err := m.DisconnectServer(ctx, a.Name); err != nil {
			return nil, err
		}
		return map[string]any{"disconnected": a.Name}, nil
	}
}

type listServersArgs struct{}

func listServersHandler(m *mcpmanager.Manager) func(context.Context, listServersArgs) (any, error) {
	return func(_ context.Context, _ listServersArgs) (any, error) {
		specs := m.Specs()
		out := make([]map[string]any, 0, len(specs))
		for name, spec := range specs {
			out = append(out, map[string]any{
				"name":        name,
				"description": spec.Description,
				"autoStart":   spec.AutoStart,
				"connected":   m.IsConnected(name),
			})
		}
		return out, nil
	}
}

type callToolArgs struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func callToolHandler(m *mcpmanager.Manager) func(context.Context, callToolArgs) (any, error) {
	return func(ctx context.Context, a callToolArgs) (any, error) {
		result, err := m.CallTool(ctx, a.Server, a.Tool, a.Arguments)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(result), nil
	}
}

type readResourceArgs struct {
	Server string `json:"server"`
	URI    string `json:"uri"`
}

func readResourceHandler(m *mcpmanager.Manager) func(context.Context, readResourceArgs) (any, error) {
	return func(ctx context.Context, a readResourceArgs) (any, error) {
		result, err := m.ReadResource(ctx, a.Server, a.URI)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(result), nil
	}
}

type healthCheckArgs struct{}

func healthCheckHandler(m *mcpmanager.Manager) func(context.Context, healthCheckArgs) (any, error) {
	return func(ctx context.Context, _ healthCheckArgs) (any, error) {
		return m.HealthCheck(ctx), nil
	}
}

package mcpmanager

import (
	"encoding/json"
	"time"
)

// ServerSpec is an immutable-once-registered description of how to spawn
// and configure one child. Registering a name that already exists
// overwrites the prior spec; specs are never mutated in place.
type ServerSpec struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Description string            `json:"description,omitempty"`
	AutoStart   bool              `json:"autoStart,omitempty"`

	// Container, when non-nil, spawns the child inside a Docker container
	// instead of as a local OS process (see childproc/docker.go).
	Container *ContainerSpec `json:"container,omitempty"`

	// RateLimit, when non-nil, throttles outbound requests on connections
	// created from this spec.
	RateLimit *RateLimitSpec `json:"rateLimit,omitempty"`
}

// ContainerSpec selects the Docker-backed spawn path for a server.
type ContainerSpec struct {
	Image string   `json:"image"`
	Cmd   []string `json:"cmd,omitempty"` // when set, used as the container command in place of Command/Args; when empty, Command followed by Args is used
}

// RateLimitSpec configures a token-bucket limiter on request issuance for
// connections spawned from this spec.
type RateLimitSpec struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

// ConnectOverrides overlays onto a registered spec when connecting: env is
// merged key-wise with overrides winning, the rest replace wholesale when
// non-zero.
type ConnectOverrides struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// effective composes a ConnectOverrides onto a ServerSpec, producing the
// spec actually used to spawn the child. The receiver is never mutated.
func (s ServerSpec) effective(ov *ConnectOverrides) ServerSpec {
	if ov == nil {
		return s
	}
	out := s
	if ov.Command != "" {
		out.Command = ov.Command
	}
	if ov.Args != nil {
		out.Args = ov.Args
	}
	if ov.Cwd != "" {
		out.Cwd = ov.Cwd
	}
	if len(ov.Env) > 0 {
		merged := make(map[string]string, len(s.Env)+len(ov.Env))
		for k, v := range s.Env {
			merged[k] = v
		}
		for k, v := range ov.Env {
			merged[k] = v
		}
		out.Env = merged
	}
	return out
}

// ToolDescriptor and ResourceDescriptor are the decoded shapes of
// tools/list and resources/list entries. Their fields are the common MCP
// wire fields. ListTools/ListResources decode only these fields: Raw is
// not filled in, and any other field a child sends is dropped.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

type ResourceDescriptor struct {
	URI         string          `json:"uri"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// ServerStatus is one entry of a health/status snapshot.
type ServerStatus struct {
	Name        string `json:"name"`
	Registered  bool   `json:"registered"`
	Connected   bool   `json:"connected"`
	Description string `json:"description,omitempty"`
	AutoStart   bool   `json:"autoStart"`
	PID         int    `json:"pid,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
	UptimeSec   int64  `json:"uptimeSeconds,omitempty"`
}

// HealthSnapshot is the aggregate result of Manager.HealthCheck.
type HealthSnapshot struct {
	Status          string                    `json:"status"` // "healthy" or "degraded"
	RegisteredCount int                       `json:"registeredCount"`
	ConnectedCount  int                       `json:"connectedCount"`
	Servers         map[string]ServerStatus   `json:"servers"`
	Tools           map[string][]ToolDescriptor `json:"tools"`
	DegradedServers []string                  `json:"degradedServers,omitempty"`
	CheckedAt       time.Time                 `json:"checkedAt"`
}

package mcpconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcpmux/mcpmux/internal/mcpmanager"
)

// FileConfig is the on-disk shape of the server specifications file
// (mcp-servers.jsonc), mirroring ServerSpec field-for-field.
type FileConfig struct {
	Servers []ServerConfig `json:"servers"`
}

// ServerConfig is one entry of the JSONC file.
type ServerConfig struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Description string            `json:"description,omitempty"`
	AutoStart   bool              `json:"autoStart,omitempty"`

	Container *ContainerConfig `json:"container,omitempty"`
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty"`
}

type ContainerConfig struct {
	Image string   `json:"image"`
	Cmd   []string `json:"cmd,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

// Load reads, strips comments from, and parses a server-specifications
// JSONC file into []mcpmanager.ServerSpec, ready for
// Manager.RegisterServer. Per-server environment keys named in the file's
// env map are read literally from that map; operators overlay secrets
// (e.g. NODIT_API_KEY) by setting them in the process environment and
// referencing them via the file's env map value convention
// ("$ENV_VAR_NAME") resolved by ResolveEnvRefs.
func Load(path string) ([]mcpmanager.ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	stripped := StripComments(data)

	var fc FileConfig
	if err := json.Unmarshal(stripped, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	specs := make([]mcpmanager.ServerSpec, 0, len(fc.Servers))
	for _, sc := range fc.Servers {
		if sc.Name == "" {
			return nil, fmt.Errorf("config entry missing name")
		}
		spec := mcpmanager.ServerSpec{
			Name:        sc.Name,
			Command:     sc.Command,
			Args:        sc.Args,
			Env:         ResolveEnvRefs(sc.Env),
			Cwd:         sc.Cwd,
			Description: sc.Description,
			AutoStart:   sc.AutoStart,
		}
		if sc.Container != nil {
			spec.Container = &mcpmanager.ContainerSpec{Image: sc.Container.Image, Cmd: sc.Container.Cmd}
		}
		if sc.RateLimit != nil {
			spec.RateLimit = &mcpmanager.RateLimitSpec{
				RequestsPerSecond: sc.RateLimit.RequestsPerSecond,
				Burst:             sc.RateLimit.Burst,
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ResolveEnvRefs resolves values of the form "$VAR_NAME" against the
// ambient process environment. Values not prefixed with "$" pass through
// literally.
func ResolveEnvRefs(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if len(v) > 1 && v[0] == '$' {
			out[k] = os.Getenv(v[1:])
			continue
		}
		out[k] = v
	}
	return out
}

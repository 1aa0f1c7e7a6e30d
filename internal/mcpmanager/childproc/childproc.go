// Package childproc abstracts how a Child Connection's process is spawned,
// so the framing/correlation engine in mcpmanager is backend-agnostic:
// today a local OS process (LocalSpawner) or a container (DockerSpawner).
package childproc

import (
	"context"
	"io"
)

// Handle is the three-pipe shape a spawned child exposes, regardless of
// backend. Kill and Wait let the owner enforce the SIGTERM-then-SIGKILL
// teardown sequence without knowing whether the process is local or
// containerized.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	PID    int

	KillFunc func(force bool) error
	WaitFunc func() error
}

// Kill asks the child to stop. force=false sends the graceful signal
// (SIGTERM / container stop), force=true escalates (SIGKILL / container
// kill).
func (h *Handle) Kill(force bool) error {
	if h == nil || h.KillFunc == nil {
		return nil
	}
	return h.KillFunc(force)
}

// Wait blocks until the child has exited.
func (h *Handle) Wait() error {
	if h == nil || h.WaitFunc == nil {
		return nil
	}
	return h.WaitFunc()
}

// Spec is the backend-agnostic spawn request: a command plus its
// environment, independent of whether ServerSpec.Container is set.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// Container, when non-nil, routes the spawn through a container
	// backend instead of the local OS.
	Container *ContainerSpec
}

// ContainerSpec mirrors mcpmanager.ContainerSpec without importing it
// (avoids an import cycle; mcpmanager converts at the call site).
type ContainerSpec struct {
	Image string
	Cmd   []string
}

// Spawner starts a child process and returns a live Handle.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (*Handle, error)
}

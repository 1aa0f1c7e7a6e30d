package childproc

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSpawner spawns a child as a fresh, auto-removed Docker container
// rather than a local OS process, for server specs that set
// ServerSpec.Container. Attach happens before Start so no startup output
// is lost.
type DockerSpawner struct {
	cli *client.Client
}

// NewDockerSpawner connects to the Docker daemon using the ambient
// environment (DOCKER_HOST etc.).
func NewDockerSpawner() (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSpawner{cli: cli}, nil
}

func (d *DockerSpawner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Container == nil {
		return nil, fmt.Errorf("docker spawner requires a container spec")
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cmd := spec.Container.Cmd
	if len(cmd) == 0 {
		cmd = append([]string{spec.Command}, spec.Args...)
	}

	cfg := &container.Config{
		Image:      spec.Container.Image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: spec.Cwd,
		Tty:        false,
		OpenStdin:  true,
		AttachStdin: true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{AutoRemove: true}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	containerID := created.ID

	attach, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container attach: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("container start: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
	}()

	return &Handle{
		Stdin:  &dockerStdin{hijacked: attach},
		Stdout: stdoutR,
		Stderr: stderrR,
		KillFunc: func(force bool) error {
			if force {
				return d.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
			}
			timeoutSec := 5
			return d.cli.ContainerStop(context.Background(), containerID, container.StopOptions{Timeout: &timeoutSec})
		},
		WaitFunc: func() error {
			statusCh, errCh := d.cli.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
			select {
			case err := <-errCh:
				return err
			case <-statusCh:
				return nil
			case <-time.After(10 * time.Minute):
				return fmt.Errorf("timed out waiting for container exit")
			}
		},
	}, nil
}

// dockerStdin adapts a hijacked Docker attach connection to io.WriteCloser.
type dockerStdin struct {
	hijacked types.HijackedResponse
}

func (w *dockerStdin) Write(p []byte) (int, error) {
	return w.hijacked.Conn.Write(p)
}

func (w *dockerStdin) Close() error {
	w.hijacked.Close()
	return nil
}

package executor

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkspace = "/workspace"

// DockerOptions configures a DockerRunner.
type DockerOptions struct {
	Image string
	// MemoryMB caps container memory; defaults to 512.
	MemoryMB int64
	// Network is the container network mode; defaults to "none".
	Network string
	// Workspace is the host directory bind-mounted at /workspace. Command
	// directories must live under it.
	Workspace string
}

// DockerRunner runs each command in an ephemeral container. Only the
// action's variables reach the container environment.
type DockerRunner struct {
	client    *client.Client
	image     string
	memory    int64
	network   string
	workspace string
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner connects to the daemon named by the DOCKER_* environment.
// The connection is not checked until the first command; use Ping for that.
func NewDockerRunner(opts DockerOptions) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.Image == "" {
		opts.Image = "alpine:3"
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 512
	}
	if opts.Network == "" {
		opts.Network = "none"
	}
	ws, err := filepath.Abs(opts.Workspace)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker workspace: %w", err)
	}
	return &DockerRunner{
		client:    cli,
		image:     opts.Image,
		memory:    opts.MemoryMB * 1024 * 1024,
		network:   opts.Network,
		workspace: ws,
	}, nil
}

// Ping checks that the daemon answers.
func (d *DockerRunner) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Run implements Runner.
func (d *DockerRunner) Run(ctx context.Context, cmd, dir string, env []string) (string, string, int, error) {
	workDir, err := containerDir(d.workspace, dir)
	if err != nil {
		return "", "", -1, err
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		Env:        env,
		WorkingDir: workDir,
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memory},
		NetworkMode: container.NetworkMode(d.network),
		Binds:       []string{d.workspace + ":" + containerWorkspace},
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	exitCode := -1
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(ctx, id)
			return "", "", -1, ctx.Err()
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		d.kill(ctx, id)
		return "", "", -1, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, nil
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
	return stdout.String(), stderr.String(), exitCode, nil
}

func (d *DockerRunner) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = d.client.ContainerKill(killCtx, id, "SIGKILL")
}

// Close closes the docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}

// containerDir maps a host directory under workspace to its container path.
func containerDir(workspace, dir string) (string, error) {
	if dir == "" {
		return containerWorkspace, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(workspace, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("directory %s is outside the container workspace %s", dir, workspace)
	}
	return path.Join(containerWorkspace, filepath.ToSlash(rel)), nil
}

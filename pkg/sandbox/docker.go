package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// workspaceMount is where the host work dir appears inside the container.
	workspaceMount = "/workspace"

	// sandboxUser runs the payload as nobody:nogroup.
	sandboxUser = "65534:65534"

	defaultMemoryLimitMB = 512
	defaultCPUCores      = 1.0
)

// DockerRunner executes specs in throwaway containers with the sandbox
// security posture applied: no network, read-only rootfs with a writable
// workspace bind and a tmpfs /tmp, all capabilities dropped, non-root user.
type DockerRunner struct {
	cli   *client.Client
	image string
}

// NewDockerRunner connects to the daemon from the environment and verifies
// it is reachable. image is the runtime image strategies execute in.
func NewDockerRunner(ctx context.Context, image string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %w", ErrInfrastructure, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: docker daemon unreachable: %w", ErrInfrastructure, err)
	}
	return &DockerRunner{cli: cli, image: image}, nil
}

// Close releases the Docker client.
func (d *DockerRunner) Close() error {
	return d.cli.Close()
}

// Run implements Runner.
func (d *DockerRunner) Run(ctx context.Context, spec *Spec) (*Result, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	memory := spec.MemoryLimitMB
	if memory <= 0 {
		memory = defaultMemoryLimitMB
	}
	cpus := spec.CPULimitCores
	if cpus <= 0 {
		cpus = defaultCPUCores
	}

	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		Tmpfs:          map[string]string{"/tmp": "rw,size=256m,mode=1777"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkDir,
			Target: workspaceMount,
		}},
		Resources: container.Resources{
			Memory:   memory * 1024 * 1024,
			NanoCPUs: int64(cpus * 1e9),
		},
	}
	containerConfig := &container.Config{
		Image:           d.image,
		Cmd:             spec.Command,
		WorkingDir:      workspaceMount,
		Env:             env,
		User:            sandboxUser,
		NetworkDisabled: true,
	}

	created, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %w", ErrInfrastructure, err)
	}
	containerID := created.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove sandbox container", "container_id", containerID, "error", err)
		}
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: starting container: %w", ErrInfrastructure, err)
	}

	result := &Result{ArtifactsDir: spec.WorkDir}
	waitCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second

	select {
	case status := <-waitCh:
		result.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("%w: waiting for container: %w", ErrInfrastructure, err)
	case <-time.After(timeout):
		slog.Warn("Sandbox run exceeded wall-clock budget, killing",
			"container_id", containerID, "timeout_seconds", spec.TimeoutSeconds)
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.cli.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			slog.Warn("Failed to kill timed-out container", "container_id", containerID, "error", err)
		}
		cancel()
		result.TimedOut = true
		result.ExitCode = -1
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInfrastructure, ctx.Err())
	}
	result.DurationSeconds = time.Since(start).Seconds()

	stdout, stderr, err := d.collectLogs(ctx, containerID)
	if err != nil {
		return nil, err
	}
	result.Stdout = stdout
	result.Stderr = stderr
	return result, nil
}

// collectLogs reads the demultiplexed stdout and stderr streams.
func (d *DockerRunner) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: reading container logs: %w", ErrInfrastructure, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", "", fmt.Errorf("%w: demultiplexing logs: %w", ErrInfrastructure, err)
	}
	return stdout.String(), stderr.String(), nil
}

package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/stackd/stackd/pkg/engine"
)

// DockerRuntime implements engine.ContainerRuntime by shelling out to the
// docker CLI through a CommandExecutor.
type DockerRuntime struct {
	executor CommandExecutor

	// binary is the docker CLI binary name.
	binary string
}

// NewDockerRuntime creates a docker CLI runtime with the given executor.
// A nil executor defaults to running docker on the local host.
func NewDockerRuntime(executor CommandExecutor) *DockerRuntime {
	if executor == nil {
		executor = NewLocalExecutor()
	}
	return &DockerRuntime{
		executor: executor,
		binary:   "docker",
	}
}

// EnsureNetwork creates the named bridge network if it does not exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	if _, _, err := r.run(ctx, "network", "inspect", name); err == nil {
		return nil
	}
	if _, _, err := r.run(ctx, "network", "create", "--driver", "bridge", name); err != nil {
		// A concurrent create may have won the race.
		if _, _, inspectErr := r.run(ctx, "network", "inspect", name); inspectErr == nil {
			return nil
		}
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// RemoveNetwork removes the named network.
func (r *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if _, _, err := r.run(ctx, "network", "rm", name); err != nil {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// BuildImage builds an image from a local context.
func (r *DockerRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	args := []string{"build", "--tag", tag}
	if dockerfile != "" {
		args = append(args, "--file", dockerfile)
	}
	args = append(args, contextDir)
	if _, _, err := r.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to build %s: %w", tag, err)
	}
	return nil
}

// Create creates a container from the launch spec and returns its ID.
// The first declared network is attached at create time; additional
// networks are connected before start.
func (r *DockerRuntime) Create(ctx context.Context, spec engine.LaunchSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}

	// Restart policy stays "no" at the engine level: the supervisor owns
	// relaunch decisions.
	args = append(args, "--restart", "no")

	for _, p := range spec.Ports {
		args = append(args, "--publish", p.String())
	}
	for _, m := range spec.Mounts {
		args = append(args, "--volume", m.String())
	}
	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	if len(spec.Networks) > 0 {
		args = append(args, "--network", spec.Networks[0])
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, err := r.run(ctx, args...)
	if err != nil {
		if strings.Contains(string(stderr), "is already in use") {
			return "", engine.NewConflictError("container name already taken", err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithService(spec.Service)
		}
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	containerID := strings.TrimSpace(string(stdout))

	for _, network := range spec.Networks[min(1, len(spec.Networks)):] {
		if _, _, err := r.run(ctx, "network", "connect", network, containerID); err != nil {
			_, _, _ = r.run(ctx, "rm", "--force", containerID)
			return "", fmt.Errorf("failed to connect %s to network %s: %w", spec.Name, network, err)
		}
	}

	return containerID, nil
}

// Start starts a created or stopped container.
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if _, _, err := r.run(ctx, "start", containerID); err != nil {
		return fmt.Errorf("failed to start container %s: %w", shortID(containerID), err)
	}
	return nil
}

// Stop stops a running container.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	if _, _, err := r.run(ctx, "stop", containerID); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(containerID), err)
	}
	return nil
}

// Remove removes a stopped container.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if _, _, err := r.run(ctx, "rm", containerID); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(containerID), err)
	}
	return nil
}

// Wait blocks until the container's process exits.
func (r *DockerRuntime) Wait(ctx context.Context, containerID string) engine.ExitStatus {
	stdout, _, err := r.run(ctx, "wait", containerID)
	if err != nil {
		return engine.ExitStatus{ContainerID: containerID, Err: err}
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(stdout)))
	if err != nil {
		return engine.ExitStatus{
			ContainerID: containerID,
			Err:         fmt.Errorf("unparseable exit code %q: %w", strings.TrimSpace(string(stdout)), err),
		}
	}
	return engine.ExitStatus{ContainerID: containerID, Code: code}
}

// CopyTo copies a host file or directory into a running container.
func (r *DockerRuntime) CopyTo(ctx context.Context, containerID, hostPath, containerPath string) error {
	if _, _, err := r.run(ctx, "cp", hostPath, containerID+":"+containerPath); err != nil {
		return fmt.Errorf("failed to copy %s into %s: %w", hostPath, shortID(containerID), err)
	}
	return nil
}

// Logs streams the container's output. The stream goes through the
// executor, so a remote session reads from the remote daemon.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error) {
	args := []string{"logs"}
	if follow {
		args = append(args, "--follow")
	}
	args = append(args, containerID)

	streamer, ok := r.executor.(StreamExecutor)
	if !ok {
		return nil, fmt.Errorf("executor for %s cannot stream logs", shortID(containerID))
	}
	return streamer.Stream(ctx, r.binary, args)
}

func (r *DockerRuntime) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	return r.executor.Run(ctx, r.binary, args, nil)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

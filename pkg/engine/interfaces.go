package engine

import (
	"context"
	"io"

	"github.com/stackd/stackd/pkg/config"
)

// LaunchSpec is everything the runtime needs to create one container.
// It is assembled by the deployer from the immutable topology; launch
// parameters are passed by value and never shared mutable state.
type LaunchSpec struct {
	// Name is the container name (stack-prefixed service name).
	Name string `json:"name"`

	// Service is the service name within the topology.
	Service string `json:"service"`

	// Stack is the topology name.
	Stack string `json:"stack"`

	// Image is the image reference to run.
	Image string `json:"image"`

	// Command overrides the image default command, if non-empty.
	Command []string `json:"command,omitempty"`

	// Env is the container environment.
	Env map[string]string `json:"env,omitempty"`

	// Ports are the published port mappings.
	Ports []config.PortMapping `json:"ports,omitempty"`

	// Mounts are the host bind mounts.
	Mounts []config.VolumeMount `json:"mounts,omitempty"`

	// Networks are the networks to attach.
	Networks []string `json:"networks"`

	// Labels are runtime labels for discovery and teardown.
	Labels map[string]string `json:"labels,omitempty"`
}

// ExitStatus reports a container process exit observed by the runtime.
type ExitStatus struct {
	// ContainerID is the runtime's container identifier.
	ContainerID string

	// Code is the process exit code.
	Code int

	// Err is set when the wait itself failed rather than the process.
	Err error
}

// ContainerRuntime is the boundary to the container platform.
// Implementations live in pkg/runtime.
type ContainerRuntime interface {
	// EnsureNetwork creates the named bridge network if it does not exist.
	EnsureNetwork(ctx context.Context, name string) error

	// RemoveNetwork removes the named network.
	RemoveNetwork(ctx context.Context, name string) error

	// BuildImage builds an image from a local context and returns its tag.
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error

	// Create creates a container from the launch spec and returns its ID.
	Create(ctx context.Context, spec LaunchSpec) (string, error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, containerID string) error

	// Stop stops a running container.
	Stop(ctx context.Context, containerID string) error

	// Remove removes a stopped container.
	Remove(ctx context.Context, containerID string) error

	// Wait blocks until the container's process exits and reports its status.
	Wait(ctx context.Context, containerID string) ExitStatus

	// CopyTo copies a host file or directory into a running container.
	CopyTo(ctx context.Context, containerID, hostPath, containerPath string) error

	// Logs streams the container's output.
	Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error)
}

// ReadinessProber decides when a started service is actually ready.
// Implementations live in pkg/probe.
type ReadinessProber interface {
	// Await polls the service's probe until it reports ready, the attempt
	// budget is exhausted, or the context is cancelled. host is the address
	// the probe dials (the published host side of the service's port).
	Await(ctx context.Context, service config.Service, host string) error
}

// StateManager persists deployment state across runs.
// Implementations live in pkg/stores.
type StateManager interface {
	// SaveRun persists a run record.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// SaveServiceState persists the recorded state of one service.
	SaveServiceState(ctx context.Context, state *ServiceState) error

	// GetServiceState retrieves a service's recorded state.
	GetServiceState(ctx context.Context, stack, service string) (*ServiceState, error)

	// ListServiceStates lists the recorded states for a stack.
	ListServiceStates(ctx context.Context, stack string) ([]*ServiceState, error)

	// AppendEvent appends a timeline event.
	AppendEvent(ctx context.Context, event *Event) error
}

// EventPublisher publishes deployment and supervision events.
type EventPublisher interface {
	// Publish delivers an event to subscribers.
	Publish(ctx context.Context, event *Event) error
}

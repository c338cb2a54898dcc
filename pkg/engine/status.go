package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a deployment run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the run completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed with errors.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates the run partially succeeded (some services failed).
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// OperationType represents the type of operation the plan assigns a service.
type OperationType string

const (
	// OperationCreate indicates a new container should be created and started.
	OperationCreate OperationType = "create"

	// OperationRecreate indicates the container must be replaced because its
	// declared configuration changed.
	OperationRecreate OperationType = "recreate"

	// OperationStart indicates an existing stopped container should be started.
	OperationStart OperationType = "start"

	// OperationRemove indicates the container should be stopped and removed.
	OperationRemove OperationType = "remove"

	// OperationNoop indicates the service already matches the topology.
	OperationNoop OperationType = "noop"
)

// IsDestructive returns true if the operation removes a running container.
func (o OperationType) IsDestructive() bool {
	return o == OperationRemove || o == OperationRecreate
}

// IsMutating returns true if the operation changes runtime state.
func (o OperationType) IsMutating() bool {
	return o != OperationNoop
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationRecreate, OperationStart,
		OperationRemove, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ServiceStatus represents the lifecycle state of a service.
type ServiceStatus string

const (
	// ServiceStatusPending indicates the service has not been scheduled yet.
	ServiceStatusPending ServiceStatus = "pending"

	// ServiceStatusStarting indicates the container is being created or started.
	ServiceStatusStarting ServiceStatus = "starting"

	// ServiceStatusProbing indicates the container started and its readiness
	// probe is polling.
	ServiceStatusProbing ServiceStatus = "probing"

	// ServiceStatusReady indicates the service passed its readiness probe.
	ServiceStatusReady ServiceStatus = "ready"

	// ServiceStatusRestarting indicates the supervisor is relaunching the
	// service after an exit.
	ServiceStatusRestarting ServiceStatus = "restarting"

	// ServiceStatusExited indicates the process exited and the restart policy
	// did not relaunch it.
	ServiceStatusExited ServiceStatus = "exited"

	// ServiceStatusFailed indicates startup or probing failed permanently.
	ServiceStatusFailed ServiceStatus = "failed"

	// ServiceStatusSkipped indicates the service was not started because a
	// dependency failed.
	ServiceStatusSkipped ServiceStatus = "skipped"

	// ServiceStatusStopped indicates the service was stopped by a teardown.
	ServiceStatusStopped ServiceStatus = "stopped"
)

// IsTerminal returns true if the service status is a final state for a run.
func (s ServiceStatus) IsTerminal() bool {
	return s == ServiceStatusReady || s == ServiceStatusExited ||
		s == ServiceStatusFailed || s == ServiceStatusSkipped ||
		s == ServiceStatusStopped
}

// IsHealthy returns true if the service is up from the topology's point of view.
func (s ServiceStatus) IsHealthy() bool {
	return s == ServiceStatusReady
}

// Validate checks if the service status is valid.
func (s ServiceStatus) Validate() error {
	switch s {
	case ServiceStatusPending, ServiceStatusStarting, ServiceStatusProbing,
		ServiceStatusReady, ServiceStatusRestarting, ServiceStatusExited,
		ServiceStatusFailed, ServiceStatusSkipped, ServiceStatusStopped:
		return nil
	default:
		return fmt.Errorf("invalid service status: %s", s)
	}
}

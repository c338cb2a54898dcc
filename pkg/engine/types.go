package engine

import (
	"time"

	"github.com/stackd/stackd/pkg/config"
)

// PlanUnit is one service operation in a deployment plan.
type PlanUnit struct {
	// ID is the unique identifier for this plan unit.
	ID string `json:"id"`

	// Service is the name of the service this unit operates on.
	Service string `json:"service"`

	// Operation is the type of operation to perform.
	Operation OperationType `json:"operation"`

	// Dependencies lists service names that must be ready before this unit.
	Dependencies []string `json:"dependencies,omitempty"`

	// ConfigHash fingerprints the service's declared configuration.
	ConfigHash string `json:"config_hash"`

	// ExecutionOrder is the topological level for execution.
	ExecutionOrder int `json:"execution_order"`

	// Reason explains why the planner chose this operation.
	Reason string `json:"reason,omitempty"`
}

// Plan is a complete deployment plan for a topology.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Stack is the topology name the plan applies to.
	Stack string `json:"stack"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Units are the service operations, one per declared service.
	Units []PlanUnit `json:"units"`

	// Graph is the dependency DAG over the plan units.
	Graph *DependencyGraph `json:"graph,omitempty"`

	// Summary provides high-level statistics about the plan.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// TotalServices is the total number of services in the plan.
	TotalServices int `json:"total_services"`

	// ToCreate is the number of containers to create.
	ToCreate int `json:"to_create"`

	// ToRecreate is the number of containers to replace.
	ToRecreate int `json:"to_recreate"`

	// ToStart is the number of stopped containers to start.
	ToStart int `json:"to_start"`

	// NoChange is the number of services already matching the topology.
	NoChange int `json:"no_change"`
}

// Run represents one execution of a deployment plan.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlanID is the ID of the plan being executed.
	PlanID string `json:"plan_id"`

	// Stack is the topology name.
	Stack string `json:"stack"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Summary provides statistics about the run.
	Summary RunSummary `json:"summary"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	// Total is the total number of services.
	Total int `json:"total"`

	// Ready is the number of services that came up ready.
	Ready int `json:"ready"`

	// Failed is the number of services that failed to come up.
	Failed int `json:"failed"`

	// Skipped is the number of services skipped due to failed dependencies.
	Skipped int `json:"skipped"`

	// Pending is the number of services not yet processed.
	Pending int `json:"pending"`
}

// ServiceState is the recorded runtime state of one service.
type ServiceState struct {
	// Service is the service name.
	Service string `json:"service"`

	// Stack is the topology name.
	Stack string `json:"stack"`

	// ContainerID is the runtime's identifier for the container.
	ContainerID string `json:"container_id,omitempty"`

	// Status is the current lifecycle status.
	Status ServiceStatus `json:"status"`

	// ConfigHash fingerprints the configuration the container was created from.
	ConfigHash string `json:"config_hash"`

	// Restarts counts supervisor relaunches since the last deploy.
	Restarts int `json:"restarts"`

	// ExitCode is the last observed exit code, if the process has exited.
	ExitCode *int `json:"exit_code,omitempty"`

	// UpdatedAt is when the state was last recorded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is a timeline event during deployment or supervision.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// Service is the service name, if applicable.
	Service string `json:"service,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// EventType classifies timeline events.
type EventType string

const (
	// EventTypeRunStarted marks the start of a deployment run.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted marks the successful end of a run.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed marks a failed run.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeServiceStarted marks a container start.
	EventTypeServiceStarted EventType = "service_started"

	// EventTypeServiceReady marks a passed readiness probe.
	EventTypeServiceReady EventType = "service_ready"

	// EventTypeServiceFailed marks a failed service bring-up.
	EventTypeServiceFailed EventType = "service_failed"

	// EventTypeServiceSkipped marks a service skipped on dependency failure.
	EventTypeServiceSkipped EventType = "service_skipped"

	// EventTypeServiceExited marks an observed process exit.
	EventTypeServiceExited EventType = "service_exited"

	// EventTypeServiceRestarted marks a supervisor relaunch.
	EventTypeServiceRestarted EventType = "service_restarted"

	// EventTypeWarning marks a non-fatal anomaly.
	EventTypeWarning EventType = "warning"
)

// Deployment ties a topology to its recorded runtime state.
type Deployment struct {
	// Stack is the topology name.
	Stack string `json:"stack"`

	// Topology is the declared topology at the last deploy.
	Topology config.Topology `json:"topology"`

	// Services are the recorded service states.
	Services []ServiceState `json:"services"`

	// DeployedAt is when the stack was last deployed.
	DeployedAt time.Time `json:"deployed_at"`
}

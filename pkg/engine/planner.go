package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/pkg/config"
)

// Planner computes a deployment plan by diffing the declared topology
// against the recorded state of the stack, then orders the plan with the
// dependency graph.
type Planner struct {
	// stateManager is used to retrieve recorded service state
	stateManager StateManager
}

// NewPlanner creates a new planner.
func NewPlanner(stateMgr StateManager) *Planner {
	return &Planner{stateManager: stateMgr}
}

// Plan builds a deployment plan for the topology. Every declared service
// gets exactly one unit; the operation depends on whether the service is
// new, changed, stopped, or already in its declared shape.
func (p *Planner) Plan(ctx context.Context, topo *config.Topology) (*Plan, error) {
	if topo == nil {
		return nil, NewPermanentError("topology is nil", nil).WithCode(ErrCodeValidation)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		Stack:     topo.Name,
		CreatedAt: time.Now(),
		Summary:   PlanSummary{TotalServices: len(topo.Services)},
	}

	builder := NewGraphBuilder()
	for i := range topo.Services {
		svc := &topo.Services[i]

		unit, err := p.planService(ctx, topo.Name, svc)
		if err != nil {
			return nil, fmt.Errorf("failed to plan service %s: %w", svc.Name, err)
		}
		plan.Units = append(plan.Units, *unit)

		switch unit.Operation {
		case OperationCreate:
			plan.Summary.ToCreate++
		case OperationRecreate:
			plan.Summary.ToRecreate++
		case OperationStart:
			plan.Summary.ToStart++
		case OperationNoop:
			plan.Summary.NoChange++
		}

		if err := builder.AddService(svc.Name, svc.DependsOn); err != nil {
			return nil, err
		}
	}

	graph, err := builder.Build()
	if err != nil {
		return nil, err
	}
	plan.Graph = graph

	for i := range plan.Units {
		plan.Units[i].ExecutionOrder = graph.Nodes[plan.Units[i].Service].Level
	}

	return plan, nil
}

// planService decides the operation for a single service.
func (p *Planner) planService(ctx context.Context, stack string, svc *config.Service) (*PlanUnit, error) {
	hash, err := HashServiceConfig(svc)
	if err != nil {
		return nil, err
	}

	unit := &PlanUnit{
		ID:           uuid.New().String(),
		Service:      svc.Name,
		Dependencies: append([]string(nil), svc.DependsOn...),
		ConfigHash:   hash,
	}

	state, err := p.stateManager.GetServiceState(ctx, stack, svc.Name)
	if err != nil || state == nil || state.ContainerID == "" {
		// No recorded container - fresh create.
		unit.Operation = OperationCreate
		unit.Reason = "no existing container"
		return unit, nil
	}

	if state.ConfigHash != hash {
		unit.Operation = OperationRecreate
		unit.Reason = "declared configuration changed"
		return unit, nil
	}

	switch state.Status {
	case ServiceStatusReady, ServiceStatusProbing, ServiceStatusStarting, ServiceStatusRestarting:
		unit.Operation = OperationNoop
		unit.Reason = "already running with declared configuration"
	case ServiceStatusExited, ServiceStatusStopped, ServiceStatusFailed, ServiceStatusSkipped:
		unit.Operation = OperationStart
		unit.Reason = fmt.Sprintf("container is %s", state.Status)
	default:
		unit.Operation = OperationRecreate
		unit.Reason = fmt.Sprintf("unknown recorded status %q", state.Status)
	}

	return unit, nil
}

// RemovalUnits returns plan units removing services that are recorded in
// state but no longer declared in the topology.
func (p *Planner) RemovalUnits(ctx context.Context, topo *config.Topology) ([]PlanUnit, error) {
	states, err := p.stateManager.ListServiceStates(ctx, topo.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list recorded services: %w", err)
	}

	var units []PlanUnit
	for _, state := range states {
		if _, declared := topo.ServiceByName(state.Service); declared {
			continue
		}
		units = append(units, PlanUnit{
			ID:        uuid.New().String(),
			Service:   state.Service,
			Operation: OperationRemove,
			Reason:    "service no longer declared",
		})
	}
	return units, nil
}

// HashServiceConfig fingerprints a service's declared configuration.
// Two services with equal hashes are interchangeable at the runtime level.
func HashServiceConfig(svc *config.Service) (string, error) {
	data, err := json.Marshal(svc)
	if err != nil {
		return "", NewPermanentError("failed to hash service config", err).
			WithService(svc.Name)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

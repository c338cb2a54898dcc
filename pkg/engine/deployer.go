package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/pkg/config"
)

// DeployOptions controls deployment execution.
type DeployOptions struct {
	// MaxParallel bounds concurrent service starts within a level.
	MaxParallel int

	// FailFast aborts remaining levels on the first failure. Regardless of
	// this flag, dependents of a failed service are never started.
	FailFast bool

	// DryRun plans and reports without touching the runtime.
	DryRun bool

	// ProbeHost is the address readiness probes dial for published ports.
	ProbeHost string
}

// Deployer brings a topology up and down. Services start level by level:
// a level only begins once every service in the previous levels is ready
// per its probe, so "started" is never mistaken for "ready".
type Deployer struct {
	runtime      ContainerRuntime
	prober       ReadinessProber
	stateManager StateManager
	publisher    EventPublisher

	mu       sync.RWMutex
	statuses map[string]ServiceStatus
}

// NewDeployer creates a new deployer.
func NewDeployer(
	rt ContainerRuntime,
	prober ReadinessProber,
	stateMgr StateManager,
	publisher EventPublisher,
) *Deployer {
	return &Deployer{
		runtime:      rt,
		prober:       prober,
		stateManager: stateMgr,
		publisher:    publisher,
		statuses:     make(map[string]ServiceStatus),
	}
}

// Up executes a deployment plan against the topology.
func (d *Deployer) Up(ctx context.Context, topo *config.Topology, plan *Plan, opts DeployOptions) (*Run, error) {
	if plan == nil || plan.Graph == nil {
		return nil, NewPermanentError("plan has no dependency graph", nil).
			WithCode(ErrCodeValidation)
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.ProbeHost == "" {
		opts.ProbeHost = "127.0.0.1"
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Stack:     topo.Name,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		Summary:   RunSummary{Total: len(plan.Units), Pending: len(plan.Units)},
	}
	if err := d.stateManager.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	d.publishEvent(ctx, run.ID, "", EventTypeRunStarted, "deployment started", "info")

	d.mu.Lock()
	d.statuses = make(map[string]ServiceStatus, len(plan.Units))
	for _, unit := range plan.Units {
		d.statuses[unit.Service] = ServiceStatusPending
	}
	d.mu.Unlock()

	var execErr error
	if !opts.DryRun {
		if err := d.ensureNetworks(ctx, topo); err != nil {
			execErr = err
		} else {
			execErr = d.executeLevels(ctx, run, topo, plan, opts)
		}
	}

	d.finishRun(ctx, run, plan, execErr)
	return run, execErr
}

// ensureNetworks creates or reuses every declared bridge network before
// any container starts.
func (d *Deployer) ensureNetworks(ctx context.Context, topo *config.Topology) error {
	for _, network := range topo.Networks {
		if err := d.runtime.EnsureNetwork(ctx, network.Name); err != nil {
			return NewPermanentError("failed to ensure network", err).
				WithCode(ErrCodeRuntimeFailed).
				WithOperation("ensure-network")
		}
	}
	return nil
}

// executeLevels walks the dependency graph level by level.
func (d *Deployer) executeLevels(
	ctx context.Context,
	run *Run,
	topo *config.Topology,
	plan *Plan,
	opts DeployOptions,
) error {
	unitsByService := make(map[string]*PlanUnit, len(plan.Units))
	for i := range plan.Units {
		unitsByService[plan.Units[i].Service] = &plan.Units[i]
	}

	for level := 0; level < plan.Graph.Depth; level++ {
		var units []*PlanUnit
		for _, name := range plan.Graph.Levels[level] {
			if unit, ok := unitsByService[name]; ok {
				units = append(units, unit)
			}
		}
		if len(units) == 0 {
			continue
		}

		if err := d.executeLevel(ctx, run, topo, units, opts); err != nil {
			if opts.FailFast {
				return fmt.Errorf("level %d failed: %w", level, err)
			}
			// Dependents of the failed services are skipped via the
			// dependency check; unrelated services continue.
		}

		select {
		case <-ctx.Done():
			return d.handleCancellation(ctx, run, plan)
		default:
		}
	}

	return nil
}

// executeLevel starts every unit at one level through a bounded worker pool.
func (d *Deployer) executeLevel(
	ctx context.Context,
	run *Run,
	topo *config.Topology,
	units []*PlanUnit,
	opts DeployOptions,
) error {
	workerCount := opts.MaxParallel
	if len(units) < workerCount {
		workerCount = len(units)
	}

	workQueue := make(chan *PlanUnit, len(units))
	for _, unit := range units {
		workQueue <- unit
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(units))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for unit := range workQueue {
				if !d.dependenciesReady(unit) {
					d.markSkipped(ctx, run, topo, unit)
					continue
				}
				if err := d.bringUp(ctx, run, topo, unit, opts); err != nil {
					errChan <- fmt.Errorf("service %s failed: %w", unit.Service, err)
				}

				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// bringUp executes one plan unit: build if needed, create, start, probe.
func (d *Deployer) bringUp(ctx context.Context, run *Run, topo *config.Topology, unit *PlanUnit, opts DeployOptions) error {
	svc, ok := topo.ServiceByName(unit.Service)
	if !ok {
		return NewInternalError(unit.Service)
	}

	if unit.Operation == OperationNoop {
		d.setStatus(unit.Service, ServiceStatusReady)
		return nil
	}

	d.setStatus(unit.Service, ServiceStatusStarting)
	d.publishEvent(ctx, run.ID, unit.Service, EventTypeServiceStarted,
		fmt.Sprintf("starting %s (%s)", unit.Service, unit.Operation), "info")

	containerID, err := d.launch(ctx, topo, svc, unit)
	if err != nil {
		d.failService(ctx, run, topo.Name, unit, err)
		return err
	}

	state := &ServiceState{
		Service:     unit.Service,
		Stack:       topo.Name,
		ContainerID: containerID,
		Status:      ServiceStatusProbing,
		ConfigHash:  unit.ConfigHash,
		UpdatedAt:   time.Now(),
	}

	if svc.Readiness != nil && svc.Readiness.Type != config.ProbeNone {
		d.setStatus(unit.Service, ServiceStatusProbing)
		if err := d.prober.Await(ctx, *svc, opts.ProbeHost); err != nil {
			// An exhausted attempt budget is transient: the service may
			// simply need longer than the configured window, and a rerun
			// can succeed. A cancelled wait is not worth retrying.
			probeErr := NewTransientError("readiness probe failed", err).
				WithCode(ErrCodeProbeFailed).
				WithService(unit.Service)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				probeErr = NewPermanentError("readiness wait aborted", err).
					WithCode(ErrCodeTimeout).
					WithService(unit.Service)
			}
			d.failService(ctx, run, topo.Name, unit, probeErr)
			return probeErr
		}
	}

	state.Status = ServiceStatusReady
	state.UpdatedAt = time.Now()
	if err := d.stateManager.SaveServiceState(ctx, state); err != nil {
		return fmt.Errorf("failed to record service state: %w", err)
	}

	d.setStatus(unit.Service, ServiceStatusReady)
	d.publishEvent(ctx, run.ID, unit.Service, EventTypeServiceReady,
		fmt.Sprintf("%s is ready", unit.Service), "info")
	return nil
}

// launch prepares the image and container for a unit and starts it.
func (d *Deployer) launch(ctx context.Context, topo *config.Topology, svc *config.Service, unit *PlanUnit) (string, error) {
	if unit.Operation == OperationRecreate {
		if state, err := d.stateManager.GetServiceState(ctx, topo.Name, svc.Name); err == nil && state.ContainerID != "" {
			_ = d.runtime.Stop(ctx, state.ContainerID)
			_ = d.runtime.Remove(ctx, state.ContainerID)
		}
	}

	image := svc.Image
	if svc.Build != nil {
		image = BuiltImageTag(topo.Name, svc.Name)
		if err := d.runtime.BuildImage(ctx, svc.Build.Context, svc.Build.Dockerfile, image); err != nil {
			return "", NewPermanentError("image build failed", err).
				WithCode(ErrCodeRuntimeFailed).
				WithService(svc.Name)
		}
	}

	if unit.Operation == OperationStart {
		if state, err := d.stateManager.GetServiceState(ctx, topo.Name, svc.Name); err == nil && state.ContainerID != "" {
			if err := d.runtime.Start(ctx, state.ContainerID); err == nil {
				return state.ContainerID, nil
			}
			// Stale container; fall through to a fresh create.
			_ = d.runtime.Remove(ctx, state.ContainerID)
		}
	}

	spec, err := BuildLaunchSpec(topo, svc, image)
	if err != nil {
		return "", err
	}

	containerID, err := d.runtime.Create(ctx, spec)
	if IsConflict(err) {
		// A leftover container from an earlier run still holds the name.
		// Docker accepts the name where we have no recorded ID.
		_ = d.runtime.Stop(ctx, spec.Name)
		_ = d.runtime.Remove(ctx, spec.Name)
		containerID, err = d.runtime.Create(ctx, spec)
	}
	if err != nil {
		return "", NewPermanentError("container create failed", err).
			WithCode(ErrCodeRuntimeFailed).
			WithService(svc.Name)
	}
	if err := d.runtime.Start(ctx, containerID); err != nil {
		return "", NewPermanentError("container start failed", err).
			WithCode(ErrCodeRuntimeFailed).
			WithService(svc.Name)
	}
	return containerID, nil
}

// BuildLaunchSpec assembles the container launch parameters for a service.
// The launch spec is a value snapshot of the topology; the runtime never sees
// shared mutable configuration.
func BuildLaunchSpec(topo *config.Topology, svc *config.Service, image string) (LaunchSpec, error) {
	env := make(map[string]string)
	if svc.EnvFile != "" {
		fileEnv, err := config.LoadEnvFile(svc.EnvFile)
		if err != nil {
			return LaunchSpec{}, NewPermanentError("failed to load service env file", err).
				WithCode(ErrCodeValidation).
				WithService(svc.Name)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range svc.Environment {
		env[k] = v
	}

	return LaunchSpec{
		Name:     ContainerName(topo.Name, svc.Name),
		Service:  svc.Name,
		Stack:    topo.Name,
		Image:    image,
		Command:  append([]string(nil), svc.Command...),
		Env:      env,
		Ports:    append([]config.PortMapping(nil), svc.Ports...),
		Mounts:   append([]config.VolumeMount(nil), svc.Volumes...),
		Networks: append([]string(nil), svc.Networks...),
		Labels: map[string]string{
			"stackd.stack":   topo.Name,
			"stackd.service": svc.Name,
		},
	}, nil
}

// Down tears the stack down in reverse dependency order, then removes the
// stack's networks.
func (d *Deployer) Down(ctx context.Context, topo *config.Topology) error {
	builder := NewGraphBuilder()
	for i := range topo.Services {
		if err := builder.AddService(topo.Services[i].Name, topo.Services[i].DependsOn); err != nil {
			return err
		}
	}
	graph, err := builder.Build()
	if err != nil {
		return err
	}

	var firstErr error
	for level := graph.Depth - 1; level >= 0; level-- {
		for _, name := range graph.Levels[level] {
			state, err := d.stateManager.GetServiceState(ctx, topo.Name, name)
			if err != nil || state.ContainerID == "" {
				continue
			}
			if err := d.runtime.Stop(ctx, state.ContainerID); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := d.runtime.Remove(ctx, state.ContainerID); err != nil && firstErr == nil {
				firstErr = err
			}
			state.Status = ServiceStatusStopped
			state.ContainerID = ""
			state.UpdatedAt = time.Now()
			if err := d.stateManager.SaveServiceState(ctx, state); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, network := range topo.Networks {
		if err := d.runtime.RemoveNetwork(ctx, network.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Statuses returns a snapshot of the current per-service statuses.
func (d *Deployer) Statuses() map[string]ServiceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(d.statuses))
	for k, v := range d.statuses {
		out[k] = v
	}
	return out
}

// dependenciesReady reports whether every dependency of the unit is ready.
func (d *Deployer) dependenciesReady(unit *PlanUnit) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, dep := range unit.Dependencies {
		if d.statuses[dep] != ServiceStatusReady {
			return false
		}
	}
	return true
}

func (d *Deployer) setStatus(service string, status ServiceStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[service] = status
}

// markSkipped records a service skipped because a dependency failed.
func (d *Deployer) markSkipped(ctx context.Context, run *Run, topo *config.Topology, unit *PlanUnit) {
	d.setStatus(unit.Service, ServiceStatusSkipped)

	state := &ServiceState{
		Service:    unit.Service,
		Stack:      topo.Name,
		Status:     ServiceStatusSkipped,
		ConfigHash: unit.ConfigHash,
		UpdatedAt:  time.Now(),
	}
	_ = d.stateManager.SaveServiceState(ctx, state)

	d.publishEvent(ctx, run.ID, unit.Service, EventTypeServiceSkipped,
		fmt.Sprintf("%s skipped: dependency not ready", unit.Service), "warning")
}

// failService records a failed bring-up.
func (d *Deployer) failService(ctx context.Context, run *Run, stack string, unit *PlanUnit, cause error) {
	d.setStatus(unit.Service, ServiceStatusFailed)

	state := &ServiceState{
		Service:    unit.Service,
		Stack:      stack,
		Status:     ServiceStatusFailed,
		ConfigHash: unit.ConfigHash,
		UpdatedAt:  time.Now(),
	}
	_ = d.stateManager.SaveServiceState(ctx, state)

	d.publishEvent(ctx, run.ID, unit.Service, EventTypeServiceFailed,
		fmt.Sprintf("%s failed: %v", unit.Service, cause), "error")
}

// finishRun computes the final summary and persists the run.
func (d *Deployer) finishRun(ctx context.Context, run *Run, plan *Plan, execErr error) {
	d.mu.RLock()
	summary := RunSummary{Total: len(plan.Units)}
	for _, unit := range plan.Units {
		switch d.statuses[unit.Service] {
		case ServiceStatusReady:
			summary.Ready++
		case ServiceStatusFailed:
			summary.Failed++
		case ServiceStatusSkipped:
			summary.Skipped++
		default:
			summary.Pending++
		}
	}
	d.mu.RUnlock()

	completedAt := time.Now()
	run.Summary = summary
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case run.Status == RunStatusCancelled:
		// Cancellation was already decided; the summary must not demote
		// it to failed or partial.
	case execErr != nil && summary.Ready == 0:
		run.Status = RunStatusFailed
	case summary.Failed > 0 || summary.Skipped > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}

	if err := d.stateManager.SaveRun(ctx, run); err != nil {
		d.publishEvent(ctx, run.ID, "", EventTypeWarning,
			fmt.Sprintf("failed to save run: %v", err), "warning")
	}

	if run.Status == RunStatusSucceeded {
		d.publishEvent(ctx, run.ID, "", EventTypeRunCompleted, "deployment completed", "info")
	} else {
		d.publishEvent(ctx, run.ID, "", EventTypeRunFailed,
			fmt.Sprintf("deployment finished with status %s", run.Status), "error")
	}
}

// handleCancellation marks every unstarted service cancelled.
func (d *Deployer) handleCancellation(ctx context.Context, run *Run, plan *Plan) error {
	d.mu.Lock()
	for _, unit := range plan.Units {
		if d.statuses[unit.Service] == ServiceStatusPending {
			d.statuses[unit.Service] = ServiceStatusSkipped
		}
	}
	d.mu.Unlock()

	run.Status = RunStatusCancelled
	return NewPermanentError("deployment cancelled", ctx.Err()).
		WithCode(ErrCodeInternal)
}

// publishEvent publishes a deployment event without blocking execution.
func (d *Deployer) publishEvent(ctx context.Context, runID, service string, eventType EventType, message, level string) {
	if d.publisher == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Service:   service,
		Message:   message,
		Level:     level,
	}
	_ = d.publisher.Publish(ctx, event)
}

// ContainerName returns the runtime container name for a service.
func ContainerName(stack, service string) string {
	return stack + "-" + service
}

// BuiltImageTag returns the tag used for locally built service images.
func BuiltImageTag(stack, service string) string {
	return stack + "/" + service + ":dev"
}

// NewInternalError reports a plan unit referencing a service missing from
// the topology. This indicates planner and topology went out of sync.
func NewInternalError(service string) *LifecycleError {
	return NewPermanentError("plan unit references unknown service", nil).
		WithCode(ErrCodeInternal).
		WithService(service)
}

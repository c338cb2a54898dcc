package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/config"
)

// fakeStateManager is an in-memory StateManager for tests.
type fakeStateManager struct {
	mu     sync.Mutex
	runs   map[string]*Run
	states map[string]*ServiceState
	events []*Event
}

func newFakeStateManager() *fakeStateManager {
	return &fakeStateManager{
		runs:   make(map[string]*Run),
		states: make(map[string]*ServiceState),
	}
}

func stateKey(stack, service string) string { return stack + "/" + service }

func (f *fakeStateManager) SaveRun(_ context.Context, run *Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeStateManager) GetRun(_ context.Context, id string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	copied := *run
	return &copied, nil
}

func (f *fakeStateManager) SaveServiceState(_ context.Context, state *ServiceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *state
	f.states[stateKey(state.Stack, state.Service)] = &copied
	return nil
}

func (f *fakeStateManager) GetServiceState(_ context.Context, stack, service string) (*ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[stateKey(stack, service)]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (f *fakeStateManager) ListServiceStates(_ context.Context, stack string) ([]*ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ServiceState
	for _, state := range f.states {
		if state.Stack == stack {
			copied := *state
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStateManager) AppendEvent(_ context.Context, event *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *event
	f.events = append(f.events, &copied)
	return nil
}

func (f *fakeStateManager) serviceStatus(stack, service string) ServiceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[stateKey(stack, service)]; ok {
		return state.Status
	}
	return ""
}

// fakeRuntime records runtime calls and serves scripted exits.
type fakeRuntime struct {
	mu       sync.Mutex
	networks []string
	removedN []string
	built    []string
	created  []LaunchSpec
	started  []string
	stopped  []string
	removed  []string
	copied   []string

	failCreate   map[string]bool
	failStart    map[string]bool
	conflictOnce map[string]bool
	exits        map[string]chan ExitStatus
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		failCreate:   make(map[string]bool),
		failStart:    make(map[string]bool),
		conflictOnce: make(map[string]bool),
		exits:        make(map[string]chan ExitStatus),
	}
}

func (r *fakeRuntime) EnsureNetwork(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networks = append(r.networks, name)
	return nil
}

func (r *fakeRuntime) RemoveNetwork(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedN = append(r.removedN, name)
	return nil
}

func (r *fakeRuntime) BuildImage(_ context.Context, _, _, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.built = append(r.built, tag)
	return nil
}

func (r *fakeRuntime) Create(_ context.Context, spec LaunchSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate[spec.Service] {
		return "", fmt.Errorf("create %s refused", spec.Service)
	}
	if r.conflictOnce[spec.Service] {
		delete(r.conflictOnce, spec.Service)
		return "", NewConflictError("container name already taken", nil).
			WithCode(ErrCodeAlreadyExists).
			WithService(spec.Service)
	}
	r.created = append(r.created, spec)
	return "ctr-" + spec.Service, nil
}

func (r *fakeRuntime) Start(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStart[containerID] {
		return fmt.Errorf("start %s refused", containerID)
	}
	r.started = append(r.started, containerID)
	return nil
}

func (r *fakeRuntime) Stop(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, containerID)
	return nil
}

func (r *fakeRuntime) Remove(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, containerID)
	return nil
}

func (r *fakeRuntime) Wait(ctx context.Context, containerID string) ExitStatus {
	r.mu.Lock()
	ch := r.exits[containerID]
	r.mu.Unlock()
	if ch == nil {
		<-ctx.Done()
		return ExitStatus{ContainerID: containerID, Err: ctx.Err()}
	}
	select {
	case exit := <-ch:
		return exit
	case <-ctx.Done():
		return ExitStatus{ContainerID: containerID, Err: ctx.Err()}
	}
}

func (r *fakeRuntime) CopyTo(_ context.Context, containerID, hostPath, containerPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copied = append(r.copied, containerID+":"+hostPath+"->"+containerPath)
	return nil
}

func (r *fakeRuntime) Logs(_ context.Context, _ string, _ bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (r *fakeRuntime) startedServices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	for i, id := range r.started {
		out[i] = strings.TrimPrefix(id, "ctr-")
	}
	return out
}

// fakeProber fails probing for the listed services.
type fakeProber struct {
	mu      sync.Mutex
	failFor map[string]bool
	probed  []string
}

func newFakeProber(failFor ...string) *fakeProber {
	f := &fakeProber{failFor: make(map[string]bool)}
	for _, name := range failFor {
		f.failFor[name] = true
	}
	return f
}

func (f *fakeProber) Await(_ context.Context, svc config.Service, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, svc.Name)
	if f.failFor[svc.Name] {
		return fmt.Errorf("%s never became ready", svc.Name)
	}
	return nil
}

// cancellingProber cancels the deployment from inside a probe.
type cancellingProber struct {
	cancel context.CancelFunc
}

func (p *cancellingProber) Await(_ context.Context, _ config.Service, _ string) error {
	p.cancel()
	return nil
}

// fakePublisher collects published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (f *fakePublisher) Publish(_ context.Context, event *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *event
	f.events = append(f.events, &copied)
	return nil
}

func (f *fakePublisher) byType(eventType EventType) []*Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Event
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// testTopology mirrors a three-service web stack: an app depending on a
// database and a cache, all on one bridge network.
func testTopology() *config.Topology {
	probe := func(t config.ProbeType, port int) *config.ProbeConfig {
		return &config.ProbeConfig{
			Type: t, Port: port,
			Interval: time.Millisecond, Timeout: time.Second, MaxAttempts: 3,
		}
	}
	return &config.Topology{
		Name:     "webstack",
		Networks: []config.Network{{Name: "backend", Driver: "bridge"}},
		Services: []config.Service{
			{
				Name: "app", Image: "example/app:1.0",
				Ports:     []config.PortMapping{{Host: 80, Container: 80}},
				Networks:  []string{"backend"},
				DependsOn: []string{"store", "cache"},
				Restart:   config.RestartAlways,
				Readiness: probe(config.ProbeTCP, 80),
			},
			{
				Name: "store", Image: "postgres:16",
				Ports:     []config.PortMapping{{Host: 5432, Container: 5432}},
				Networks:  []string{"backend"},
				Restart:   config.RestartAlways,
				Readiness: probe(config.ProbePostgres, 5432),
			},
			{
				Name: "cache", Image: "redis:7",
				Ports:     []config.PortMapping{{Host: 6379, Container: 6379}},
				Networks:  []string{"backend"},
				Restart:   config.RestartAlways,
				Readiness: probe(config.ProbeRedis, 6379),
			},
		},
	}
}

func planFor(t *testing.T, stateMgr StateManager, topo *config.Topology) *Plan {
	t.Helper()
	plan, err := NewPlanner(stateMgr).Plan(context.Background(), topo)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	return plan
}

func TestDeployer_Up_StartsInDependencyOrder(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	rt := newFakeRuntime()
	pub := &fakePublisher{}
	deployer := NewDeployer(rt, newFakeProber(), stateMgr, pub)

	run, err := deployer.Up(context.Background(), topo, planFor(t, stateMgr, topo), DeployOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected run succeeded, got %s", run.Status)
	}
	if run.Summary.Ready != 3 {
		t.Errorf("Expected 3 ready services, got %d", run.Summary.Ready)
	}

	started := rt.startedServices()
	if len(started) != 3 {
		t.Fatalf("Expected 3 started containers, got %v", started)
	}
	if started[2] != "app" {
		t.Errorf("Expected app started last, got order %v", started)
	}

	if len(rt.networks) != 1 || rt.networks[0] != "backend" {
		t.Errorf("Expected backend network ensured, got %v", rt.networks)
	}

	state, err := stateMgr.GetServiceState(context.Background(), "webstack", "app")
	if err != nil || state == nil {
		t.Fatalf("Expected app state recorded, got %v, %v", state, err)
	}
	if state.Status != ServiceStatusReady {
		t.Errorf("Expected app ready, got %s", state.Status)
	}
	if state.ContainerID != "ctr-app" {
		t.Errorf("Expected recorded container ID, got %q", state.ContainerID)
	}
}

func TestDeployer_Up_FailedDependencySkipsDependents(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	rt := newFakeRuntime()
	pub := &fakePublisher{}
	deployer := NewDeployer(rt, newFakeProber("store"), stateMgr, pub)

	run, _ := deployer.Up(context.Background(), topo, planFor(t, stateMgr, topo), DeployOptions{})

	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial run, got %s", run.Status)
	}
	if run.Summary.Failed != 1 {
		t.Errorf("Expected 1 failed service, got %d", run.Summary.Failed)
	}
	if run.Summary.Skipped != 1 {
		t.Errorf("Expected app skipped, got %d skipped", run.Summary.Skipped)
	}
	if run.Summary.Ready != 1 {
		t.Errorf("Expected cache still ready, got %d ready", run.Summary.Ready)
	}

	// The app container must never have started.
	for _, name := range rt.startedServices() {
		if name == "app" {
			t.Error("Expected app never started after store failed")
		}
	}

	if stateMgr.serviceStatus("webstack", "store") != ServiceStatusFailed {
		t.Errorf("Expected store recorded failed, got %s", stateMgr.serviceStatus("webstack", "store"))
	}
	if stateMgr.serviceStatus("webstack", "app") != ServiceStatusSkipped {
		t.Errorf("Expected app recorded skipped, got %s", stateMgr.serviceStatus("webstack", "app"))
	}

	if len(pub.byType(EventTypeServiceSkipped)) != 1 {
		t.Error("Expected one skip event")
	}
}

func TestDeployer_Up_NoopLeavesRuntimeAlone(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()

	// Record every service as already running in its declared shape.
	for i := range topo.Services {
		svc := &topo.Services[i]
		hash, err := HashServiceConfig(svc)
		if err != nil {
			t.Fatalf("Failed to hash: %v", err)
		}
		_ = stateMgr.SaveServiceState(context.Background(), &ServiceState{
			Service: svc.Name, Stack: topo.Name,
			ContainerID: "ctr-" + svc.Name,
			Status:      ServiceStatusReady,
			ConfigHash:  hash,
		})
	}

	rt := newFakeRuntime()
	deployer := NewDeployer(rt, newFakeProber(), stateMgr, &fakePublisher{})

	run, err := deployer.Up(context.Background(), topo, planFor(t, stateMgr, topo), DeployOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if len(rt.created) != 0 || len(rt.started) != 0 {
		t.Errorf("Expected no runtime calls for a fully converged stack, got %d creates, %d starts",
			len(rt.created), len(rt.started))
	}
}

func TestDeployer_Up_CreateFailure(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	rt := newFakeRuntime()
	rt.failCreate["cache"] = true
	deployer := NewDeployer(rt, newFakeProber(), stateMgr, &fakePublisher{})

	run, _ := deployer.Up(context.Background(), topo, planFor(t, stateMgr, topo), DeployOptions{})

	if run.Summary.Failed != 1 {
		t.Errorf("Expected cache failed, got %d failed", run.Summary.Failed)
	}
	// app depends on cache, so it must be skipped.
	if run.Summary.Skipped != 1 {
		t.Errorf("Expected app skipped, got %d skipped", run.Summary.Skipped)
	}
}

func TestDeployer_Up_ProbeFailureIsTransient(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	rt := newFakeRuntime()
	deployer := NewDeployer(rt, newFakeProber("store"), stateMgr, &fakePublisher{})

	_, err := deployer.Up(context.Background(), topo, planFor(t, stateMgr, topo), DeployOptions{FailFast: true})
	if err == nil {
		t.Fatal("Expected probe failure to surface with fail-fast")
	}
	if !IsTransient(err) {
		t.Errorf("Expected transient classification through the chain, got: %v", err)
	}
	if !IsRetryable(err) {
		t.Errorf("Expected probe failure retryable, got: %v", err)
	}
}

func TestDeployer_Up_CancelledRunKeepsStatus(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	rt := newFakeRuntime()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deployer := NewDeployer(rt, &cancellingProber{cancel: cancel}, stateMgr, &fakePublisher{})

	run, err := deployer.Up(ctx, topo, planFor(t, stateMgr, topo), DeployOptions{})
	if err == nil {
		t.Fatal("Expected an error once the run is cancelled")
	}
	if run.Status != RunStatusCancelled {
		t.Errorf("Expected run status %s, got %s", RunStatusCancelled, run.Status)
	}
	if !IsPermanent(err) {
		t.Errorf("Expected cancellation to be permanent, got: %v", err)
	}
}

func TestDeployer_Up_RecoversFromNameConflict(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	rt := newFakeRuntime()
	rt.conflictOnce["cache"] = true
	deployer := NewDeployer(rt, newFakeProber(), stateMgr, &fakePublisher{})

	run, err := deployer.Up(context.Background(), topo, planFor(t, stateMgr, topo), DeployOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded after conflict recovery, got %s", run.Status)
	}

	// The stale holder of the name is removed by name before the retry.
	var removedName bool
	for _, id := range rt.removed {
		if id == "webstack-cache" {
			removedName = true
		}
	}
	if !removedName {
		t.Errorf("Expected stale webstack-cache removed, got %v", rt.removed)
	}

	var cacheCreates int
	for _, spec := range rt.created {
		if spec.Service == "cache" {
			cacheCreates++
		}
	}
	if cacheCreates != 1 {
		t.Errorf("Expected exactly one successful cache create, got %d", cacheCreates)
	}
}

func TestDeployer_Up_NilPlan(t *testing.T) {
	deployer := NewDeployer(newFakeRuntime(), newFakeProber(), newFakeStateManager(), nil)
	if _, err := deployer.Up(context.Background(), testTopology(), nil, DeployOptions{}); err == nil {
		t.Fatal("Expected error for nil plan")
	}
}

func TestDeployer_Up_DryRun(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	rt := newFakeRuntime()
	deployer := NewDeployer(rt, newFakeProber(), stateMgr, &fakePublisher{})

	_, err := deployer.Up(context.Background(), topo, planFor(t, stateMgr, topo), DeployOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(rt.networks) != 0 || len(rt.created) != 0 {
		t.Error("Expected dry run to leave the runtime untouched")
	}
}

func TestDeployer_Down_ReverseOrder(t *testing.T) {
	topo := testTopology()
	stateMgr := newFakeStateManager()
	for _, name := range []string{"app", "store", "cache"} {
		_ = stateMgr.SaveServiceState(context.Background(), &ServiceState{
			Service: name, Stack: topo.Name,
			ContainerID: "ctr-" + name,
			Status:      ServiceStatusReady,
		})
	}

	rt := newFakeRuntime()
	deployer := NewDeployer(rt, newFakeProber(), stateMgr, &fakePublisher{})

	if err := deployer.Down(context.Background(), topo); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(rt.stopped) != 3 {
		t.Fatalf("Expected 3 stops, got %v", rt.stopped)
	}
	if rt.stopped[0] != "ctr-app" {
		t.Errorf("Expected app stopped first, got order %v", rt.stopped)
	}

	for _, name := range []string{"app", "store", "cache"} {
		if stateMgr.serviceStatus("webstack", name) != ServiceStatusStopped {
			t.Errorf("Expected %s recorded stopped, got %s", name, stateMgr.serviceStatus("webstack", name))
		}
	}

	if len(rt.removedN) != 1 || rt.removedN[0] != "backend" {
		t.Errorf("Expected backend network removed, got %v", rt.removedN)
	}
}

func TestBuildLaunchSpec(t *testing.T) {
	topo := testTopology()
	svc, _ := topo.ServiceByName("app")
	svc.Environment = map[string]string{"MODE": "production"}

	spec, err := BuildLaunchSpec(topo, svc, "example/app:1.0")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if spec.Name != "webstack-app" {
		t.Errorf("Expected container name webstack-app, got %s", spec.Name)
	}
	if spec.Env["MODE"] != "production" {
		t.Errorf("Expected environment carried into spec, got %v", spec.Env)
	}
	if spec.Labels["stackd.stack"] != "webstack" || spec.Labels["stackd.service"] != "app" {
		t.Errorf("Expected discovery labels, got %v", spec.Labels)
	}
	if len(spec.Ports) != 1 || spec.Ports[0].Host != 80 {
		t.Errorf("Expected published port 80, got %v", spec.Ports)
	}
}

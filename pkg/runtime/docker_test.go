package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stackd/stackd/pkg/config"
	"github.com/stackd/stackd/pkg/engine"
)

// fakeExecutor records docker invocations and serves scripted replies.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(args []string) ([]byte, []byte, error)
}

func (e *fakeExecutor) Run(_ context.Context, name string, args []string, _ io.Reader) ([]byte, []byte, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]string{name}, args...))
	e.mu.Unlock()
	if e.handler != nil {
		return e.handler(args)
	}
	return nil, nil, nil
}

func (e *fakeExecutor) callArgs(i int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[i]
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func hasArgPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestDockerRuntime_Create(t *testing.T) {
	exec := &fakeExecutor{
		handler: func(args []string) ([]byte, []byte, error) {
			if args[0] == "create" {
				return []byte("abc123def456\n"), nil, nil
			}
			return nil, nil, nil
		},
	}
	rt := NewDockerRuntime(exec)

	spec := engine.LaunchSpec{
		Name:     "webstack-app",
		Service:  "app",
		Stack:    "webstack",
		Image:    "example/app:1.0",
		Command:  []string{"serve", "--port", "80"},
		Env:      map[string]string{"MODE": "production"},
		Ports:    []config.PortMapping{{Host: 80, Container: 80}},
		Mounts:   []config.VolumeMount{{Source: "/srv/conf", Target: "/etc/conf", ReadOnly: true}},
		Networks: []string{"backend", "frontend"},
		Labels:   map[string]string{"stackd.stack": "webstack"},
	}

	id, err := rt.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if id != "abc123def456" {
		t.Errorf("Expected trimmed container ID, got %q", id)
	}

	args := exec.callArgs(0)
	if args[1] != "create" {
		t.Fatalf("Expected create call, got %v", args)
	}
	if !hasArgPair(args, "--name", "webstack-app") {
		t.Errorf("Expected --name webstack-app in %v", args)
	}
	if !hasArgPair(args, "--publish", "80:80") {
		t.Errorf("Expected --publish 80:80 in %v", args)
	}
	if !hasArgPair(args, "--volume", "/srv/conf:/etc/conf:ro") {
		t.Errorf("Expected read-only volume in %v", args)
	}
	if !hasArgPair(args, "--env", "MODE=production") {
		t.Errorf("Expected env flag in %v", args)
	}
	// The engine owns restarts; the runtime must not also restart.
	if !hasArgPair(args, "--restart", "no") {
		t.Errorf("Expected --restart no in %v", args)
	}
	if !hasArgPair(args, "--network", "backend") {
		t.Errorf("Expected first network at create in %v", args)
	}
	if args[len(args)-4] != "example/app:1.0" {
		t.Errorf("Expected image before command, got %v", args)
	}

	// The second network is connected before start.
	connect := exec.callArgs(1)
	if connect[1] != "network" || connect[2] != "connect" || connect[3] != "frontend" {
		t.Errorf("Expected network connect for frontend, got %v", connect)
	}
}

// fakeStreamExecutor additionally serves scripted streaming output.
type fakeStreamExecutor struct {
	fakeExecutor
	content  string
	streamed [][]string
}

func (e *fakeStreamExecutor) Stream(_ context.Context, name string, args []string) (io.ReadCloser, error) {
	e.mu.Lock()
	e.streamed = append(e.streamed, append([]string{name}, args...))
	e.mu.Unlock()
	return io.NopCloser(strings.NewReader(e.content)), nil
}

func TestDockerRuntime_Logs_StreamsThroughExecutor(t *testing.T) {
	exec := &fakeStreamExecutor{content: "app log line\n"}
	rt := NewDockerRuntime(exec)

	rc, err := rt.Logs(context.Background(), "abc123", true)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Expected readable stream, got: %v", err)
	}
	if string(data) != "app log line\n" {
		t.Errorf("Expected streamed output, got %q", data)
	}

	if len(exec.streamed) != 1 {
		t.Fatalf("Expected one streamed command, got %d", len(exec.streamed))
	}
	args := exec.streamed[0]
	if args[0] != "docker" || args[1] != "logs" || args[2] != "--follow" || args[3] != "abc123" {
		t.Errorf("Expected docker logs --follow for the container, got %v", args)
	}
}

func TestDockerRuntime_Logs_RequiresStreamingExecutor(t *testing.T) {
	rt := NewDockerRuntime(&fakeExecutor{})
	if _, err := rt.Logs(context.Background(), "abc123", false); err == nil {
		t.Fatal("Expected an error from an executor that cannot stream")
	}
}

func TestDockerRuntime_Create_NameConflict(t *testing.T) {
	exec := &fakeExecutor{
		handler: func(args []string) ([]byte, []byte, error) {
			stderr := `docker: Error response from daemon: Conflict. The container name "/webstack-app" is already in use`
			return nil, []byte(stderr), fmt.Errorf("exit status 125")
		},
	}
	rt := NewDockerRuntime(exec)

	_, err := rt.Create(context.Background(), engine.LaunchSpec{
		Name: "webstack-app", Service: "app", Image: "example/app:1.0",
	})
	if err == nil {
		t.Fatal("Expected create to fail")
	}
	if !engine.IsConflict(err) {
		t.Errorf("Expected a conflict classification, got: %v", err)
	}
	if !strings.Contains(err.Error(), "app") {
		t.Errorf("Expected service in error, got: %v", err)
	}
}

func TestDockerRuntime_EnsureNetwork_AlreadyExists(t *testing.T) {
	exec := &fakeExecutor{}
	rt := NewDockerRuntime(exec)

	if err := rt.EnsureNetwork(context.Background(), "backend"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if exec.callCount() != 1 {
		t.Errorf("Expected inspect only, got %d calls", exec.callCount())
	}
}

func TestDockerRuntime_EnsureNetwork_Creates(t *testing.T) {
	exec := &fakeExecutor{}
	exec.handler = func(args []string) ([]byte, []byte, error) {
		if args[1] == "inspect" && exec.callCount() == 1 {
			return nil, nil, fmt.Errorf("no such network")
		}
		return nil, nil, nil
	}
	rt := NewDockerRuntime(exec)

	if err := rt.EnsureNetwork(context.Background(), "backend"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	create := exec.callArgs(1)
	if create[1] != "network" || create[2] != "create" {
		t.Fatalf("Expected network create, got %v", create)
	}
	if !hasArgPair(create, "--driver", "bridge") {
		t.Errorf("Expected bridge driver in %v", create)
	}
}

func TestDockerRuntime_BuildImage(t *testing.T) {
	exec := &fakeExecutor{}
	rt := NewDockerRuntime(exec)

	if err := rt.BuildImage(context.Background(), "./app", "Dockerfile.dev", "webstack/app:dev"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	args := exec.callArgs(0)
	if args[1] != "build" {
		t.Fatalf("Expected build call, got %v", args)
	}
	if !hasArgPair(args, "--tag", "webstack/app:dev") {
		t.Errorf("Expected tag flag in %v", args)
	}
	if !hasArgPair(args, "--file", "Dockerfile.dev") {
		t.Errorf("Expected file flag in %v", args)
	}
	if args[len(args)-1] != "./app" {
		t.Errorf("Expected context last, got %v", args)
	}
}

func TestDockerRuntime_Wait_ParsesExitCode(t *testing.T) {
	exec := &fakeExecutor{
		handler: func(args []string) ([]byte, []byte, error) {
			return []byte("137\n"), nil, nil
		},
	}
	rt := NewDockerRuntime(exec)

	exit := rt.Wait(context.Background(), "abc123")
	if exit.Err != nil {
		t.Fatalf("Expected no error, got: %v", exit.Err)
	}
	if exit.Code != 137 {
		t.Errorf("Expected exit code 137, got %d", exit.Code)
	}
}

func TestDockerRuntime_Wait_UnparseableCode(t *testing.T) {
	exec := &fakeExecutor{
		handler: func(args []string) ([]byte, []byte, error) {
			return []byte("garbage\n"), nil, nil
		},
	}
	rt := NewDockerRuntime(exec)

	exit := rt.Wait(context.Background(), "abc123")
	if exit.Err == nil {
		t.Fatal("Expected error for unparseable exit code")
	}
}

func TestDockerRuntime_CopyTo(t *testing.T) {
	exec := &fakeExecutor{}
	rt := NewDockerRuntime(exec)

	if err := rt.CopyTo(context.Background(), "abc123", "/src/main.go", "/app/src/main.go"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	args := exec.callArgs(0)
	if args[1] != "cp" || args[2] != "/src/main.go" || args[3] != "abc123:/app/src/main.go" {
		t.Errorf("Expected docker cp host container:path, got %v", args)
	}
}

func TestDockerRuntime_Stop_ErrorWrapsShortID(t *testing.T) {
	longID := strings.Repeat("a", 64)
	exec := &fakeExecutor{
		handler: func(args []string) ([]byte, []byte, error) {
			return nil, nil, fmt.Errorf("daemon unreachable")
		},
	}
	rt := NewDockerRuntime(exec)

	err := rt.Stop(context.Background(), longID)
	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), longID[:12]) || strings.Contains(err.Error(), longID) {
		t.Errorf("Expected short container ID in error, got: %v", err)
	}
}

package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stackd/stackd/pkg/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return e
}

func cleanTopology() config.Topology {
	return config.Topology{
		Name: "webstack",
		Services: []config.Service{
			{
				Name:      "app",
				Image:     "example/app:1.0",
				Networks:  []string{"backend"},
				DependsOn: []string{"store"},
				Restart:   config.RestartAlways,
				Ports:     []config.PortMapping{{Host: 8080, Container: 80}},
			},
			{
				Name:     "store",
				Image:    "postgres:16",
				Networks: []string{"backend"},
				Restart:  config.RestartAlways,
				Readiness: &config.ProbeConfig{
					Type: config.ProbePostgres,
					Port: 5432,
				},
			},
		},
	}
}

func violationFor(result *Result, policy string) *Violation {
	for i := range result.Violations {
		if result.Violations[i].Policy == policy {
			return &result.Violations[i]
		}
	}
	return nil
}

func TestEngine_Evaluate_CleanTopology(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Evaluate(context.Background(), cleanTopology(), "up")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected clean topology to be allowed, violations: %v", result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != len(GetBuiltinPolicies()) {
		t.Errorf("Expected all built-in policies evaluated, got %v", result.EvaluatedPolicies)
	}
}

func TestEngine_Evaluate_DependencyWithoutProbe(t *testing.T) {
	e := newTestEngine(t)

	topo := cleanTopology()
	topo.Services[1].Readiness = nil

	result, err := e.Evaluate(context.Background(), topo, "up")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Error("Expected dependency without probe to block the deploy")
	}

	v := violationFor(result, "probe-required")
	if v == nil {
		t.Fatalf("Expected probe-required violation, got %v", result.Violations)
	}
	if v.Service != "store" {
		t.Errorf("Expected violation on store, got %q", v.Service)
	}
	if v.Severity != SeverityError {
		t.Errorf("Expected error severity, got %q", v.Severity)
	}
	if len(result.Errors()) != 1 {
		t.Errorf("Expected 1 blocking violation, got %d", len(result.Errors()))
	}
}

func TestEngine_Evaluate_FloatingTagWarns(t *testing.T) {
	e := newTestEngine(t)

	topo := cleanTopology()
	topo.Services[0].Image = "example/app"

	result, err := e.Evaluate(context.Background(), topo, "up")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected warnings to stay advisory")
	}

	v := violationFor(result, "floating-image-tag")
	if v == nil {
		t.Fatalf("Expected floating-image-tag violation, got %v", result.Violations)
	}
	if v.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %q", v.Severity)
	}
	if !strings.Contains(v.Message, "example/app") {
		t.Errorf("Expected image in message, got %q", v.Message)
	}
}

func TestEngine_Evaluate_LatestTagWarns(t *testing.T) {
	e := newTestEngine(t)

	topo := cleanTopology()
	topo.Services[1].Image = "postgres:latest"

	result, err := e.Evaluate(context.Background(), topo, "up")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if violationFor(result, "floating-image-tag") == nil {
		t.Errorf("Expected floating-image-tag violation, got %v", result.Violations)
	}
}

func TestEngine_Evaluate_DependedOnWithRestartNo(t *testing.T) {
	e := newTestEngine(t)

	topo := cleanTopology()
	topo.Services[1].Restart = config.RestartNever

	result, err := e.Evaluate(context.Background(), topo, "up")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected restart-policy violation to stay advisory")
	}

	v := violationFor(result, "restart-policy")
	if v == nil {
		t.Fatalf("Expected restart-policy violation, got %v", result.Violations)
	}
	if v.Service != "store" {
		t.Errorf("Expected violation on store, got %q", v.Service)
	}
}

func TestEngine_Evaluate_PrivilegedHostPort(t *testing.T) {
	e := newTestEngine(t)

	topo := cleanTopology()
	topo.Services[0].Ports = []config.PortMapping{{Host: 80, Container: 80}}

	result, err := e.Evaluate(context.Background(), topo, "up")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected info violation to stay advisory")
	}

	v := violationFor(result, "privileged-host-port")
	if v == nil {
		t.Fatalf("Expected privileged-host-port violation, got %v", result.Violations)
	}
	if v.Severity != SeverityInfo {
		t.Errorf("Expected info severity, got %q", v.Severity)
	}
}

func TestEngine_DisablePolicy(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DisablePolicy("probe-required"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	topo := cleanTopology()
	topo.Services[1].Readiness = nil

	result, err := e.Evaluate(context.Background(), topo, "up")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %v", result.Violations)
	}
}

func TestEngine_DisablePolicy_Unknown(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DisablePolicy("no-such-policy"); err == nil {
		t.Fatal("Expected error for unknown policy")
	}
}

func TestEngine_GetPolicy(t *testing.T) {
	e := newTestEngine(t)

	p, err := e.GetPolicy("floating-image-tag")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %q", p.Severity)
	}

	if _, err := e.GetPolicy("missing"); err == nil {
		t.Fatal("Expected error for missing policy")
	}
}

func TestExtractPackageName(t *testing.T) {
	rego := "# comment\npackage stackd.policies.images\n\ndeny contains x if { true }\n"
	if got := extractPackageName(rego); got != "stackd.policies.images" {
		t.Errorf("Expected stackd.policies.images, got %q", got)
	}
	if got := extractPackageName("deny := true"); got != "stackd.policies" {
		t.Errorf("Expected default package, got %q", got)
	}
}

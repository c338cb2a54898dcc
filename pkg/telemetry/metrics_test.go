package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackd/stackd/pkg/config"
	"github.com/stackd/stackd/pkg/engine"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "stackd"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return m
}

// counterValue gathers the registry and returns the value of one counter
// series, or -1 if the series does not exist.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			matched := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					matched = false
					break
				}
			}
			if matched {
				if metric.GetCounter() != nil {
					return metric.GetCounter().GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	return -1
}

func TestMetrics_DeployLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDeployStarted("webstack")
	if got := counterValue(t, m, "stackd_deploys_started_total", map[string]string{"stack": "webstack"}); got != 1 {
		t.Errorf("Expected 1 started deploy, got %v", got)
	}
	if got := counterValue(t, m, "stackd_active_deploys", nil); got != 1 {
		t.Errorf("Expected 1 active deploy, got %v", got)
	}

	m.RecordDeployCompleted("webstack", "succeeded", 2*time.Second)
	if got := counterValue(t, m, "stackd_deploys_completed_total", map[string]string{"stack": "webstack", "status": "succeeded"}); got != 1 {
		t.Errorf("Expected 1 completed deploy, got %v", got)
	}
	if got := counterValue(t, m, "stackd_active_deploys", nil); got != 0 {
		t.Errorf("Expected 0 active deploys, got %v", got)
	}
}

func TestMetrics_ServiceCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordServiceRestart("webstack", "app")
	m.RecordServiceRestart("webstack", "app")
	m.RecordServiceExit("webstack", "app", 137)
	m.RecordServiceExit("webstack", "store", 0)

	if got := counterValue(t, m, "stackd_service_restarts_total", map[string]string{"service": "app"}); got != 2 {
		t.Errorf("Expected 2 restarts, got %v", got)
	}
	if got := counterValue(t, m, "stackd_service_exits_total", map[string]string{"service": "app", "clean": "false"}); got != 1 {
		t.Errorf("Expected 1 crash exit, got %v", got)
	}
	if got := counterValue(t, m, "stackd_service_exits_total", map[string]string{"service": "store", "clean": "true"}); got != 1 {
		t.Errorf("Expected 1 clean exit, got %v", got)
	}
}

func TestMetrics_ProbeAttempt(t *testing.T) {
	m := newTestMetrics(t)

	m.ProbeAttempt("store", config.ProbePostgres, false, 50*time.Millisecond)
	m.ProbeAttempt("store", config.ProbePostgres, true, 10*time.Millisecond)

	if got := counterValue(t, m, "stackd_probe_attempts_total", map[string]string{"service": "store", "outcome": "not_ready"}); got != 1 {
		t.Errorf("Expected 1 not_ready attempt, got %v", got)
	}
	if got := counterValue(t, m, "stackd_probe_attempts_total", map[string]string{"service": "store", "outcome": "ready"}); got != 1 {
		t.Errorf("Expected 1 ready attempt, got %v", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// All recorders must be safe no-ops when disabled.
	m.RecordDeployStarted("webstack")
	m.RecordDeployCompleted("webstack", "succeeded", time.Second)
	m.RecordServiceRestart("webstack", "app")
	m.RecordServiceExit("webstack", "app", 0)
	m.ProbeAttempt("app", config.ProbeTCP, true, time.Millisecond)
	m.RecordError("runtime")
}

// appendRecorder implements the one StateManager method the bus exercises.
type appendRecorder struct {
	engine.StateManager
	events []*engine.Event
	err    error
}

func (r *appendRecorder) AppendEvent(_ context.Context, event *engine.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func TestEventBus_Publish(t *testing.T) {
	rec := &appendRecorder{}
	bus := NewEventBus(zerolog.Nop(), rec)

	var seen []engine.Event
	bus.Subscribe(func(event engine.Event) {
		seen = append(seen, event)
	})

	event := &engine.Event{
		Type:    engine.EventTypeServiceReady,
		Service: "store",
		Message: "store ready",
		Level:   "info",
	}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if event.ID == "" {
		t.Error("Expected an ID to be assigned")
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected a timestamp to be assigned")
	}
	if len(rec.events) != 1 {
		t.Fatalf("Expected 1 persisted event, got %d", len(rec.events))
	}
	if len(seen) != 1 || seen[0].Service != "store" {
		t.Errorf("Expected subscriber to see the event, got %v", seen)
	}
}

func TestEventBus_PersistFailureIsNonFatal(t *testing.T) {
	rec := &appendRecorder{err: context.DeadlineExceeded}
	bus := NewEventBus(zerolog.Nop(), rec)

	event := &engine.Event{Type: engine.EventTypeRunStarted, Message: "run started", Level: "info"}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Expected publish to swallow store errors, got: %v", err)
	}
}

func TestEventBus_NilStore(t *testing.T) {
	bus := NewEventBus(zerolog.Nop(), nil)

	event := &engine.Event{Type: engine.EventTypeRunStarted, Message: "run started", Level: "info"}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

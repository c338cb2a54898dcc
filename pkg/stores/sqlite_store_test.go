package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func TestSQLiteStore_SaveAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	run := &engine.Run{
		ID:        "run-1",
		PlanID:    "plan-1",
		Stack:     "webstack",
		Status:    engine.RunStatusRunning,
		StartedAt: started,
		Summary:   engine.RunSummary{Total: 3},
	}

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Completing the run upserts the same row.
	completed := started.Add(2 * time.Second)
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &completed
	run.Duration = 2 * time.Second
	run.Summary.Ready = 3
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", got.Status)
	}
	if got.Duration != 2*time.Second {
		t.Errorf("Expected 2s duration, got %s", got.Duration)
	}
	if got.Summary.Total != 3 || got.Summary.Ready != 3 {
		t.Errorf("Unexpected summary: %+v", got.Summary)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completed timestamp")
	}
}

func TestSQLiteStore_GetRun_NotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("Expected error for missing run")
	}
}

func TestSQLiteStore_ListRuns_MostRecentFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		run := &engine.Run{
			ID:        id,
			PlanID:    "plan-" + id,
			Stack:     "webstack",
			Status:    engine.RunStatusSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, "webstack", 2, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-mid" {
		t.Errorf("Expected newest first, got %s, %s", runs[0].ID, runs[1].ID)
	}

	other, err := store.ListRuns(ctx, "otherstack", 10, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no runs for other stack, got %d", len(other))
	}
}

func TestSQLiteStore_ServiceStateRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exitCode := 137
	state := &engine.ServiceState{
		Stack:       "webstack",
		Service:     "app",
		ContainerID: "ctr-app",
		Status:      engine.ServiceStatusReady,
		ConfigHash:  "abc123",
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	if err := store.SaveServiceState(ctx, state); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got, err := store.GetServiceState(ctx, "webstack", "app")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.ContainerID != "ctr-app" || got.ConfigHash != "abc123" {
		t.Errorf("Unexpected state: %+v", got)
	}
	if got.ExitCode != nil {
		t.Errorf("Expected no exit code, got %d", *got.ExitCode)
	}

	// Supervisor records the exit through the same upsert.
	state.Status = engine.ServiceStatusExited
	state.ExitCode = &exitCode
	state.Restarts = 2
	if err := store.SaveServiceState(ctx, state); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got, err = store.GetServiceState(ctx, "webstack", "app")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.Status != engine.ServiceStatusExited {
		t.Errorf("Expected exited, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 137 {
		t.Errorf("Expected exit code 137, got %v", got.ExitCode)
	}
	if got.Restarts != 2 {
		t.Errorf("Expected 2 restarts, got %d", got.Restarts)
	}
}

func TestSQLiteStore_ListServiceStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, svc := range []string{"store", "app", "cache"} {
		state := &engine.ServiceState{
			Stack:     "webstack",
			Service:   svc,
			Status:    engine.ServiceStatusReady,
			UpdatedAt: time.Now().UTC(),
		}
		if err := store.SaveServiceState(ctx, state); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	states, err := store.ListServiceStates(ctx, "webstack")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("Expected 3 states, got %d", len(states))
	}
	if states[0].Service != "app" || states[1].Service != "cache" || states[2].Service != "store" {
		t.Errorf("Expected alphabetical order, got %s, %s, %s",
			states[0].Service, states[1].Service, states[2].Service)
	}
}

func TestSQLiteStore_DeleteServiceState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := &engine.ServiceState{
		Stack:     "webstack",
		Service:   "worker",
		Status:    engine.ServiceStatusStopped,
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveServiceState(ctx, state); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := store.DeleteServiceState(ctx, "webstack", "worker"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := store.GetServiceState(ctx, "webstack", "worker"); err == nil {
		t.Fatal("Expected error after delete")
	}
	if err := store.DeleteServiceState(ctx, "webstack", "worker"); err == nil {
		t.Fatal("Expected error deleting missing state")
	}
}

func TestSQLiteStore_Events(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	events := []*engine.Event{
		{Type: engine.EventTypeRunStarted, Timestamp: base, RunID: "run-1", Message: "run started", Level: "info"},
		{Type: engine.EventTypeServiceReady, Timestamp: base.Add(time.Second), RunID: "run-1", Service: "store", Message: "store ready", Level: "info"},
		{Type: engine.EventTypeServiceReady, Timestamp: base.Add(2 * time.Second), RunID: "run-2", Service: "app", Message: "app ready", Level: "info"},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if ev.ID == "" {
			t.Error("Expected an ID to be assigned")
		}
	}

	runID := "run-1"
	got, err := store.ListEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events for run-1, got %d", len(got))
	}
	if got[0].Service != "store" {
		t.Errorf("Expected newest first, got %+v", got[0])
	}

	service := "app"
	got, err = store.ListEvents(ctx, nil, &service, 10, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "run-2" {
		t.Errorf("Expected the app event, got %+v", got)
	}
}

func TestSQLiteStore_HealthCheck_Uninitialized(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("Expected error before Init")
	}
}

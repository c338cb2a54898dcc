package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/stackd/stackd/pkg/config"
	"github.com/stackd/stackd/pkg/engine"
	"github.com/stackd/stackd/pkg/runtime"
	"github.com/stackd/stackd/pkg/stores"
	"github.com/stackd/stackd/pkg/telemetry"
	"github.com/stackd/stackd/pkg/transports/ssh"
)

// Settings is daemon-level configuration read from the environment.
// Per-stack configuration lives in the topology file; these knobs belong
// to the host stackd runs on.
type Settings struct {
	// StateDir holds the SQLite state database. Defaults to ~/.stackd.
	StateDir string `env:"STACKD_STATE_DIR"`

	// ProbeHost is the address readiness probes dial for published ports.
	ProbeHost string `env:"STACKD_PROBE_HOST" envDefault:"127.0.0.1"`

	// MetricsAddr enables the Prometheus endpoint when set (e.g. ":9090").
	MetricsAddr string `env:"STACKD_METRICS_ADDR"`

	// PolicyDir holds additional .rego policies loaded on top of the builtins.
	PolicyDir string `env:"STACKD_POLICY_DIR"`

	// RemoteHost switches the container runtime to docker over SSH.
	RemoteHost string `env:"STACKD_REMOTE_HOST"`

	// RemoteUser is the SSH user for the remote runtime.
	RemoteUser string `env:"STACKD_REMOTE_USER"`

	// RemoteKeyPath is the SSH private key for the remote runtime.
	RemoteKeyPath string `env:"STACKD_REMOTE_KEY"`

	// TraceExporter enables tracing when set ("otlp" or "stdout").
	TraceExporter string `env:"STACKD_TRACE_EXPORTER"`

	// TraceEndpoint is the collector endpoint for the otlp exporter.
	TraceEndpoint string `env:"STACKD_TRACE_ENDPOINT" envDefault:"localhost:4317"`
}

// loadSettings parses settings from the environment.
func loadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("failed to parse environment settings: %w", err)
	}
	if s.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return s, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		s.StateDir = filepath.Join(home, ".stackd")
	}
	return s, nil
}

// loadTopology loads and strictly validates the topology file.
func loadTopology(ctx context.Context, path string) (*config.Topology, error) {
	topo, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.NewValidator().ValidateStrict(ctx, topo); err != nil {
		return nil, err
	}
	return topo, nil
}

// openStore opens and migrates the state database under the state directory.
func openStore(ctx context.Context, s Settings) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(s.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            filepath.Join(s.StateDir, "state.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newTracer builds the deploy tracer. Tracing stays off unless an exporter
// is configured in the environment.
func newTracer(s Settings) (*telemetry.Tracer, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Tracing.Enabled = s.TraceExporter != ""
	if s.TraceExporter != "" {
		cfg.Tracing.Exporter = s.TraceExporter
	}
	cfg.Tracing.Endpoint = s.TraceEndpoint
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry settings: %w", err)
	}
	return telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
}

// newRuntime builds the container runtime: the local docker CLI by default,
// or docker over SSH when a remote host is configured. For remote sessions
// a file transfer is returned for staging bind-mount sources; it is nil for
// local runs. The returned cleanup function releases the transport.
func newRuntime(ctx context.Context, s Settings) (engine.ContainerRuntime, *ssh.FileTransfer, func(), error) {
	if s.RemoteHost == "" {
		return runtime.NewDockerRuntime(runtime.NewLocalExecutor()), nil, func() {}, nil
	}

	cfg := ssh.DefaultConfig(s.RemoteHost, s.RemoteUser)
	if s.RemoteKeyPath != "" {
		cfg.PrivateKeyPath = s.RemoteKeyPath
	}

	client, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to configure SSH transport: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", s.RemoteHost, err)
	}

	cleanup := func() { _ = client.Disconnect() }
	return runtime.NewDockerRuntime(ssh.NewExecutor(client)), ssh.NewFileTransfer(client), cleanup, nil
}

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackd/stackd/pkg/config"
	"github.com/stackd/stackd/pkg/engine"
	"github.com/stackd/stackd/pkg/policy"
	"github.com/stackd/stackd/pkg/probe"
	"github.com/stackd/stackd/pkg/runtime"
	"github.com/stackd/stackd/pkg/stores"
	"github.com/stackd/stackd/pkg/telemetry"
	"github.com/stackd/stackd/pkg/transports/ssh"
)

func newUpCommand() *cobra.Command {
	var (
		detach      bool
		dev         bool
		dryRun      bool
		maxParallel int
		failFast    bool
		skipPolicy  bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Deploy the stack",
		Long: `Deploy the stack described by the topology file.

This command:
  - Loads and validates the topology
  - Evaluates policies against it
  - Plans the work by diffing against recorded state
  - Builds images for services with a build context
  - Starts services level by level, gating each level on readiness probes
  - Supervises restarts and syncs source changes when not detached`,
		Example: `  # Deploy and stay attached, supervising restarts
  stackd up

  # Deploy with live source sync and rebuild on change
  stackd up --dev

  # Deploy and return immediately
  stackd up --detach

  # Show what would be done without touching the runtime
  stackd up --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			topo, err := loadTopology(ctx, stackFile)
			if err != nil {
				return err
			}

			log.Info().
				Str("stack", topo.Name).
				Int("services", len(topo.Services)).
				Bool("dev", dev).
				Msg("Deploying stack")

			if !skipPolicy {
				if err := enforcePolicies(ctx, settings, topo, "up"); err != nil {
					return err
				}
			}

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rt, transfer, cleanup, err := newRuntime(ctx, settings)
			if err != nil {
				return err
			}
			defer cleanup()

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       settings.MetricsAddr != "",
				ListenAddress: settings.MetricsAddr,
				Path:          "/metrics",
				Namespace:     "stackd",
			})
			if err != nil {
				return err
			}
			if settings.MetricsAddr != "" {
				if err := metrics.StartMetricsServer(); err != nil {
					return err
				}
			}

			bus := telemetry.NewEventBus(
				telemetry.FromContext(ctx).NewComponentLogger("events").Zerolog(), store)

			registry := probe.NewRegistry()
			registry.SetObserver(metrics)

			planner := engine.NewPlanner(store)
			plan, err := planner.Plan(ctx, topo)
			if err != nil {
				return err
			}

			if dryRun {
				printPlan(plan)
				return nil
			}

			if transfer != nil {
				if err := stageRemoteMounts(ctx, transfer, topo); err != nil {
					return err
				}
			}

			tracer, err := newTracer(settings)
			if err != nil {
				return err
			}
			defer func() { _ = tracer.Shutdown(context.Background()) }()

			deployer := engine.NewDeployer(rt, registry, store, bus)

			metrics.RecordDeployStarted(topo.Name)
			spanCtx, span := tracer.StartSpan(ctx, "deploy.run",
				telemetry.AttrStack.String(topo.Name))
			run, err := deployer.Up(spanCtx, topo, plan, engine.DeployOptions{
				MaxParallel: maxParallel,
				FailFast:    failFast,
				ProbeHost:   settings.ProbeHost,
			})
			if run != nil {
				span.SetAttributes(telemetry.AttrRunID.String(run.ID))
				metrics.RecordDeployCompleted(topo.Name, string(run.Status), run.Duration)
			}
			if err != nil {
				telemetry.RecordError(span, err)
				span.End()
				if engine.IsRetryable(err) {
					log.Warn().Msg("Failure looks transient, rerunning `stackd up` may succeed")
				}
				return err
			}
			telemetry.RecordSuccess(span)
			span.End()

			fmt.Printf("Run %s: %s (%d ready, %d failed, %d skipped)\n",
				run.ID, run.Status,
				run.Summary.Ready, run.Summary.Failed, run.Summary.Skipped)

			if run.Status == engine.RunStatusFailed {
				return fmt.Errorf("deployment failed: %d of %d services did not come up",
					run.Summary.Failed+run.Summary.Skipped, run.Summary.Total)
			}

			if err := removeOrphans(ctx, rt, store, planner, topo); err != nil {
				log.Warn().Err(err).Msg("Failed to clean up undeclared services")
			}

			if detach {
				return nil
			}

			return attach(ctx, attachParams{
				settings: settings,
				topo:     topo,
				store:    store,
				runtime:  rt,
				bus:      bus,
				metrics:  metrics,
				registry: registry,
				dev:      dev,
			})
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return after deployment instead of supervising")
	cmd.Flags().BoolVar(&dev, "dev", false, "sync source changes into containers and rebuild on build input changes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without touching the runtime")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "max concurrent service starts within a level")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "abort remaining levels on the first failure")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip policy evaluation")

	return cmd
}

// enforcePolicies evaluates builtin and configured policies against the
// topology and fails on error-severity violations.
func enforcePolicies(ctx context.Context, settings Settings, topo *config.Topology, operation string) error {
	pol, err := policy.NewEngine(telemetry.FromContext(ctx).NewComponentLogger("policy").Zerolog())
	if err != nil {
		return err
	}
	if settings.PolicyDir != "" {
		if err := pol.LoadPolicies(ctx, []string{settings.PolicyDir}); err != nil {
			return err
		}
	}

	result, err := pol.Evaluate(ctx, *topo, operation)
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		evt := log.Warn()
		if v.Severity == policy.SeverityError {
			evt = log.Error()
		}
		evt.Str("policy", v.Policy).
			Str("service", v.Service).
			Msg(v.Message)
	}

	if !result.Allowed {
		return fmt.Errorf("topology rejected by policy: %d violation(s)", len(result.Errors()))
	}
	return nil
}

// stageRemoteMounts mirrors every service's bind-mount sources onto the
// remote docker host at the same paths, so the container binds resolve
// there. Sources were validated to exist locally at load time.
func stageRemoteMounts(ctx context.Context, transfer *ssh.FileTransfer, topo *config.Topology) error {
	for i := range topo.Services {
		svc := &topo.Services[i]
		for _, mount := range svc.Volumes {
			info, err := os.Stat(mount.Source)
			if err != nil {
				return fmt.Errorf("bind source %s: %w", mount.Source, err)
			}
			if info.IsDir() {
				err = transfer.UploadDirectory(ctx, mount.Source, mount.Source)
			} else {
				err = transfer.UploadFile(ctx, mount.Source, mount.Source, uint32(info.Mode().Perm()))
			}
			if err != nil {
				return fmt.Errorf("failed to stage %s for service %s: %w", mount.Source, svc.Name, err)
			}
			log.Debug().
				Str("service", svc.Name).
				Str("path", mount.Source).
				Msg("Staged bind mount on remote host")
		}
	}
	return nil
}

// removeOrphans stops and forgets recorded services the topology no longer
// declares. A service renamed in the file would otherwise keep its old
// container running forever.
func removeOrphans(ctx context.Context, rt engine.ContainerRuntime, store *stores.SQLiteStore, planner *engine.Planner, topo *config.Topology) error {
	orphans, err := planner.RemovalUnits(ctx, topo)
	if err != nil {
		return err
	}

	for _, unit := range orphans {
		state, err := store.GetServiceState(ctx, topo.Name, unit.Service)
		if err == nil && state != nil && state.ContainerID != "" {
			_ = rt.Stop(ctx, state.ContainerID)
			_ = rt.Remove(ctx, state.ContainerID)
		}
		if err := store.DeleteServiceState(ctx, topo.Name, unit.Service); err != nil {
			return err
		}
		log.Info().Str("service", unit.Service).Msg("Removed service no longer declared")
	}
	return nil
}

// attachParams carries the wiring for the post-deploy supervision session.
type attachParams struct {
	settings Settings
	topo     *config.Topology
	store    *stores.SQLiteStore
	runtime  engine.ContainerRuntime
	bus      *telemetry.EventBus
	metrics  *telemetry.Metrics
	registry *probe.Registry
	dev      bool
}

// attach supervises the deployed services until the context is cancelled.
// With dev enabled it additionally mirrors source changes into containers
// and rebuilds services whose build inputs change.
func attach(ctx context.Context, p attachParams) error {
	supervisor := engine.NewSupervisor(p.runtime, p.store, p.bus)
	supervisor.SetListener(metricsListener{m: p.metrics})
	defer supervisor.Close()

	states, err := p.store.ListServiceStates(ctx, p.topo.Name)
	if err != nil {
		return err
	}

	containerIDs := make(map[string]string, len(states))
	for _, state := range states {
		if state.ContainerID == "" || !state.Status.IsHealthy() {
			continue
		}
		containerIDs[state.Service] = state.ContainerID
		if err := supervisor.Watch(ctx, p.topo, state.Service, state.ContainerID); err != nil {
			log.Warn().Err(err).Str("service", state.Service).Msg("Failed to supervise service")
		}
	}

	if !p.dev {
		log.Info().Str("stack", p.topo.Name).Msg("Supervising, press Ctrl-C to stop")
		<-ctx.Done()
		return nil
	}

	syncer, err := runtime.NewSyncer(p.runtime,
		telemetry.FromContext(ctx).NewComponentLogger("sync").Zerolog())
	if err != nil {
		return err
	}
	syncer.Rebuild = func(ctx context.Context, service string) error {
		return rebuildService(ctx, p, supervisor, syncer, service)
	}

	for i := range p.topo.Services {
		svc := p.topo.Services[i]
		id, ok := containerIDs[svc.Name]
		if !ok {
			continue
		}
		if err := syncer.Add(svc, id); err != nil {
			return err
		}
	}

	log.Info().Str("stack", p.topo.Name).Msg("Dev session started, press Ctrl-C to stop")
	return syncer.Run(ctx)
}

// rebuildService rebuilds a service's image and redeploys it after a build
// input change. The recorded state is cleared first so the planner treats
// the service as a fresh create.
func rebuildService(ctx context.Context, p attachParams, supervisor *engine.Supervisor, syncer *runtime.Syncer, service string) error {
	svc, ok := p.topo.ServiceByName(service)
	if !ok {
		return fmt.Errorf("service %s not declared", service)
	}

	supervisor.Unwatch(service)

	state, err := p.store.GetServiceState(ctx, p.topo.Name, service)
	if err == nil && state != nil && state.ContainerID != "" {
		_ = p.runtime.Stop(ctx, state.ContainerID)
		_ = p.runtime.Remove(ctx, state.ContainerID)
	}
	if err := p.store.DeleteServiceState(ctx, p.topo.Name, service); err != nil {
		return err
	}

	planner := engine.NewPlanner(p.store)
	plan, err := planner.Plan(ctx, p.topo)
	if err != nil {
		return err
	}

	deployer := engine.NewDeployer(p.runtime, p.registry, p.store, p.bus)
	run, err := deployer.Up(ctx, p.topo, plan, engine.DeployOptions{
		MaxParallel: 1,
		ProbeHost:   p.settings.ProbeHost,
	})
	if err != nil {
		return err
	}
	if run.Summary.Failed > 0 {
		return fmt.Errorf("service %s did not come back up after rebuild", service)
	}

	fresh, err := p.store.GetServiceState(ctx, p.topo.Name, service)
	if err != nil {
		return err
	}
	if err := supervisor.Watch(ctx, p.topo, service, fresh.ContainerID); err != nil {
		return err
	}
	return syncer.Add(*svc, fresh.ContainerID)
}

// metricsListener feeds supervisor decisions into Prometheus counters.
type metricsListener struct {
	m *telemetry.Metrics
}

func (l metricsListener) ServiceRestarted(stack, service string) {
	l.m.RecordServiceRestart(stack, service)
}

func (l metricsListener) ServiceExited(stack, service string, code int) {
	l.m.RecordServiceExit(stack, service, code)
}

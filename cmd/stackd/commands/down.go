package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackd/stackd/pkg/config"
	"github.com/stackd/stackd/pkg/engine"
	"github.com/stackd/stackd/pkg/probe"
	"github.com/stackd/stackd/pkg/telemetry"
)

func newDownCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Tear down the stack",
		Long: `Stop and remove the stack's containers in reverse dependency order,
so nothing is torn down while a dependent still runs. The declared
networks are removed last.`,
		Example: `  # Tear down the stack declared in stack.yaml
  stackd down

  # Tear down another stack
  stackd down -f staging.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			// No strict validation here: teardown must work even when
			// mounted host files have already been deleted.
			topo, err := config.NewLoader().Load(stackFile)
			if err != nil {
				return err
			}

			log.Info().
				Str("stack", topo.Name).
				Int("services", len(topo.Services)).
				Msg("Tearing down stack")

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rt, _, cleanup, err := newRuntime(ctx, settings)
			if err != nil {
				return err
			}
			defer cleanup()

			bus := telemetry.NewEventBus(
				telemetry.FromContext(ctx).NewComponentLogger("events").Zerolog(), store)
			deployer := engine.NewDeployer(rt, probe.NewRegistry(), store, bus)

			if err := deployer.Down(ctx, topo); err != nil {
				return err
			}

			fmt.Printf("Stack %s is down\n", topo.Name)
			return nil
		},
	}

	return cmd
}

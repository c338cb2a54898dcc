package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackd/stackd/pkg/config"
)

func newLogsCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show a service's container logs",
		Long: `Stream the logs of a service's container. The container is looked up
from recorded state, so the stack must have been deployed from this host.`,
		Example: `  # Print the app service's logs
  stackd logs app

  # Follow the store service's logs
  stackd logs store --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			service := args[0]

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			topo, err := config.NewLoader().Load(stackFile)
			if err != nil {
				return err
			}
			if _, ok := topo.ServiceByName(service); !ok {
				return fmt.Errorf("service %s is not declared in %s", service, stackFile)
			}

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			state, err := store.GetServiceState(ctx, topo.Name, service)
			if err != nil {
				return err
			}
			if state == nil || state.ContainerID == "" {
				return fmt.Errorf("service %s has no recorded container", service)
			}

			rt, _, cleanup, err := newRuntime(ctx, settings)
			if err != nil {
				return err
			}
			defer cleanup()

			stream, err := rt.Logs(ctx, state.ContainerID, follow)
			if err != nil {
				return err
			}
			defer func() { _ = stream.Close() }()

			_, err = io.Copy(os.Stdout, stream)
			return err
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "follow log output")

	return cmd
}

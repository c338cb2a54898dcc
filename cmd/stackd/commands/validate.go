package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackd/stackd/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var skipPolicy bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the topology file",
		Long: `Validate the topology file without deploying anything.

This command:
  - Parses the topology and its env file
  - Rejects undefined variable references
  - Checks structural rules (network references, dependency targets,
    mount paths, probe configuration)
  - Evaluates policies and reports violations`,
		Example: `  # Validate the default stack.yaml
  stackd validate

  # Validate another file, skipping policy checks
  stackd validate -f staging.yaml --skip-policy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().Str("file", stackFile).Msg("Validating topology")

			topo, err := config.NewLoader().Load(stackFile)
			if err != nil {
				return err
			}

			errs := config.NewValidator().Validate(ctx, topo)
			if jsonOutput {
				out, merr := json.MarshalIndent(errs, "", "  ")
				if merr != nil {
					return merr
				}
				fmt.Println(string(out))
			} else {
				for _, verr := range errs {
					fmt.Fprintf(os.Stderr, "error: %s\n", verr.Error())
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("topology is invalid: %d error(s)", len(errs))
			}

			if !skipPolicy {
				settings, err := loadSettings()
				if err != nil {
					return err
				}
				if err := enforcePolicies(ctx, settings, topo, "validate"); err != nil {
					return err
				}
			}

			fmt.Printf("Topology %s is valid: %d service(s), %d network(s)\n",
				topo.Name, len(topo.Services), len(topo.Networks))
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip policy evaluation")

	return cmd
}

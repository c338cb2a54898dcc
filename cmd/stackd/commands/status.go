package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackd/stackd/pkg/config"
)

func newStatusCommand() *cobra.Command {
	var stack string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded service state",
		Long: `Show the recorded state of the stack's services: lifecycle status,
container ID, restart count, and last exit code. State is read from the
local database; it reflects the last observation, not a live runtime query.`,
		Example: `  # Status of the stack declared in stack.yaml
  stackd status

  # Status of a named stack without a topology file
  stackd status --stack webstack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			if stack == "" {
				topo, err := config.NewLoader().Load(stackFile)
				if err != nil {
					return fmt.Errorf("no --stack given and %s could not be read: %w", stackFile, err)
				}
				stack = topo.Name
			}

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			states, err := store.ListServiceStates(ctx, stack)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, merr := json.MarshalIndent(states, "", "  ")
				if merr != nil {
					return merr
				}
				fmt.Println(string(out))
				return nil
			}

			if len(states) == 0 {
				fmt.Printf("No recorded state for stack %s\n", stack)
				return nil
			}

			runs, err := store.ListRuns(ctx, stack, 1, 0)
			if err != nil {
				return err
			}
			if len(runs) > 0 {
				last := runs[0]
				status := string(last.Status)
				if last.Status.IsActive() {
					status += " (in progress)"
				}
				fmt.Printf("Stack %s, last run %s: %s (%s)\n\n",
					stack, last.ID, status, last.StartedAt.Format("2006-01-02 15:04:05"))
			}

			fmt.Printf("  %-20s %-12s %-14s %-9s %s\n", "SERVICE", "STATUS", "CONTAINER", "RESTARTS", "EXIT")
			for _, state := range states {
				exit := "-"
				if state.ExitCode != nil {
					exit = fmt.Sprintf("%d", *state.ExitCode)
				}
				id := state.ContainerID
				if len(id) > 12 {
					id = id[:12]
				}
				fmt.Printf("  %-20s %-12s %-14s %-9d %s\n",
					state.Service, state.Status, id, state.Restarts, exit)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stack, "stack", "", "stack name (defaults to the topology file's name)")

	return cmd
}

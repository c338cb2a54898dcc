package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackd/stackd/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a deployment would do",
		Long: `Diff the topology against recorded state and show the resulting plan:
which containers would be created, recreated, started, or left alone, and
in which dependency order. Nothing is changed.`,
		Example: `  # Show the plan for the default stack.yaml
  stackd plan

  # Emit the dependency graph in Graphviz DOT format
  stackd plan --dot | dot -Tsvg -o stack.svg`,
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

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			plan, err := engine.NewPlanner(store).Plan(ctx, topo)
			if err != nil {
				return err
			}

			log.Debug().
				Str("plan", plan.ID).
				Int("units", len(plan.Units)).
				Msg("Plan computed")

			switch {
			case dot:
				fmt.Println(plan.Graph.ToDOT())
			case jsonOutput:
				out, merr := json.MarshalIndent(plan, "", "  ")
				if merr != nil {
					return merr
				}
				fmt.Println(string(out))
			default:
				printPlan(plan)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "emit the dependency graph in DOT format")

	return cmd
}

// printPlan writes a human-readable plan summary to stdout.
func printPlan(plan *engine.Plan) {
	fmt.Printf("Plan for stack %s (%d service(s)):\n\n", plan.Stack, plan.Summary.TotalServices)
	mutating := 0
	for _, unit := range plan.Units {
		// Destructive operations replace a running container.
		marker := " "
		if unit.Operation.IsDestructive() {
			marker = "!"
		}
		if unit.Operation.IsMutating() {
			mutating++
		}
		fmt.Printf(" %s[%d] %-9s %-20s %s\n",
			marker, unit.ExecutionOrder, unit.Operation, unit.Service, unit.Reason)
	}
	fmt.Printf("\n%d to create, %d to recreate, %d to start, %d unchanged\n",
		plan.Summary.ToCreate, plan.Summary.ToRecreate,
		plan.Summary.ToStart, plan.Summary.NoChange)
	if mutating == 0 {
		fmt.Println("Stack already converged, nothing to do")
	}
}

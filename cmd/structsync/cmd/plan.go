package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/caldren/structsync/internal/orchestrate"
	"github.com/caldren/structsync/internal/render"
)

var (
	planPrune  bool
	planServer string
	planOnly   string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what apply would change, without changing anything",
	Long: `Fetches live state from every configured server and the routing store,
diffs it against the desired-state document, and prints the resulting
action list. Nothing is mutated and no snapshot is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, err := buildOrchestrator(cfg)
		if err != nil {
			return err
		}

		scope, err := parseScope(planOnly)
		if err != nil {
			return err
		}

		report, err := orch.Apply(cmd.Context(), orchestrate.Options{
			DryRun: true,
			Prune:  planPrune,
			Server: planServer,
			Scope:  scope,
		})
		if err != nil {
			return err
		}

		if jsonOut {
			return render.JSON(os.Stdout, report)
		}
		render.Human(os.Stdout, report, verbose)
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVar(&planPrune, "prune", false, "plan deletion of unmanaged resources")
	planCmd.Flags().StringVar(&planServer, "server", "", "restrict to one configured server")
	planCmd.Flags().StringVar(&planOnly, "only", "", "restrict to resource types (comma-separated: categories,channels,threads,bindings)")

	rootCmd.AddCommand(planCmd)
}

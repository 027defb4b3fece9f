package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caldren/structsync/internal/orchestrate"
	"github.com/caldren/structsync/internal/render"
)

var (
	applyPrune      bool
	applyServer     string
	applyOnly       string
	applyYes        bool
	applyNoSnapshot bool
	applyDryRun     bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the desired-state document to every configured server",
	Long: `Diffs live state against the desired-state document and executes the
resulting actions: creates and updates first, deletes second. A snapshot
of the pre-mutation state is written before anything changes. Servers
fail independently; one unreachable server never blocks the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, err := buildOrchestrator(cfg)
		if err != nil {
			return err
		}

		scope, err := parseScope(applyOnly)
		if err != nil {
			return err
		}

		opts := orchestrate.Options{
			Prune:    applyPrune,
			Server:   applyServer,
			Scope:    scope,
			Snapshot: !applyNoSnapshot,
		}

		if applyDryRun {
			opts.DryRun = true
			report, err := orch.Apply(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if jsonOut {
				return render.JSON(os.Stdout, report)
			}
			render.Human(os.Stdout, report, verbose)
			return nil
		}

		if !applyYes {
			preview, err := orch.Apply(cmd.Context(), orchestrate.Options{
				DryRun: true,
				Prune:  applyPrune,
				Server: applyServer,
				Scope:  scope,
			})
			if err != nil {
				return err
			}
			render.Human(os.Stdout, preview, verbose)

			mutations := 0
			for _, t := range preview.Targets {
				mutations += t.Result.Mutations()
			}
			if mutations == 0 {
				return nil
			}
			if !confirm(fmt.Sprintf("Apply %d change(s)?", mutations)) {
				info("Aborted.")
				return nil
			}
		}

		report, err := orch.Apply(cmd.Context(), opts)
		if err != nil {
			return err
		}

		if jsonOut {
			if err := render.JSON(os.Stdout, report); err != nil {
				return err
			}
		} else {
			render.Human(os.Stdout, report, verbose)
		}

		if !report.OK() {
			return fmt.Errorf("%d server(s) failed", len(report.Failures()))
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyPrune, "prune", false, "delete unmanaged resources")
	applyCmd.Flags().StringVar(&applyServer, "server", "", "restrict to one configured server")
	applyCmd.Flags().StringVar(&applyOnly, "only", "", "restrict to resource types (comma-separated: categories,channels,threads,bindings)")
	applyCmd.Flags().BoolVar(&applyYes, "yes", false, "skip the confirmation prompt")
	applyCmd.Flags().BoolVar(&applyNoSnapshot, "no-snapshot", false, "skip writing the pre-mutation snapshot")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "show what would change without mutating anything")

	rootCmd.AddCommand(applyCmd)
}

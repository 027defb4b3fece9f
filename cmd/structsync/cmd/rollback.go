package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caldren/structsync/internal/render"
	"github.com/caldren/structsync/pkg/structsync"
)

var rollbackYes bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore every server to the state captured in the last snapshot",
	Long: `Loads the most recent snapshot and walks each captured server back to
it, undoing everything the last apply changed and removing anything
added since. Drift that happened outside structsync is reported before
the confirmation so nothing is reverted blindly. A fresh snapshot of the
pre-rollback state is written first, so a rollback can itself be rolled
back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, err := buildOrchestrator(cfg)
		if err != nil {
			return err
		}

		plan, err := orch.PlanRollback(cmd.Context())
		if err != nil {
			return err
		}

		info("Snapshot from %s (config %s)", plan.Snapshot.Timestamp.Format("2006-01-02 15:04:05 MST"), plan.Snapshot.ConfigHash)

		mutations := 0
		for _, t := range plan.Targets {
			info("%s (%s)", t.Server, t.TargetID)
			if t.Failed != nil {
				errorf("%s", t.Failed)
				continue
			}
			shown := 0
			for _, a := range t.Result.Actions {
				if a.Type == structsync.ActionNoop {
					continue
				}
				info("  %s %s %s", a.Type, a.Resource, a.Name)
				shown++
				mutations++
			}
			if shown == 0 {
				info("  already matches the snapshot")
			}
		}

		render.HumanDrift(os.Stdout, plan.Drift)

		if mutations == 0 {
			info("Nothing to roll back.")
			return nil
		}

		if !rollbackYes && !confirm(fmt.Sprintf("Roll back %d change(s)?", mutations)) {
			info("Aborted.")
			return nil
		}

		report, err := orch.ExecuteRollback(cmd.Context(), plan)
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
	rollbackCmd.Flags().BoolVar(&rollbackYes, "yes", false, "skip the confirmation prompt")

	rootCmd.AddCommand(rollbackCmd)
}

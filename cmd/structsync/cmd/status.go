package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caldren/structsync/internal/orchestrate"
	"github.com/caldren/structsync/internal/render"
	"github.com/caldren/structsync/internal/snapshot"
	"github.com/caldren/structsync/pkg/structsync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-server convergence state at a glance",
	Long: `Fetches live state from every configured server and prints one line per
server: whether it matches the desired-state document, how many changes
a plain apply would make, and how many live resources are unmanaged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		orch, err := buildOrchestrator(cfg)
		if err != nil {
			return err
		}

		report, err := orch.Apply(cmd.Context(), orchestrate.Options{DryRun: true})
		if err != nil {
			return err
		}

		if jsonOut {
			return render.JSON(os.Stdout, report)
		}

		fmt.Printf("%-16s %-20s %-12s %-10s %s\n", "SERVER", "TARGET", "STATE", "PENDING", "UNMANAGED")
		for i := range report.Targets {
			t := &report.Targets[i]

			state := "in sync"
			pending := t.Result.Mutations()
			if t.Failed != nil {
				state = "unreachable"
			} else if pending > 0 {
				state = "diverged"
			}
			fmt.Printf("%-16s %-20s %-12s %-10d %d\n", t.Server, t.TargetID, state, pending, len(t.Result.Unmanaged))

			if verbose {
				for _, a := range t.Result.Actions {
					if a.Type == structsync.ActionNoop {
						continue
					}
					detail("%s %s %s", a.Type, a.Resource, a.Name)
				}
			}
		}

		snapPath := snapshot.PathFor(configPath)
		if _, present, _ := snapshot.Load(snapPath); present {
			info("\nsnapshot available at %s", snapPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

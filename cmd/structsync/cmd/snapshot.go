package cmd

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/caldren/structsync/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect the snapshot that rollback would restore",
	Long: `Shows the stored snapshot for the current config: when it was taken,
which config content it matched, and what each captured server held.
With --json the raw snapshot document is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := snapshot.PathFor(configPath)
		snap, present, err := snapshot.Load(path)
		if err != nil {
			return err
		}
		if !present {
			info("No snapshot at %s.", path)
			info("One is written automatically by the next apply.")
			return nil
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		info("Snapshot %s", path)
		info("  taken:  %s", snap.Timestamp.Format("2006-01-02 15:04:05 MST"))
		info("  config: %s", snap.ConfigHash)

		names := make([]string, 0, len(snap.Servers))
		for name := range snap.Servers {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			sc := snap.Servers[name]
			info("  %s (%s): %d categories, %d channels, %d threads",
				name, sc.TargetID,
				len(sc.WorkspaceState.Categories),
				len(sc.WorkspaceState.Channels),
				len(sc.WorkspaceState.Threads))
			if verbose {
				for _, ch := range sc.WorkspaceState.Channels {
					detail("channel %s (%s)", ch.Name, ch.ID)
				}
				for _, th := range sc.WorkspaceState.Threads {
					detail("thread  %s (%s)", th.Name, th.ID)
				}
			}
		}
		info("  routing: %d binding(s)", len(snap.RoutingState.Bindings))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

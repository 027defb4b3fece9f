// Package render turns orchestration reports into human-readable or
// JSON output. Both representations derive from the same in-memory
// report; rendering never re-runs reconciliation.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/caldren/structsync/internal/orchestrate"
	"github.com/caldren/structsync/pkg/structsync"
)

var actionMarks = map[structsync.ActionType]string{
	structsync.ActionCreate: "+",
	structsync.ActionUpdate: "~",
	structsync.ActionDelete: "-",
	structsync.ActionNoop:   "=",
}

// Human writes the report in the line-per-action format. Noops are
// elided unless verbose is set.
func Human(w io.Writer, report *orchestrate.Report, verbose bool) {
	if report.DryRun {
		fmt.Fprintln(w, "Dry run — no changes applied.")
	}

	for i := range report.Targets {
		t := &report.Targets[i]
		fmt.Fprintf(w, "%s (%s)\n", t.Server, t.TargetID)

		shown := 0
		for _, a := range t.Result.Actions {
			if a.Type == structsync.ActionNoop && !verbose {
				continue
			}
			line := fmt.Sprintf("  %s %-6s %-8s %s", actionMarks[a.Type], a.Type, a.Resource, a.Name)
			if detail := fieldChanges(a); detail != "" {
				line += "  " + detail
			}
			fmt.Fprintln(w, line)
			shown++
		}
		if shown == 0 && t.Failed == nil {
			fmt.Fprintln(w, "  no changes")
		}

		printRenameNote(w, t.Result.Actions)

		if len(t.Result.Unmanaged) > 0 {
			fmt.Fprintln(w, "  unmanaged:")
			for _, u := range t.Result.Unmanaged {
				line := fmt.Sprintf("    %-8s %s (id %s)", u.Resource, u.Name, u.ID)
				if u.Topic != "" {
					line += fmt.Sprintf("  topic: %q", u.Topic)
				}
				fmt.Fprintln(w, line)
			}
		}

		for _, warning := range t.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warning)
		}

		if t.Failed != nil {
			fmt.Fprintf(w, "  FAILED at %s: %v\n", t.Failed.Stage, t.Failed.Err)
			fmt.Fprintf(w, "    applied %d action(s) before the failure — run 'structsync rollback' to restore the last snapshot\n", t.Applied)
		}
	}

	ok := 0
	for i := range report.Targets {
		if report.Targets[i].OK() {
			ok++
		}
	}
	fmt.Fprintf(w, "\n%d server(s): %d ok, %d failed.\n", len(report.Targets), ok, len(report.Targets)-ok)
	if report.SnapshotPath != "" {
		fmt.Fprintf(w, "snapshot: %s\n", report.SnapshotPath)
	}
}

// fieldChanges renders an action's sparse before/after maps as
// "key: old -> new" pairs, keys sorted.
func fieldChanges(a structsync.Action) string {
	if a.Type == structsync.ActionNoop || (len(a.Before) == 0 && len(a.After) == 0) {
		return ""
	}

	keys := make(map[string]bool)
	for k := range a.Before {
		keys[k] = true
	}
	for k := range a.After {
		keys[k] = true
	}
	delete(keys, "id")
	delete(keys, "name")

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var parts []string
	for _, k := range ordered {
		before, hasBefore := a.Before[k]
		after, hasAfter := a.After[k]
		switch {
		case hasBefore && hasAfter:
			parts = append(parts, fmt.Sprintf("%s: %v -> %v", k, quoted(before), quoted(after)))
		case hasAfter:
			parts = append(parts, fmt.Sprintf("%s: %v", k, quoted(after)))
		case hasBefore:
			parts = append(parts, fmt.Sprintf("%s: %v", k, quoted(before)))
		}
	}
	return strings.Join(parts, ", ")
}

func quoted(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}

// printRenameNote flags delete+create churn within one resource type.
// Renames are not detected; a renamed resource is torn down and rebuilt,
// which loses transient content like pins.
func printRenameNote(w io.Writer, actions []structsync.Action) {
	creates := make(map[structsync.ResourceType]bool)
	deletes := make(map[structsync.ResourceType]bool)
	for _, a := range actions {
		switch a.Type {
		case structsync.ActionCreate:
			creates[a.Resource] = true
		case structsync.ActionDelete:
			deletes[a.Resource] = true
		}
	}
	var churned []string
	for rt := range creates {
		if deletes[rt] && rt != structsync.ResourceBinding {
			churned = append(churned, string(rt))
		}
	}
	if len(churned) == 0 {
		return
	}
	sort.Strings(churned)
	fmt.Fprintf(w, "  note: %s delete+create pairs may be renames; renames are not detected and transient content on the deleted resource is lost\n",
		strings.Join(churned, ", "))
}

// HumanDrift writes drift warnings ahead of a rollback confirmation.
func HumanDrift(w io.Writer, drift []orchestrate.DriftEntry) {
	if len(drift) == 0 {
		return
	}
	fmt.Fprintln(w, "Drift detected — these resources changed outside the last managed apply:")
	for _, d := range drift {
		fmt.Fprintf(w, "  %s: %s %s (rollback would %s, current config expects %s)\n",
			d.Server, d.Resource, d.Name, d.RollbackVerdict, d.ConfigVerdict)
	}
}

type jsonTarget struct {
	Server    string                         `json:"server"`
	TargetID  string                         `json:"targetId"`
	Actions   []structsync.Action            `json:"actions"`
	Unmanaged []structsync.UnmanagedResource `json:"unmanaged,omitempty"`
	Warnings  []string                       `json:"warnings,omitempty"`
	Applied   int                            `json:"applied"`
	Error     string                         `json:"error,omitempty"`
}

type jsonReport struct {
	DryRun       bool         `json:"dryRun"`
	SnapshotPath string       `json:"snapshotPath,omitempty"`
	OK           bool         `json:"ok"`
	Servers      []jsonTarget `json:"servers"`
}

// JSON writes the machine-readable form of the report.
func JSON(w io.Writer, report *orchestrate.Report) error {
	out := jsonReport{
		DryRun:       report.DryRun,
		SnapshotPath: report.SnapshotPath,
		OK:           report.OK(),
	}
	for i := range report.Targets {
		t := &report.Targets[i]
		jt := jsonTarget{
			Server:    t.Server,
			TargetID:  t.TargetID,
			Actions:   t.Result.Actions,
			Unmanaged: t.Result.Unmanaged,
			Warnings:  t.Warnings,
			Applied:   t.Applied,
		}
		if t.Failed != nil {
			jt.Error = t.Failed.Error()
		}
		out.Servers = append(out.Servers, jt)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Package orchestrate sequences fetch, snapshot, reconcile, two-phase
// apply and verify across one or more targets, with per-target failure
// isolation. It also houses the rollback engine.
package orchestrate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/caldren/structsync/internal/provider"
	"github.com/caldren/structsync/pkg/structsync"
)

// Target is one independently reconciled workspace plus its provider.
// All targets share one routing store.
type Target struct {
	Name      string
	ID        string
	Desired   structsync.ServerDesiredState
	Warnings  []string
	Workspace provider.WorkspaceProvider
}

// Orchestrator drives apply and rollback over a set of targets. Targets
// are processed strictly serially: they share one connection identity
// and remote rate limits are keyed on it.
type Orchestrator struct {
	Targets      []Target
	Routing      provider.RoutingProvider
	SnapshotPath string
	ConfigHash   string
	Log          zerolog.Logger

	// Now is the snapshot timestamp source, injectable for tests.
	// time.Now when nil.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// TargetError records a failure at one stage of one target's pipeline.
// It never aborts sibling targets.
type TargetError struct {
	Server string
	Stage  provider.Stage
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("server %s: %s failed: %v", e.Server, e.Stage, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// TargetReport is the per-target outcome of an apply or rollback.
type TargetReport struct {
	Server   string
	TargetID string
	Warnings []string
	Result   structsync.ReconcileResult

	// Applied counts actions in fully completed provider batches before
	// any failure. Within-batch partial progress is not observable
	// through the provider contract.
	Applied int

	Failed *TargetError
}

// OK reports whether this target completed without a recorded failure.
func (r *TargetReport) OK() bool {
	return r.Failed == nil
}

// Report aggregates one invocation's per-target outcomes.
type Report struct {
	DryRun       bool
	SnapshotPath string // empty when no snapshot was written
	Targets      []TargetReport
}

// Failures returns every recorded target failure.
func (r *Report) Failures() []*TargetError {
	var out []*TargetError
	for i := range r.Targets {
		if r.Targets[i].Failed != nil {
			out = append(out, r.Targets[i].Failed)
		}
	}
	return out
}

// OK reports overall success: zero recorded target failures.
func (r *Report) OK() bool {
	return len(r.Failures()) == 0
}

// Options configures one apply invocation.
type Options struct {
	// DryRun renders what would change without mutating anything.
	DryRun bool
	// Prune turns unmanaged resources into deletes.
	Prune bool
	// Server restricts the run to one named target. An unmatched name is
	// a fatal error.
	Server string
	// Scope restricts actions to the given resource types. Empty means
	// all types.
	Scope []structsync.ResourceType
	// Snapshot controls whether the pre-mutation snapshot is written.
	Snapshot bool
}

// scoped filters a reconcile result to the requested resource types.
func scoped(res structsync.ReconcileResult, scope []structsync.ResourceType) structsync.ReconcileResult {
	if len(scope) == 0 {
		return res
	}
	want := make(map[structsync.ResourceType]bool, len(scope))
	for _, rt := range scope {
		want[rt] = true
	}
	var out structsync.ReconcileResult
	for _, a := range res.Actions {
		if want[a.Resource] {
			out.Actions = append(out.Actions, a)
		}
	}
	for _, u := range res.Unmanaged {
		if want[u.Resource] {
			out.Unmanaged = append(out.Unmanaged, u)
		}
	}
	return out
}

// partition splits actions into the two mutation phases: creates and
// updates first, deletes second. Creates before deletes prevents the
// transient state where a resource is gone and its replacement does not
// exist yet. Noops are dropped.
func partition(actions []structsync.Action) (phase1, phase2 []structsync.Action) {
	for _, a := range actions {
		switch a.Type {
		case structsync.ActionCreate, structsync.ActionUpdate:
			phase1 = append(phase1, a)
		case structsync.ActionDelete:
			phase2 = append(phase2, a)
		}
	}
	return phase1, phase2
}

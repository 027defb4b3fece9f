package orchestrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/caldren/structsync/internal/provider"
	"github.com/caldren/structsync/internal/reconcile"
	"github.com/caldren/structsync/internal/snapshot"
	"github.com/caldren/structsync/pkg/structsync"
)

// DriftEntry flags a resource whose state changed through means other
// than the last managed apply: its verdict when walking the current
// config onto the snapshot differs from its verdict when walking the
// snapshot onto current live state. Informational, never fatal, and
// surfaced before any rollback confirmation.
type DriftEntry struct {
	Server          string
	Resource        structsync.ResourceType
	Name            string
	RollbackVerdict structsync.ActionType
	ConfigVerdict   structsync.ActionType
}

// RollbackTarget is one captured server's computed path back to the
// snapshot.
type RollbackTarget struct {
	Server   string
	TargetID string

	// Synthetic is the desired state reconstructed purely from the
	// snapshot's capture of this server.
	Synthetic structsync.ServerDesiredState

	// Result holds the actions that walk current live state back to the
	// snapshot.
	Result structsync.ReconcileResult

	// Current is the live state fetched while planning, captured into
	// the pre-rollback snapshot so the rollback is itself reversible.
	Current structsync.ActualWorkspaceState

	Failed *TargetError

	capture snapshot.ServerCapture
	target  Target
}

// RollbackPlan is the reviewed-then-executed output of PlanRollback.
type RollbackPlan struct {
	Snapshot       *snapshot.Snapshot
	Targets        []RollbackTarget
	Drift          []DriftEntry
	currentRouting structsync.ActualRoutingState
}

// PlanRollback loads the most recent snapshot and computes, per captured
// server, the actions required to restore it, plus drift findings. An
// absent snapshot is fatal, never a silent no-op.
func (o *Orchestrator) PlanRollback(ctx context.Context) (*RollbackPlan, error) {
	snap, ok, err := snapshot.Load(o.SnapshotPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no snapshot to roll back to at %s", o.SnapshotPath)
	}

	currentRouting, err := o.Routing.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching routing store: %w", err)
	}

	plan := &RollbackPlan{Snapshot: snap, currentRouting: currentRouting}

	names := make([]string, 0, len(snap.Servers))
	for name := range snap.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		capture := snap.Servers[name]
		rt := RollbackTarget{Server: name, TargetID: capture.TargetID, capture: capture}

		target, found := o.targetForCapture(name)
		if !found {
			rt.Failed = &TargetError{Server: name, Stage: provider.StageFetch,
				Err: fmt.Errorf("captured server %q is not in the current configuration", name)}
			plan.Targets = append(plan.Targets, rt)
			continue
		}
		rt.target = target

		current, err := target.Workspace.Fetch(ctx)
		if err != nil {
			rt.Failed = &TargetError{Server: name, Stage: provider.StageFetch, Err: err}
			plan.Targets = append(plan.Targets, rt)
			continue
		}
		rt.Current = current

		rt.Synthetic = syntheticDesired(name, capture, snap.RoutingState)

		// Walking backward is an ordinary reconcile: the snapshot plays
		// desired, current live state plays actual. Prune is implied —
		// resources created since the snapshot must go.
		rt.Result = reconcile.Reconcile(rt.Synthetic, current, currentRouting, reconcile.Options{Prune: true})

		// Drift check: the current document reconciled against the
		// snapshot should mirror the rollback reconcile. A resource
		// whose verdict differs changed outside the last managed apply.
		configRes := reconcile.Reconcile(target.Desired, capture.WorkspaceState, snap.RoutingState, reconcile.Options{Prune: true})
		plan.Drift = append(plan.Drift, compareVerdicts(name, rt.Result, configRes)...)

		plan.Targets = append(plan.Targets, rt)
	}

	return plan, nil
}

// ExecuteRollback saves a pre-rollback snapshot of current state, then
// applies the plan with the same two-phase ordering, verification and
// per-target isolation as a forward apply.
func (o *Orchestrator) ExecuteRollback(ctx context.Context, plan *RollbackPlan) (*Report, error) {
	pre := &snapshot.Snapshot{
		Timestamp:    o.now(),
		ConfigHash:   o.ConfigHash,
		Servers:      make(map[string]snapshot.ServerCapture, len(plan.Targets)),
		RoutingState: plan.currentRouting,
	}
	for _, rt := range plan.Targets {
		if rt.Failed != nil {
			continue
		}
		pre.Servers[rt.Server] = snapshot.ServerCapture{TargetID: rt.TargetID, WorkspaceState: rt.Current}
	}
	if err := snapshot.Save(pre, o.SnapshotPath); err != nil {
		return nil, fmt.Errorf("saving pre-rollback snapshot: %w", err)
	}

	report := &Report{SnapshotPath: o.SnapshotPath}
	for _, rt := range plan.Targets {
		entry := TargetReport{Server: rt.Server, TargetID: rt.TargetID, Result: rt.Result, Failed: rt.Failed}
		if rt.Failed == nil {
			o.Log.Info().Str("server", rt.Server).Int("mutations", rt.Result.Mutations()).Msg("rolling back")
			o.executeTarget(ctx, rt.target, rt.Result, rt.capture.WorkspaceState, &entry)
		}
		report.Targets = append(report.Targets, entry)
	}
	return report, nil
}

// targetForCapture maps a captured server name to a configured target.
// A legacy capture's sentinel name matches a single-target configuration
// so upgraded snapshots stay actionable.
func (o *Orchestrator) targetForCapture(name string) (Target, bool) {
	for _, t := range o.Targets {
		if t.Name == name {
			return t, true
		}
	}
	if name == snapshot.LegacyServerName && len(o.Targets) == 1 {
		return o.Targets[0], true
	}
	return Target{}, false
}

// syntheticDesired reconstructs a desired state purely from a snapshot
// capture: channels re-grouped under their captured category, threads
// re-attached to their captured parent, bindings re-derived from the
// routing capture filtered to this server's captured channel set.
func syntheticDesired(name string, capture snapshot.ServerCapture, routing structsync.ActualRoutingState) structsync.ServerDesiredState {
	ws := capture.WorkspaceState
	d := structsync.ServerDesiredState{Name: name, ID: capture.TargetID}

	for _, cat := range ws.Categories {
		d.Categories = append(d.Categories, cat.Name)
	}
	for _, ch := range ws.Channels {
		d.Channels = append(d.Channels, structsync.DesiredChannel{
			Name:       ch.Name,
			Category:   ws.CategoryName(ch.CategoryID),
			Topic:      ch.Topic,
			Restricted: ch.Restricted,
			Private:    ch.Private,
			AddBot:     ch.AddBot,
		})
	}
	for _, th := range ws.Threads {
		d.Threads = append(d.Threads, structsync.DesiredThread{
			Channel: ws.ChannelName(th.ChannelID),
			Name:    th.Name,
		})
	}

	// Same cross-tenant guard as forward reconciliation: only routing
	// entries pointing into this capture's channel set are this server's.
	channelIDs := make(map[string]bool, len(ws.Channels))
	for _, ch := range ws.Channels {
		channelIDs[ch.ID] = true
	}
	for _, b := range routing.Bindings {
		if !channelIDs[b.ChannelID] {
			continue
		}
		d.Bindings = append(d.Bindings, structsync.DesiredBinding{
			Agent:          b.Agent,
			Channel:        ws.ChannelName(b.ChannelID),
			RequireMention: b.RequireMention,
		})
	}
	return d
}

// compareVerdicts diffs per-resource verdicts between the rollback
// reconciliation and the config-versus-snapshot reconciliation. A
// resource absent from one side counts as a noop there.
func compareVerdicts(server string, rollback, config structsync.ReconcileResult) []DriftEntry {
	type key struct {
		resource structsync.ResourceType
		name     string
	}
	verdicts := func(res structsync.ReconcileResult) map[key]structsync.ActionType {
		m := make(map[key]structsync.ActionType, len(res.Actions))
		for _, a := range res.Actions {
			m[key{a.Resource, a.Name}] = a.Type
		}
		return m
	}
	rb := verdicts(rollback)
	cf := verdicts(config)

	keys := make(map[key]bool, len(rb)+len(cf))
	for k := range rb {
		keys[k] = true
	}
	for k := range cf {
		keys[k] = true
	}
	ordered := make([]key, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].resource != ordered[j].resource {
			return ordered[i].resource < ordered[j].resource
		}
		return ordered[i].name < ordered[j].name
	})

	var drift []DriftEntry
	for _, k := range ordered {
		rv, ok := rb[k]
		if !ok {
			rv = structsync.ActionNoop
		}
		cv, ok := cf[k]
		if !ok {
			cv = structsync.ActionNoop
		}
		if rv != cv {
			drift = append(drift, DriftEntry{
				Server:          server,
				Resource:        k.resource,
				Name:            k.name,
				RollbackVerdict: rv,
				ConfigVerdict:   cv,
			})
		}
	}
	return drift
}

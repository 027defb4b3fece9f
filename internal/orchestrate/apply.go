package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caldren/structsync/internal/provider"
	"github.com/caldren/structsync/internal/reconcile"
	"github.com/caldren/structsync/internal/snapshot"
	"github.com/caldren/structsync/pkg/structsync"
)

// Apply runs the full pipeline over the resolved target set: fetch
// everything, persist one combined pre-mutation snapshot, then per
// target reconcile, mutate in two phases, and verify. A failure in one
// target is recorded and never blocks the remaining targets.
func (o *Orchestrator) Apply(ctx context.Context, opts Options) (*Report, error) {
	targets, err := o.resolveTargets(opts.Server)
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: opts.DryRun}

	// Fetch every target's live state up front so the snapshot captures
	// all of them before anything is touched.
	states := make(map[string]structsync.ActualWorkspaceState, len(targets))
	for _, t := range targets {
		entry := TargetReport{Server: t.Name, TargetID: t.ID, Warnings: t.Warnings}
		state, err := t.Workspace.Fetch(ctx)
		if err != nil {
			o.Log.Error().Str("server", t.Name).Err(err).Msg("fetch failed")
			entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageFetch, Err: err}
			report.Targets = append(report.Targets, entry)
			continue
		}
		states[t.Name] = state
		report.Targets = append(report.Targets, entry)
	}

	// One shared routing store; without it nothing can be reconciled.
	routingState, err := o.Routing.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching routing store: %w", err)
	}

	if !opts.DryRun && opts.Snapshot {
		snap := &snapshot.Snapshot{
			Timestamp:    o.now(),
			ConfigHash:   o.ConfigHash,
			Servers:      make(map[string]snapshot.ServerCapture, len(states)),
			RoutingState: routingState,
		}
		for _, t := range targets {
			if state, ok := states[t.Name]; ok {
				snap.Servers[t.Name] = snapshot.ServerCapture{TargetID: t.ID, WorkspaceState: state}
			}
		}
		if err := snapshot.Save(snap, o.SnapshotPath); err != nil {
			return nil, fmt.Errorf("saving pre-apply snapshot: %w", err)
		}
		report.SnapshotPath = o.SnapshotPath
		o.Log.Debug().Str("path", o.SnapshotPath).Msg("pre-apply snapshot written")
	}

	byName := make(map[string]Target, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}

	for i := range report.Targets {
		entry := &report.Targets[i]
		if entry.Failed != nil {
			continue
		}
		t := byName[entry.Server]

		res := reconcile.Reconcile(t.Desired, states[t.Name], routingState, reconcile.Options{Prune: opts.Prune})
		res = scoped(res, opts.Scope)
		entry.Result = res

		if opts.DryRun {
			continue
		}

		o.Log.Info().Str("server", t.Name).Int("mutations", res.Mutations()).Msg("applying")
		o.executeTarget(ctx, t, res, expectedWorkspace(t.Desired, opts.Scope), entry)
	}

	return report, nil
}

// resolveTargets returns the configured target set, or exactly the one
// named. An unmatched name is fatal and lists the valid names.
func (o *Orchestrator) resolveTargets(server string) ([]Target, error) {
	if server == "" {
		return o.Targets, nil
	}
	for _, t := range o.Targets {
		if t.Name == server {
			return []Target{t}, nil
		}
	}
	names := make([]string, len(o.Targets))
	for i, t := range o.Targets {
		names[i] = t.Name
	}
	return nil, fmt.Errorf("unknown server %q — valid servers: %s", server, strings.Join(names, ", "))
}

// executeTarget mutates one target and verifies the outcome. Workspace
// actions go in two phases, creates and updates strictly before deletes.
// Binding actions follow, their channel references re-resolved against
// the post-mutation workspace; the routing provider is invoked even when
// every binding action is a noop, because its derived gate state can
// drift independently of binding existence.
func (o *Orchestrator) executeTarget(ctx context.Context, t Target, res structsync.ReconcileResult, expectedWS structsync.ActualWorkspaceState, entry *TargetReport) {
	actx := provider.ApplyContext{TargetID: t.ID}

	wsActions := provider.Filter(res.Actions,
		structsync.ResourceCategory, structsync.ResourceChannel, structsync.ResourceThread)
	phase1, phase2 := partition(wsActions)

	if len(phase1) > 0 {
		if err := t.Workspace.Apply(ctx, phase1, actx); err != nil {
			o.Log.Error().Str("server", t.Name).Int("applied", entry.Applied).Err(err).Msg("workspace apply failed")
			entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageApply, Err: err}
			return
		}
		entry.Applied += len(phase1)
	}
	if len(phase2) > 0 {
		if err := t.Workspace.Apply(ctx, phase2, actx); err != nil {
			o.Log.Error().Str("server", t.Name).Int("applied", entry.Applied).Err(err).Msg("workspace delete phase failed")
			entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageApply, Err: err}
			return
		}
		entry.Applied += len(phase2)
	}

	bindingActions := provider.Filter(res.Actions, structsync.ResourceBinding)
	var expectedRouting structsync.ActualRoutingState
	if len(bindingActions) > 0 {
		current, err := t.Workspace.Fetch(ctx)
		if err != nil {
			entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageFetch, Err: err}
			return
		}
		bindingActions = resolveBindingIDs(bindingActions, current)
		expectedRouting = expectedRoutingFor(bindingActions)

		// Creates and noops strictly before deletes, in one call, so the
		// provider's gate re-sync sees the full desired membership.
		kept, deletes := partitionBindings(bindingActions)
		ordered := append(kept, deletes...)

		if err := o.Routing.Apply(ctx, ordered, actx); err != nil {
			o.Log.Error().Str("server", t.Name).Err(err).Msg("routing apply failed")
			entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageApply, Err: err}
			return
		}
		for _, a := range ordered {
			if a.Type != structsync.ActionNoop {
				entry.Applied++
			}
		}
	}

	ok, err := t.Workspace.Verify(ctx, expectedWS)
	if err != nil {
		entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageVerify, Err: err}
		return
	}
	if !ok {
		entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageVerify,
			Err: errors.New("expected workspace resources are missing after apply")}
		return
	}

	if len(bindingActions) > 0 {
		ok, err := o.Routing.Verify(ctx, expectedRouting)
		if err != nil {
			entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageVerify, Err: err}
			return
		}
		if !ok {
			entry.Failed = &TargetError{Server: t.Name, Stage: provider.StageVerify,
				Err: errors.New("expected routing bindings are missing after apply")}
			return
		}
	}

	o.Log.Info().Str("server", t.Name).Int("applied", entry.Applied).Msg("target verified")
}

// resolveBindingIDs returns a copy of the binding actions with each
// create and noop carrying the channel id the reference resolves to in
// the now-current workspace. Input actions are never mutated; they are
// shared with the report.
func resolveBindingIDs(actions []structsync.Action, current structsync.ActualWorkspaceState) []structsync.Action {
	out := make([]structsync.Action, len(actions))
	for i, a := range actions {
		out[i] = a
		if a.Type != structsync.ActionCreate && a.Type != structsync.ActionNoop {
			continue
		}
		name, _ := a.After["channel"].(string)
		ch, ok := current.ChannelByName(name)
		if !ok {
			continue
		}
		after := make(structsync.FieldMap, len(a.After)+1)
		for k, v := range a.After {
			after[k] = v
		}
		after["channelId"] = ch.ID
		out[i].After = after
	}
	return out
}

// partitionBindings splits binding actions into creates-plus-noops and
// deletes, preserving order within each group.
func partitionBindings(actions []structsync.Action) (kept, deletes []structsync.Action) {
	for _, a := range actions {
		if a.Type == structsync.ActionDelete {
			deletes = append(deletes, a)
		} else {
			kept = append(kept, a)
		}
	}
	return kept, deletes
}

// expectedRoutingFor derives the post-apply routing expectation from the
// resolved create and noop binding actions.
func expectedRoutingFor(actions []structsync.Action) structsync.ActualRoutingState {
	var expected structsync.ActualRoutingState
	for _, a := range actions {
		if a.Type == structsync.ActionDelete {
			continue
		}
		agent, _ := a.After["agent"].(string)
		channelID, _ := a.After["channelId"].(string)
		if channelID == "" {
			continue
		}
		expected.Bindings = append(expected.Bindings, structsync.RoutingBinding{
			Agent:     agent,
			Kind:      structsync.BindChannel,
			ChannelID: channelID,
		})
	}
	return expected
}

// expectedWorkspace builds the presence expectation for verification
// from a target's desired state, narrowed to the requested scope. Ids
// are synthetic: verification checks presence by name, never id.
func expectedWorkspace(d structsync.ServerDesiredState, scope []structsync.ResourceType) structsync.ActualWorkspaceState {
	want := make(map[structsync.ResourceType]bool, len(scope))
	for _, rt := range scope {
		want[rt] = true
	}
	in := func(rt structsync.ResourceType) bool {
		return len(scope) == 0 || want[rt]
	}

	var expected structsync.ActualWorkspaceState
	if in(structsync.ResourceCategory) {
		seen := make(map[string]bool)
		add := func(name string) {
			if name != "" && !seen[name] {
				seen[name] = true
				expected.Categories = append(expected.Categories, structsync.Category{ID: name, Name: name})
			}
		}
		for _, name := range d.Categories {
			add(name)
		}
		for _, ch := range d.Channels {
			add(ch.Category)
		}
	}
	if in(structsync.ResourceChannel) {
		for _, ch := range d.Channels {
			expected.Channels = append(expected.Channels, structsync.Channel{ID: ch.Name, Name: ch.Name})
		}
	}
	if in(structsync.ResourceThread) {
		for _, th := range d.Threads {
			expected.Threads = append(expected.Threads, structsync.Thread{
				ID:        th.Channel + "/" + th.Name,
				Name:      th.Name,
				ChannelID: th.Channel,
			})
		}
	}
	return expected
}

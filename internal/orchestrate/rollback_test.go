package orchestrate

import (
	"context"
	"strings"
	"testing"

	"github.com/caldren/structsync/internal/snapshot"
	"github.com/caldren/structsync/pkg/structsync"
)

func writeSnapshot(t *testing.T, o *Orchestrator, snap *snapshot.Snapshot) {
	t.Helper()
	if err := snapshot.Save(snap, o.SnapshotPath); err != nil {
		t.Fatal(err)
	}
}

func TestPlanRollbackAbsentSnapshotIsFatal(t *testing.T) {
	o := newOrchestrator(t, []Target{{Name: "prod", Workspace: &mockWorkspace{}}}, &mockRouting{})

	_, err := o.PlanRollback(context.Background())
	if err == nil {
		t.Fatal("absent snapshot must be fatal, never a silent no-op")
	}
	if !strings.Contains(err.Error(), "no snapshot") {
		t.Errorf("error = %v", err)
	}
}

func TestRollbackRestoresSnapshotState(t *testing.T) {
	// Snapshot: channels kept + removed. Current live: kept + intruder.
	// Walking back means recreating removed and deleting intruder.
	ws := &mockWorkspace{state: structsync.ActualWorkspaceState{
		Channels: []structsync.Channel{
			{ID: "ch-kept", Name: "kept"},
			{ID: "ch-intruder", Name: "intruder"},
		},
	}}
	target := Target{Name: "prod", ID: "1", Workspace: ws,
		Desired: structsync.ServerDesiredState{
			Channels: []structsync.DesiredChannel{{Name: "kept"}, {Name: "intruder"}},
		}}
	routing := &mockRouting{}
	o := newOrchestrator(t, []Target{target}, routing)

	writeSnapshot(t, o, &snapshot.Snapshot{
		Timestamp:  testTime(),
		ConfigHash: "older",
		Servers: map[string]snapshot.ServerCapture{
			"prod": {TargetID: "1", WorkspaceState: structsync.ActualWorkspaceState{
				Channels: []structsync.Channel{
					{ID: "ch-kept", Name: "kept"},
					{ID: "ch-removed", Name: "removed", Topic: "bring me back"},
				},
			}},
		},
	})

	plan, err := o.PlanRollback(context.Background())
	if err != nil {
		t.Fatalf("PlanRollback: %v", err)
	}
	if len(plan.Targets) != 1 {
		t.Fatalf("plan targets = %+v", plan.Targets)
	}

	var sawCreate, sawDelete bool
	for _, a := range plan.Targets[0].Result.Actions {
		if a.Resource != structsync.ResourceChannel {
			continue
		}
		switch {
		case a.Type == structsync.ActionCreate && a.Name == "removed":
			sawCreate = true
			if a.After["topic"] != "bring me back" {
				t.Errorf("recreate should restore captured attributes: %v", a.After)
			}
		case a.Type == structsync.ActionDelete && a.Name == "intruder":
			sawDelete = true
		}
	}
	if !sawCreate || !sawDelete {
		t.Fatalf("rollback actions incomplete: create=%v delete=%v", sawCreate, sawDelete)
	}

	report, err := o.ExecuteRollback(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteRollback: %v", err)
	}
	if !report.OK() {
		t.Fatalf("failures: %+v", report.Failures())
	}

	names := make([]string, 0, len(ws.state.Channels))
	for _, ch := range ws.state.Channels {
		names = append(names, ch.Name)
	}
	if len(names) != 2 || ws.state.Channels[0].Name == "intruder" || ws.state.Channels[1].Name == "intruder" {
		t.Errorf("post-rollback channels = %v", names)
	}

	// Rollback is itself reversible: the snapshot now holds the state
	// from just before it ran, intruder included.
	pre, ok, err := snapshot.Load(o.SnapshotPath)
	if err != nil || !ok {
		t.Fatalf("loading pre-rollback snapshot: ok=%v err=%v", ok, err)
	}
	found := false
	for _, ch := range pre.Servers["prod"].WorkspaceState.Channels {
		if ch.Name == "intruder" {
			found = true
		}
	}
	if !found {
		t.Errorf("pre-rollback snapshot should hold current state: %+v", pre.Servers["prod"].WorkspaceState)
	}
}

func TestRollbackDetectsDrift(t *testing.T) {
	// Config and snapshot agree on topic "stable"; live state says
	// "hacked". The verdicts of the two reconciliations disagree on the
	// channel, which is exactly what drift means.
	ws := &mockWorkspace{state: structsync.ActualWorkspaceState{
		Channels: []structsync.Channel{{ID: "ch1", Name: "general", Topic: "hacked"}},
	}}
	target := Target{Name: "prod", ID: "1", Workspace: ws,
		Desired: structsync.ServerDesiredState{
			Channels: []structsync.DesiredChannel{{Name: "general", Topic: "stable"}},
		}}
	o := newOrchestrator(t, []Target{target}, &mockRouting{})

	writeSnapshot(t, o, &snapshot.Snapshot{
		Servers: map[string]snapshot.ServerCapture{
			"prod": {TargetID: "1", WorkspaceState: structsync.ActualWorkspaceState{
				Channels: []structsync.Channel{{ID: "ch1", Name: "general", Topic: "stable"}},
			}},
		},
	})

	plan, err := o.PlanRollback(context.Background())
	if err != nil {
		t.Fatalf("PlanRollback: %v", err)
	}

	if len(plan.Drift) == 0 {
		t.Fatal("drift not detected")
	}
	d := plan.Drift[0]
	if d.Resource != structsync.ResourceChannel || d.Name != "general" {
		t.Errorf("drift entry = %+v", d)
	}
	if d.RollbackVerdict != structsync.ActionUpdate || d.ConfigVerdict != structsync.ActionNoop {
		t.Errorf("verdicts = %+v", d)
	}
}

func TestRollbackNoDriftWhenCleanForward(t *testing.T) {
	// Live state matches the snapshot exactly and the config matches
	// both: both reconciliations agree everywhere.
	state := structsync.ActualWorkspaceState{
		Channels: []structsync.Channel{{ID: "ch1", Name: "general"}},
	}
	ws := &mockWorkspace{state: state}
	target := Target{Name: "prod", ID: "1", Workspace: ws,
		Desired: structsync.ServerDesiredState{
			Channels: []structsync.DesiredChannel{{Name: "general"}},
		}}
	o := newOrchestrator(t, []Target{target}, &mockRouting{})

	writeSnapshot(t, o, &snapshot.Snapshot{
		Servers: map[string]snapshot.ServerCapture{
			"prod": {TargetID: "1", WorkspaceState: state},
		},
	})

	plan, err := o.PlanRollback(context.Background())
	if err != nil {
		t.Fatalf("PlanRollback: %v", err)
	}
	if len(plan.Drift) != 0 {
		t.Errorf("unexpected drift: %+v", plan.Drift)
	}
}

func TestRollbackReconstructsBindingsWithGuard(t *testing.T) {
	ws := &mockWorkspace{state: structsync.ActualWorkspaceState{
		Channels: []structsync.Channel{{ID: "ch1", Name: "general"}},
	}}
	target := Target{Name: "prod", ID: "1", Workspace: ws,
		Desired: structsync.ServerDesiredState{
			Channels: []structsync.DesiredChannel{{Name: "general"}},
		}}
	o := newOrchestrator(t, []Target{target}, &mockRouting{})

	writeSnapshot(t, o, &snapshot.Snapshot{
		Servers: map[string]snapshot.ServerCapture{
			"prod": {TargetID: "1", WorkspaceState: structsync.ActualWorkspaceState{
				Channels: []structsync.Channel{{ID: "ch1", Name: "general"}},
			}},
		},
		RoutingState: structsync.ActualRoutingState{
			Bindings: []structsync.RoutingBinding{
				{Agent: "main", Kind: structsync.BindChannel, ChannelID: "ch1", RequireMention: true},
				// Sibling target's binding: not in this capture's channel set.
				{Agent: "other", Kind: structsync.BindChannel, ChannelID: "ch99"},
			},
		},
	})

	plan, err := o.PlanRollback(context.Background())
	if err != nil {
		t.Fatalf("PlanRollback: %v", err)
	}

	synthetic := plan.Targets[0].Synthetic
	if len(synthetic.Bindings) != 1 {
		t.Fatalf("synthetic bindings = %+v", synthetic.Bindings)
	}
	b := synthetic.Bindings[0]
	if b.Agent != "main" || b.Channel != "general" || !b.RequireMention {
		t.Errorf("synthetic binding = %+v", b)
	}
}

func TestRollbackLegacySnapshotMapsToSingleTarget(t *testing.T) {
	ws := &mockWorkspace{state: structsync.ActualWorkspaceState{
		Channels: []structsync.Channel{{ID: "ch1", Name: "general"}},
	}}
	target := Target{Name: "prod", ID: "1", Workspace: ws,
		Desired: structsync.ServerDesiredState{
			Channels: []structsync.DesiredChannel{{Name: "general"}},
		}}
	o := newOrchestrator(t, []Target{target}, &mockRouting{})

	writeSnapshot(t, o, &snapshot.Snapshot{
		Servers: map[string]snapshot.ServerCapture{
			snapshot.LegacyServerName: {
				TargetID:       snapshot.LegacyTargetID,
				WorkspaceState: structsync.ActualWorkspaceState{Channels: []structsync.Channel{{ID: "ch1", Name: "general"}}},
			},
		},
	})

	plan, err := o.PlanRollback(context.Background())
	if err != nil {
		t.Fatalf("PlanRollback: %v", err)
	}
	if plan.Targets[0].Failed != nil {
		t.Errorf("legacy capture should map to the single configured target: %+v", plan.Targets[0].Failed)
	}
}

// Package provider defines the contract every external state source and
// sink must satisfy: the remote workspace and the routing store.
//
// The contract is the core's only dependency on the two concrete
// external systems; their wire protocols live entirely behind it.
package provider

import (
	"context"

	"github.com/caldren/structsync/pkg/structsync"
)

// Stage identifies which provider operation an error came from.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageApply  Stage = "apply"
	StageVerify Stage = "verify"
)

// ApplyContext carries per-invocation context into a provider's Apply.
type ApplyContext struct {
	// TargetID is the workspace id of the target being applied.
	TargetID string
}

// WorkspaceProvider is a remote collaboration workspace: categories,
// channels and threads.
//
// Apply may be handed an action list that mixes resource types the
// provider does not own; it must filter to its own. Verify re-fetches
// and confirms the expected resources are present; it is a success gate,
// not a full equality check.
type WorkspaceProvider interface {
	Fetch(ctx context.Context) (structsync.ActualWorkspaceState, error)
	Apply(ctx context.Context, actions []structsync.Action, actx ApplyContext) error
	Verify(ctx context.Context, expected structsync.ActualWorkspaceState) (bool, error)
}

// RoutingProvider is the shared binding/routing store. One store serves
// every target.
//
// Apply must be called even when every binding action is a noop: binding
// existence and the store's derived gate state drift independently, and
// the gate re-sync for a target happens inside Apply.
type RoutingProvider interface {
	Fetch(ctx context.Context) (structsync.ActualRoutingState, error)
	Apply(ctx context.Context, actions []structsync.Action, actx ApplyContext) error
	Verify(ctx context.Context, expected structsync.ActualRoutingState) (bool, error)
}

// Filter returns the subset of actions whose resource type is one of
// want. Providers use it to ignore action types they do not own.
func Filter(actions []structsync.Action, want ...structsync.ResourceType) []structsync.Action {
	var out []structsync.Action
	for _, a := range actions {
		for _, rt := range want {
			if a.Resource == rt {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

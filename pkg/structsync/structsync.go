// Package structsync defines the shared data model for structsync.
//
// structsync manages the structure of a set of remote collaboration
// workspaces (categories, channels, threads) and a shared routing store
// as declaratively-specified infrastructure: a desired-state document is
// reconciled against live state, and the minimal ordered set of changes
// is computed and applied, with snapshot-based rollback as a safety net.
//
// This package holds the types exchanged between the reconciler, the
// providers, the orchestrator, and the renderers. It has no behavior of
// its own beyond small lookup helpers.
package structsync

// ActionType classifies a single computed change.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionNoop   ActionType = "noop"
)

// ResourceType identifies the kind of resource an action targets.
type ResourceType string

const (
	ResourceCategory ResourceType = "category"
	ResourceChannel  ResourceType = "channel"
	ResourceThread   ResourceType = "thread"
	ResourceBinding  ResourceType = "binding"
)

// FieldMap is a sparse map of resource fields. Only changed or relevant
// keys are present; absent keys mean "no difference" or "not applicable".
type FieldMap map[string]any

// Action is one computed change. Actions are ephemeral: they are
// recomputed on every reconcile and never persisted.
type Action struct {
	Type     ActionType   `json:"type"`
	Resource ResourceType `json:"resource"`
	Name     string       `json:"name"`
	Before   FieldMap     `json:"before,omitempty"`
	After    FieldMap     `json:"after,omitempty"`
}

// UnmanagedResource is an actual resource with no desired counterpart.
// It is surfaced but never deleted unless pruning is explicitly requested.
type UnmanagedResource struct {
	Resource ResourceType `json:"resource"`
	Name     string       `json:"name"`
	ID       string       `json:"id"`
	Topic    string       `json:"topic,omitempty"`
}

// ReconcileResult is the output of one reconcile call.
type ReconcileResult struct {
	Actions   []Action            `json:"actions"`
	Unmanaged []UnmanagedResource `json:"unmanaged"`
}

// Mutations reports how many non-noop actions the result carries.
func (r *ReconcileResult) Mutations() int {
	n := 0
	for _, a := range r.Actions {
		if a.Type != ActionNoop {
			n++
		}
	}
	return n
}

// DesiredChannel is one channel in a server's desired structure. Category
// is the name of the parent category, empty for an uncategorized channel.
type DesiredChannel struct {
	Name       string
	Category   string
	Topic      string
	Restricted bool
	Private    bool
	AddBot     bool
}

// DesiredThread is one thread in a server's desired structure, identified
// by its parent channel name plus its own name.
type DesiredThread struct {
	Channel string
	Name    string
}

// DesiredBinding routes one agent into one channel, by channel name.
type DesiredBinding struct {
	Agent          string
	Channel        string
	RequireMention bool
}

// ServerDesiredState is one target's declared structure: flat channel,
// thread and binding lists as produced by config normalization. Channel
// and category names are the identity keys; a rename is a delete plus a
// create, never an update.
type ServerDesiredState struct {
	Name string
	ID   string
	// Categories lists the declared category names. Categories referenced
	// only through a channel's Category field are desired implicitly and
	// need not appear here.
	Categories []string
	Channels   []DesiredChannel
	Threads  []DesiredThread
	Bindings []DesiredBinding
}

// Category is a live category as fetched from a workspace.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a live channel as fetched from a workspace. CategoryID is
// empty for an uncategorized channel.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Topic      string `json:"topic,omitempty"`
	Restricted bool   `json:"restricted,omitempty"`
	Private    bool   `json:"private,omitempty"`
	AddBot     bool   `json:"addBot,omitempty"`
	CategoryID string `json:"categoryId,omitempty"`
}

// Thread is a live thread as fetched from a workspace.
type Thread struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ChannelID string `json:"channelId"`
}

// Pin is a pinned message reference. Pins are read-only: they are carried
// in fetched state for information only and never reconciled.
type Pin struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
}

// ActualWorkspaceState is a live snapshot of one target's structure,
// produced by a workspace provider's Fetch. It is never mutated in place.
type ActualWorkspaceState struct {
	Categories []Category `json:"categories"`
	Channels   []Channel  `json:"channels"`
	Threads    []Thread   `json:"threads"`
	Pins       []Pin      `json:"pins,omitempty"`
}

// CategoryName resolves a live category id to its name. Returns "" when
// the id is empty or unknown.
func (s *ActualWorkspaceState) CategoryName(id string) string {
	for _, c := range s.Categories {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

// ChannelByName looks up a live channel by name.
func (s *ActualWorkspaceState) ChannelByName(name string) (Channel, bool) {
	for _, ch := range s.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// ChannelName resolves a live channel id to its name. Returns "" when
// the id is unknown.
func (s *ActualWorkspaceState) ChannelName(id string) string {
	for _, ch := range s.Channels {
		if ch.ID == id {
			return ch.Name
		}
	}
	return ""
}

// LiveIDs returns the set of channel and thread ids belonging to this
// workspace. Routing entries outside this set belong to a sibling target
// and must never be touched while reconciling this one.
func (s *ActualWorkspaceState) LiveIDs() map[string]bool {
	ids := make(map[string]bool, len(s.Channels)+len(s.Threads))
	for _, ch := range s.Channels {
		ids[ch.ID] = true
	}
	for _, th := range s.Threads {
		ids[th.ID] = true
	}
	return ids
}

// BindingKind discriminates what a routing entry's channel id refers to.
type BindingKind string

const (
	BindChannel BindingKind = "channel"
	BindThread  BindingKind = "thread"
)

// RoutingBinding is one entry in the shared routing store. Its identity
// for staleness purposes is (Agent, ChannelID).
type RoutingBinding struct {
	Agent          string      `json:"agent"`
	Kind           BindingKind `json:"kind"`
	ChannelID      string      `json:"channelId"`
	RequireMention bool        `json:"requireMention,omitempty"`
}

// ActualRoutingState is a live snapshot of the shared routing store. One
// store serves every target.
type ActualRoutingState struct {
	Bindings []RoutingBinding `json:"bindings"`
}

// Has reports whether the store holds an entry for (agent, channelID).
func (s *ActualRoutingState) Has(agent, channelID string) bool {
	for _, b := range s.Bindings {
		if b.Agent == agent && b.ChannelID == channelID {
			return true
		}
	}
	return false
}

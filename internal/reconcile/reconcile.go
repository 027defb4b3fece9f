// Package reconcile computes the minimal ordered action set that
// transforms a target's actual state toward its desired state.
//
// Reconcile is a pure function: no network, no disk, no clock, no random
// tie-breaks, no mutation of its inputs. Two calls with identical inputs
// return identical ordered output.
package reconcile

import (
	"sort"

	"github.com/caldren/structsync/pkg/structsync"
)

// Options configures a reconcile call.
type Options struct {
	// Prune turns unmanaged resources into delete actions instead of
	// reporting them.
	Prune bool
}

// Reconcile diffs one target's desired structure against its live
// workspace state and the shared routing store. Input is assumed
// well-formed; validation is the config loader's job.
func Reconcile(desired structsync.ServerDesiredState, ws structsync.ActualWorkspaceState, routing structsync.ActualRoutingState, opts Options) structsync.ReconcileResult {
	var res structsync.ReconcileResult

	reconcileCategories(desired, ws, opts, &res)
	reconcileChannels(desired, ws, opts, &res)
	reconcileThreads(desired, ws, opts, &res)
	reconcileBindings(desired, ws, routing, &res)
	reconcileStaleBindings(desired, ws, routing, &res)

	return res
}

func reconcileCategories(desired structsync.ServerDesiredState, ws structsync.ActualWorkspaceState, opts Options, res *structsync.ReconcileResult) {
	// Desired categories are the declared list plus any referenced
	// through a channel's category field.
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, name := range desired.Categories {
		add(name)
	}
	for _, ch := range desired.Channels {
		add(ch.Category)
	}
	sort.Strings(names)

	actualByName := make(map[string]structsync.Category, len(ws.Categories))
	for _, c := range ws.Categories {
		actualByName[c.Name] = c
	}

	for _, name := range names {
		if _, ok := actualByName[name]; ok {
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionNoop,
				Resource: structsync.ResourceCategory,
				Name:     name,
			})
			continue
		}
		res.Actions = append(res.Actions, structsync.Action{
			Type:     structsync.ActionCreate,
			Resource: structsync.ResourceCategory,
			Name:     name,
			After:    structsync.FieldMap{"name": name},
		})
	}

	var extra []structsync.Category
	for _, c := range ws.Categories {
		if !seen[c.Name] {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })

	for _, c := range extra {
		if opts.Prune {
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionDelete,
				Resource: structsync.ResourceCategory,
				Name:     c.Name,
				Before:   structsync.FieldMap{"id": c.ID},
			})
		} else {
			res.Unmanaged = append(res.Unmanaged, structsync.UnmanagedResource{
				Resource: structsync.ResourceCategory,
				Name:     c.Name,
				ID:       c.ID,
			})
		}
	}
}

func reconcileChannels(desired structsync.ServerDesiredState, ws structsync.ActualWorkspaceState, opts Options, res *structsync.ReconcileResult) {
	want := make([]structsync.DesiredChannel, len(desired.Channels))
	copy(want, desired.Channels)
	sort.Slice(want, func(i, j int) bool { return want[i].Name < want[j].Name })

	actualByName := make(map[string]structsync.Channel, len(ws.Channels))
	for _, ch := range ws.Channels {
		actualByName[ch.Name] = ch
	}

	wanted := make(map[string]bool, len(want))
	for _, dc := range want {
		wanted[dc.Name] = true

		live, ok := actualByName[dc.Name]
		if !ok {
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionCreate,
				Resource: structsync.ResourceChannel,
				Name:     dc.Name,
				After:    channelFields(dc),
			})
			continue
		}

		before, after := channelDiff(dc, live, ws)
		if len(after) == 0 {
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionNoop,
				Resource: structsync.ResourceChannel,
				Name:     dc.Name,
			})
			continue
		}
		before["id"] = live.ID
		res.Actions = append(res.Actions, structsync.Action{
			Type:     structsync.ActionUpdate,
			Resource: structsync.ResourceChannel,
			Name:     dc.Name,
			Before:   before,
			After:    after,
		})
	}

	var extra []structsync.Channel
	for _, ch := range ws.Channels {
		if !wanted[ch.Name] {
			extra = append(extra, ch)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })

	for _, ch := range extra {
		if opts.Prune {
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionDelete,
				Resource: structsync.ResourceChannel,
				Name:     ch.Name,
				Before:   structsync.FieldMap{"id": ch.ID},
			})
		} else {
			res.Unmanaged = append(res.Unmanaged, structsync.UnmanagedResource{
				Resource: structsync.ResourceChannel,
				Name:     ch.Name,
				ID:       ch.ID,
				Topic:    ch.Topic,
			})
		}
	}
}

// channelFields builds the sparse create payload: only present fields.
func channelFields(dc structsync.DesiredChannel) structsync.FieldMap {
	f := structsync.FieldMap{"name": dc.Name}
	if dc.Topic != "" {
		f["topic"] = dc.Topic
	}
	if dc.Category != "" {
		f["category"] = dc.Category
	}
	if dc.Restricted {
		f["restricted"] = true
	}
	if dc.Private {
		f["private"] = true
	}
	if dc.AddBot {
		f["addBot"] = true
	}
	return f
}

// channelDiff compares one desired channel to its live counterpart field
// by field. Both returned maps contain only the differing fields.
func channelDiff(dc structsync.DesiredChannel, live structsync.Channel, ws structsync.ActualWorkspaceState) (before, after structsync.FieldMap) {
	before = structsync.FieldMap{}
	after = structsync.FieldMap{}

	if dc.Topic != live.Topic {
		before["topic"] = live.Topic
		after["topic"] = dc.Topic
	}
	liveCategory := ws.CategoryName(live.CategoryID)
	if dc.Category != liveCategory {
		before["category"] = liveCategory
		after["category"] = dc.Category
	}
	if dc.Restricted != live.Restricted {
		before["restricted"] = live.Restricted
		after["restricted"] = dc.Restricted
	}
	if dc.Private != live.Private {
		before["private"] = live.Private
		after["private"] = dc.Private
	}
	if dc.AddBot != live.AddBot {
		before["addBot"] = live.AddBot
		after["addBot"] = dc.AddBot
	}
	return before, after
}

func reconcileThreads(desired structsync.ServerDesiredState, ws structsync.ActualWorkspaceState, opts Options, res *structsync.ReconcileResult) {
	want := make([]structsync.DesiredThread, len(desired.Threads))
	copy(want, desired.Threads)
	sort.Slice(want, func(i, j int) bool {
		if want[i].Channel != want[j].Channel {
			return want[i].Channel < want[j].Channel
		}
		return want[i].Name < want[j].Name
	})

	// Threads are identified by (parent channel name, thread name); the
	// parent is resolved by mapping the live thread's channel id back to
	// a name.
	type liveThread struct {
		structsync.Thread
		parent string
	}
	actualByKey := make(map[string]liveThread, len(ws.Threads))
	for _, th := range ws.Threads {
		parent := ws.ChannelName(th.ChannelID)
		actualByKey[parent+"/"+th.Name] = liveThread{Thread: th, parent: parent}
	}

	wanted := make(map[string]bool, len(want))
	for _, dt := range want {
		key := dt.Channel + "/" + dt.Name
		wanted[key] = true

		if _, ok := actualByKey[key]; ok {
			// Threads carry no further mutable attributes.
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionNoop,
				Resource: structsync.ResourceThread,
				Name:     key,
			})
			continue
		}
		res.Actions = append(res.Actions, structsync.Action{
			Type:     structsync.ActionCreate,
			Resource: structsync.ResourceThread,
			Name:     key,
			After:    structsync.FieldMap{"channel": dt.Channel, "name": dt.Name},
		})
	}

	var extraKeys []string
	for key := range actualByKey {
		if !wanted[key] {
			extraKeys = append(extraKeys, key)
		}
	}
	sort.Strings(extraKeys)

	for _, key := range extraKeys {
		th := actualByKey[key]
		if opts.Prune {
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionDelete,
				Resource: structsync.ResourceThread,
				Name:     key,
				Before:   structsync.FieldMap{"id": th.ID, "channelId": th.ChannelID},
			})
		} else {
			res.Unmanaged = append(res.Unmanaged, structsync.UnmanagedResource{
				Resource: structsync.ResourceThread,
				Name:     key,
				ID:       th.ID,
			})
		}
	}
}

func reconcileBindings(desired structsync.ServerDesiredState, ws structsync.ActualWorkspaceState, routing structsync.ActualRoutingState, res *structsync.ReconcileResult) {
	want := make([]structsync.DesiredBinding, len(desired.Bindings))
	copy(want, desired.Bindings)
	sort.Slice(want, func(i, j int) bool {
		if want[i].Agent != want[j].Agent {
			return want[i].Agent < want[j].Agent
		}
		return want[i].Channel < want[j].Channel
	})

	for _, db := range want {
		var channelID string
		if live, ok := ws.ChannelByName(db.Channel); ok {
			channelID = live.ID
		}

		after := structsync.FieldMap{"agent": db.Agent, "channel": db.Channel}
		if channelID != "" {
			after["channelId"] = channelID
		}

		if channelID != "" && routing.Has(db.Agent, channelID) {
			// The entry exists; a changed mention requirement is the
			// routing provider's business during its sync pass, never a
			// reconciler action. The desired value rides along so the
			// provider can refresh it.
			after["requireMention"] = db.RequireMention
			res.Actions = append(res.Actions, structsync.Action{
				Type:     structsync.ActionNoop,
				Resource: structsync.ResourceBinding,
				Name:     db.Agent + ":" + db.Channel,
				After:    after,
			})
			continue
		}

		if db.RequireMention {
			after["requireMention"] = true
		}
		res.Actions = append(res.Actions, structsync.Action{
			Type:     structsync.ActionCreate,
			Resource: structsync.ResourceBinding,
			Name:     db.Agent + ":" + db.Channel,
			After:    after,
		})
	}
}

func reconcileStaleBindings(desired structsync.ServerDesiredState, ws structsync.ActualWorkspaceState, routing structsync.ActualRoutingState, res *structsync.ReconcileResult) {
	liveIDs := ws.LiveIDs()

	wanted := make(map[string]bool, len(desired.Bindings))
	for _, db := range desired.Bindings {
		if live, ok := ws.ChannelByName(db.Channel); ok {
			wanted[db.Agent+"\x00"+live.ID] = true
		}
	}

	entries := make([]structsync.RoutingBinding, len(routing.Bindings))
	copy(entries, routing.Bindings)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Agent != entries[j].Agent {
			return entries[i].Agent < entries[j].Agent
		}
		return entries[i].ChannelID < entries[j].ChannelID
	})

	for _, b := range entries {
		// The routing store is shared across targets. An entry whose
		// channel id is not in this target's live set belongs to a
		// sibling and must not be classified as stale here.
		if !liveIDs[b.ChannelID] {
			continue
		}
		if wanted[b.Agent+"\x00"+b.ChannelID] {
			continue
		}

		name := resolveLiveName(ws, b.ChannelID)
		res.Actions = append(res.Actions, structsync.Action{
			Type:     structsync.ActionDelete,
			Resource: structsync.ResourceBinding,
			Name:     b.Agent + ":" + name,
			Before: structsync.FieldMap{
				"agent":     b.Agent,
				"channel":   name,
				"channelId": b.ChannelID,
			},
		})
	}
}

// resolveLiveName maps a channel or thread id to its human name so a
// stale-binding delete carries enough context for the provider to act
// without re-resolving.
func resolveLiveName(ws structsync.ActualWorkspaceState, id string) string {
	if name := ws.ChannelName(id); name != "" {
		return name
	}
	for _, th := range ws.Threads {
		if th.ID == id {
			return th.Name
		}
	}
	return id
}

package orchestrate

import (
	"context"
	"fmt"

	"github.com/caldren/structsync/internal/provider"
	"github.com/caldren/structsync/pkg/structsync"
)

// mockWorkspace is an in-memory workspace provider. Creates invent ids
// from the resource name so binding resolution sees realistic state.
type mockWorkspace struct {
	state      structsync.ActualWorkspaceState
	fetchErr   error
	applyErr   error
	failVerify bool

	batches [][]structsync.Action
	fetches int
}

func (m *mockWorkspace) Fetch(ctx context.Context) (structsync.ActualWorkspaceState, error) {
	if m.fetchErr != nil {
		return structsync.ActualWorkspaceState{}, m.fetchErr
	}
	m.fetches++
	// Copies, so later in-place mutation cannot corrupt earlier fetches.
	out := structsync.ActualWorkspaceState{
		Categories: append([]structsync.Category(nil), m.state.Categories...),
		Channels:   append([]structsync.Channel(nil), m.state.Channels...),
		Threads:    append([]structsync.Thread(nil), m.state.Threads...),
	}
	return out, nil
}

func (m *mockWorkspace) Apply(ctx context.Context, actions []structsync.Action, actx provider.ApplyContext) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	own := provider.Filter(actions,
		structsync.ResourceCategory, structsync.ResourceChannel, structsync.ResourceThread)
	m.batches = append(m.batches, own)

	for _, a := range own {
		switch {
		case a.Type == structsync.ActionCreate && a.Resource == structsync.ResourceCategory:
			m.state.Categories = append(m.state.Categories, structsync.Category{ID: "cat-" + a.Name, Name: a.Name})
		case a.Type == structsync.ActionCreate && a.Resource == structsync.ResourceChannel:
			ch := structsync.Channel{ID: "id-" + a.Name, Name: a.Name}
			if topic, ok := a.After["topic"].(string); ok {
				ch.Topic = topic
			}
			if cat, ok := a.After["category"].(string); ok {
				ch.CategoryID = "cat-" + cat
			}
			m.state.Channels = append(m.state.Channels, ch)
		case a.Type == structsync.ActionCreate && a.Resource == structsync.ResourceThread:
			parent, _ := a.After["channel"].(string)
			name, _ := a.After["name"].(string)
			m.state.Threads = append(m.state.Threads, structsync.Thread{
				ID: "th-" + name, Name: name, ChannelID: "id-" + parent,
			})
		case a.Type == structsync.ActionUpdate && a.Resource == structsync.ResourceChannel:
			for i := range m.state.Channels {
				if m.state.Channels[i].Name != a.Name {
					continue
				}
				if topic, ok := a.After["topic"].(string); ok {
					m.state.Channels[i].Topic = topic
				}
			}
		case a.Type == structsync.ActionDelete:
			m.remove(a)
		}
	}
	return nil
}

func (m *mockWorkspace) remove(a structsync.Action) {
	id, _ := a.Before["id"].(string)
	switch a.Resource {
	case structsync.ResourceCategory:
		kept := m.state.Categories[:0]
		for _, c := range m.state.Categories {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		m.state.Categories = kept
	case structsync.ResourceChannel:
		kept := m.state.Channels[:0]
		for _, c := range m.state.Channels {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		m.state.Channels = kept
	case structsync.ResourceThread:
		kept := m.state.Threads[:0]
		for _, t := range m.state.Threads {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		m.state.Threads = kept
	}
}

func (m *mockWorkspace) Verify(ctx context.Context, expected structsync.ActualWorkspaceState) (bool, error) {
	if m.failVerify {
		return false, nil
	}
	return true, nil
}

// phaseKinds summarizes one apply batch as the set of action types it
// carried, for phase-ordering assertions.
func phaseKinds(batch []structsync.Action) map[structsync.ActionType]int {
	kinds := make(map[structsync.ActionType]int)
	for _, a := range batch {
		kinds[a.Type]++
	}
	return kinds
}

// mockRouting is an in-memory routing store provider.
type mockRouting struct {
	state      structsync.ActualRoutingState
	fetchErr   error
	applyErr   error
	failVerify bool

	applyCalls [][]structsync.Action
}

func (m *mockRouting) Fetch(ctx context.Context) (structsync.ActualRoutingState, error) {
	if m.fetchErr != nil {
		return structsync.ActualRoutingState{}, m.fetchErr
	}
	return structsync.ActualRoutingState{
		Bindings: append([]structsync.RoutingBinding(nil), m.state.Bindings...),
	}, nil
}

func (m *mockRouting) Apply(ctx context.Context, actions []structsync.Action, actx provider.ApplyContext) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	own := provider.Filter(actions, structsync.ResourceBinding)
	m.applyCalls = append(m.applyCalls, own)

	for _, a := range own {
		switch a.Type {
		case structsync.ActionCreate:
			agent, _ := a.After["agent"].(string)
			channelID, _ := a.After["channelId"].(string)
			if channelID == "" {
				return fmt.Errorf("binding %s: unresolved channel id", a.Name)
			}
			m.state.Bindings = append(m.state.Bindings, structsync.RoutingBinding{
				Agent: agent, Kind: structsync.BindChannel, ChannelID: channelID,
			})
		case structsync.ActionDelete:
			agent, _ := a.Before["agent"].(string)
			channelID, _ := a.Before["channelId"].(string)
			kept := m.state.Bindings[:0]
			for _, b := range m.state.Bindings {
				if !(b.Agent == agent && b.ChannelID == channelID) {
					kept = append(kept, b)
				}
			}
			m.state.Bindings = kept
		}
	}
	return nil
}

func (m *mockRouting) Verify(ctx context.Context, expected structsync.ActualRoutingState) (bool, error) {
	if m.failVerify {
		return false, nil
	}
	for _, b := range expected.Bindings {
		if !m.state.Has(b.Agent, b.ChannelID) {
			return false, nil
		}
	}
	return true, nil
}

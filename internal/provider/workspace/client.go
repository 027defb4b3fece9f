// Package workspace implements the workspace provider contract against
// the collaboration platform's HTTP API.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caldren/structsync/internal/provider"
	"github.com/caldren/structsync/pkg/structsync"
)

// HTTPClient is the subset of http.Client the provider needs, injectable
// for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to one workspace (server) over the platform's REST API.
type Client struct {
	BaseURL  string
	Token    string
	ServerID string
	HTTP     HTTPClient
}

// New builds a workspace client for one server. The token is sent as a
// bearer credential on every request.
func New(baseURL, token, serverID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		ServerID: serverID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch retrieves the full live structure of the server. No partial
// reads: one call returns categories, channels, threads and pins.
func (c *Client) Fetch(ctx context.Context) (structsync.ActualWorkspaceState, error) {
	var state structsync.ActualWorkspaceState
	err := c.request(ctx, http.MethodGet, fmt.Sprintf("/servers/%s/structure", c.ServerID), nil, &state)
	if err != nil {
		return structsync.ActualWorkspaceState{}, fmt.Errorf("fetching structure of server %s: %w", c.ServerID, err)
	}
	return state, nil
}

// Apply performs the workspace-side mutations implied by actions. Binding
// actions and noops are ignored; the caller decides phase ordering, so a
// single call contains either creates/updates or deletes, never both.
func (c *Client) Apply(ctx context.Context, actions []structsync.Action, actx provider.ApplyContext) error {
	own := provider.Filter(actions,
		structsync.ResourceCategory, structsync.ResourceChannel, structsync.ResourceThread)

	// Name-to-id maps for resolving category membership and thread
	// parents. Creates made during this call are added as they land.
	state, err := c.Fetch(ctx)
	if err != nil {
		return err
	}
	catID := make(map[string]string, len(state.Categories))
	for _, cat := range state.Categories {
		catID[cat.Name] = cat.ID
	}
	chanID := make(map[string]string, len(state.Channels))
	for _, ch := range state.Channels {
		chanID[ch.Name] = ch.ID
	}

	for _, a := range own {
		switch a.Type {
		case structsync.ActionNoop:
			continue
		case structsync.ActionCreate:
			if err := c.applyCreate(ctx, a, catID, chanID); err != nil {
				return err
			}
		case structsync.ActionUpdate:
			if err := c.applyUpdate(ctx, a, catID); err != nil {
				return err
			}
		case structsync.ActionDelete:
			if err := c.applyDelete(ctx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) applyCreate(ctx context.Context, a structsync.Action, catID, chanID map[string]string) error {
	switch a.Resource {
	case structsync.ResourceCategory:
		var created struct {
			ID string `json:"id"`
		}
		body := map[string]any{"name": a.Name}
		if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/servers/%s/categories", c.ServerID), body, &created); err != nil {
			return fmt.Errorf("creating category %s: %w", a.Name, err)
		}
		catID[a.Name] = created.ID

	case structsync.ResourceChannel:
		body := map[string]any{"name": a.Name}
		for _, key := range []string{"topic", "restricted", "private", "addBot"} {
			if v, ok := a.After[key]; ok {
				body[key] = v
			}
		}
		if cat, ok := a.After["category"].(string); ok && cat != "" {
			id, found := catID[cat]
			if !found {
				return fmt.Errorf("creating channel %s: category %q has no live id", a.Name, cat)
			}
			body["categoryId"] = id
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/servers/%s/channels", c.ServerID), body, &created); err != nil {
			return fmt.Errorf("creating channel %s: %w", a.Name, err)
		}
		chanID[a.Name] = created.ID

	case structsync.ResourceThread:
		parent, _ := a.After["channel"].(string)
		name, _ := a.After["name"].(string)
		id, found := chanID[parent]
		if !found {
			return fmt.Errorf("creating thread %s: parent channel %q has no live id", a.Name, parent)
		}
		if err := c.request(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/threads", id), map[string]any{"name": name}, nil); err != nil {
			return fmt.Errorf("creating thread %s: %w", a.Name, err)
		}
	}
	return nil
}

func (c *Client) applyUpdate(ctx context.Context, a structsync.Action, catID map[string]string) error {
	// Only channels ever update; categories and threads have no mutable
	// attributes beyond their identity.
	if a.Resource != structsync.ResourceChannel {
		return nil
	}
	id, _ := a.Before["id"].(string)
	if id == "" {
		return fmt.Errorf("updating channel %s: action carries no live id", a.Name)
	}

	body := map[string]any{}
	for key, v := range a.After {
		if key == "category" {
			cat, _ := v.(string)
			if cat == "" {
				body["categoryId"] = ""
				continue
			}
			liveID, found := catID[cat]
			if !found {
				return fmt.Errorf("updating channel %s: category %q has no live id", a.Name, cat)
			}
			body["categoryId"] = liveID
			continue
		}
		body[key] = v
	}

	if err := c.request(ctx, http.MethodPatch, "/channels/"+id, body, nil); err != nil {
		return fmt.Errorf("updating channel %s: %w", a.Name, err)
	}
	return nil
}

func (c *Client) applyDelete(ctx context.Context, a structsync.Action) error {
	id, _ := a.Before["id"].(string)
	if id == "" {
		return fmt.Errorf("deleting %s %s: action carries no live id", a.Resource, a.Name)
	}

	var path string
	switch a.Resource {
	case structsync.ResourceCategory:
		path = "/categories/" + id
	case structsync.ResourceChannel:
		path = "/channels/" + id
	case structsync.ResourceThread:
		path = "/threads/" + id
	}
	if err := c.request(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting %s %s: %w", a.Resource, a.Name, err)
	}
	return nil
}

// Verify re-fetches and confirms every expected category, channel and
// thread is present by name. Presence, not equality: extra live
// resources do not fail verification.
func (c *Client) Verify(ctx context.Context, expected structsync.ActualWorkspaceState) (bool, error) {
	live, err := c.Fetch(ctx)
	if err != nil {
		return false, err
	}

	liveCats := make(map[string]bool, len(live.Categories))
	for _, cat := range live.Categories {
		liveCats[cat.Name] = true
	}
	for _, cat := range expected.Categories {
		if !liveCats[cat.Name] {
			return false, nil
		}
	}

	liveChans := make(map[string]bool, len(live.Channels))
	for _, ch := range live.Channels {
		liveChans[ch.Name] = true
	}
	for _, ch := range expected.Channels {
		if !liveChans[ch.Name] {
			return false, nil
		}
	}

	liveThreads := make(map[string]bool, len(live.Threads))
	for _, th := range live.Threads {
		liveThreads[threadKey(live, th)] = true
	}
	for _, th := range expected.Threads {
		if !liveThreads[threadKey(expected, th)] {
			return false, nil
		}
	}

	return true, nil
}

// threadKey builds the (parent channel name, thread name) identity key.
// Expected states built from desired structure carry the parent name as
// a synthetic id, so an unresolvable id falls back to itself.
func threadKey(state structsync.ActualWorkspaceState, th structsync.Thread) string {
	parent := state.ChannelName(th.ChannelID)
	if parent == "" {
		parent = th.ChannelID
	}
	return parent + "/" + th.Name
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(text))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
		}
	}
	return nil
}

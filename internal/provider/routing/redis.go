// Package routing implements the routing-store provider contract on top
// of Redis.
//
// Bindings live as JSON values under "binding:<agent>:<channelID>" keys.
// Each channel additionally carries a derived allow-list set under
// "gate:<channelID>" holding the agent names admitted to it. Binding
// existence and gate membership drift independently, so Apply re-syncs
// the gates for its target even when every binding action is a noop.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caldren/structsync/internal/provider"
	"github.com/caldren/structsync/pkg/structsync"
)

const (
	bindingPrefix = "binding:"
	gatePrefix    = "gate:"
)

// Store is a Redis-backed routing/binding store client.
type Store struct {
	client *redis.Client
}

// New connects to the routing store at the given redis:// URL and pings
// it once so a bad address fails at construction, not mid-apply.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse routing store url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to routing store: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing Redis client, used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func bindingKey(agent, channelID string) string {
	return bindingPrefix + agent + ":" + channelID
}

// Fetch returns every binding in the store, across all targets.
func (s *Store) Fetch(ctx context.Context) (structsync.ActualRoutingState, error) {
	var state structsync.ActualRoutingState

	iter := s.client.Scan(ctx, 0, bindingPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return structsync.ActualRoutingState{}, fmt.Errorf("scanning bindings: %w", err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return structsync.ActualRoutingState{}, fmt.Errorf("reading binding %s: %w", key, err)
		}
		var b structsync.RoutingBinding
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return structsync.ActualRoutingState{}, fmt.Errorf("decoding binding %s: %w", key, err)
		}
		state.Bindings = append(state.Bindings, b)
	}
	return state, nil
}

// Apply performs binding creates and deletes, then re-syncs the gate
// sets for every channel the target's binding actions touch. Noop
// actions matter here: they name the channels whose gates must be
// recomputed and carry the desired mention requirement to refresh.
func (s *Store) Apply(ctx context.Context, actions []structsync.Action, actx provider.ApplyContext) error {
	own := provider.Filter(actions, structsync.ResourceBinding)

	// Desired gate membership per channel id, rebuilt from the create
	// and noop actions of this target.
	desired := make(map[string][]string)
	touched := make(map[string]bool)

	for _, a := range own {
		switch a.Type {
		case structsync.ActionCreate, structsync.ActionNoop:
			agent, _ := a.After["agent"].(string)
			channelID, _ := a.After["channelId"].(string)
			if channelID == "" {
				return fmt.Errorf("binding %s: channel id unresolved at apply time", a.Name)
			}
			requireMention, _ := a.After["requireMention"].(bool)

			b := structsync.RoutingBinding{
				Agent:          agent,
				Kind:           structsync.BindChannel,
				ChannelID:      channelID,
				RequireMention: requireMention,
			}
			payload, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("encoding binding %s: %w", a.Name, err)
			}
			if err := s.client.Set(ctx, bindingKey(agent, channelID), payload, 0).Err(); err != nil {
				return fmt.Errorf("writing binding %s: %w", a.Name, err)
			}
			desired[channelID] = append(desired[channelID], agent)
			touched[channelID] = true

		case structsync.ActionDelete:
			agent, _ := a.Before["agent"].(string)
			channelID, _ := a.Before["channelId"].(string)
			if err := s.client.Del(ctx, bindingKey(agent, channelID)).Err(); err != nil {
				return fmt.Errorf("deleting binding %s: %w", a.Name, err)
			}
			touched[channelID] = true
		}
	}

	// Gate re-sync: rewrite each touched channel's allow-list from the
	// desired membership computed above.
	var ids []string
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		gate := gatePrefix + id
		if err := s.client.Del(ctx, gate).Err(); err != nil {
			return fmt.Errorf("clearing gate for channel %s: %w", id, err)
		}
		agents := desired[id]
		if len(agents) == 0 {
			continue
		}
		members := make([]any, len(agents))
		for i, a := range agents {
			members[i] = a
		}
		if err := s.client.SAdd(ctx, gate, members...).Err(); err != nil {
			return fmt.Errorf("writing gate for channel %s: %w", id, err)
		}
	}
	return nil
}

// Verify re-fetches and confirms every expected binding is present.
func (s *Store) Verify(ctx context.Context, expected structsync.ActualRoutingState) (bool, error) {
	live, err := s.Fetch(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range expected.Bindings {
		if !live.Has(b.Agent, b.ChannelID) {
			return false, nil
		}
	}
	return true, nil
}

// GateMembers returns the allow-list for one channel, sorted. Used by
// status reporting.
func (s *Store) GateMembers(ctx context.Context, channelID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, gatePrefix+channelID).Result()
	if err != nil {
		return nil, fmt.Errorf("reading gate for channel %s: %w", channelID, err)
	}
	sort.Strings(members)
	return members, nil
}

package config

import (
	"fmt"

	"github.com/caldren/structsync/pkg/structsync"
)

// Warning is a non-fatal advisory finding collected during
// normalization, displayed alongside reconciliation output.
type Warning struct {
	Server  string
	Message string
}

// Normalized is one server's flattened desired state plus the advisory
// warnings its declaration produced.
type Normalized struct {
	Desired  structsync.ServerDesiredState
	Warnings []Warning
}

// Normalize flattens each server's declaration into the per-target
// desired-state structure the reconciler consumes: category groupings
// become per-channel category fields, multi-channel bindings expand into
// one binding per channel.
func Normalize(cfg *Config) []Normalized {
	out := make([]Normalized, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		out = append(out, normalizeServer(srv))
	}
	return out
}

func normalizeServer(srv Server) Normalized {
	n := Normalized{
		Desired: structsync.ServerDesiredState{
			Name: srv.Name,
			ID:   srv.ID,
		},
	}
	warn := func(format string, args ...any) {
		n.Warnings = append(n.Warnings, Warning{Server: srv.Name, Message: fmt.Sprintf(format, args...)})
	}

	addChannel := func(ch ChannelDecl, category string) {
		if ch.Private && ch.Restricted {
			warn("channel '%s': 'restricted' has no effect on a private channel", ch.Name)
		}
		n.Desired.Channels = append(n.Desired.Channels, structsync.DesiredChannel{
			Name:       ch.Name,
			Category:   category,
			Topic:      ch.Topic,
			Restricted: ch.Restricted,
			Private:    ch.Private,
			AddBot:     ch.AddBot,
		})
	}

	for _, cat := range srv.Categories {
		n.Desired.Categories = append(n.Desired.Categories, cat.Name)
		if len(cat.Channels) == 0 {
			warn("category '%s' declares no channels", cat.Name)
			continue
		}
		for _, ch := range cat.Channels {
			addChannel(ch, cat.Name)
		}
	}
	for _, ch := range srv.Channels {
		addChannel(ch, "")
	}

	declared := make(map[string]bool, len(n.Desired.Channels))
	for _, ch := range n.Desired.Channels {
		declared[ch.Name] = true
	}

	for _, th := range srv.Threads {
		if !declared[th.Channel] {
			warn("thread '%s/%s' references undeclared channel '%s'", th.Channel, th.Name, th.Channel)
		}
		n.Desired.Threads = append(n.Desired.Threads, structsync.DesiredThread{
			Channel: th.Channel,
			Name:    th.Name,
		})
	}

	for _, b := range srv.Bindings {
		for _, channel := range b.Channel.Resolved() {
			if !declared[channel] {
				warn("binding '%s' references undeclared channel '%s'", b.Agent, channel)
			}
			n.Desired.Bindings = append(n.Desired.Bindings, structsync.DesiredBinding{
				Agent:          b.Agent,
				Channel:        channel,
				RequireMention: b.RequireMention,
			})
		}
	}

	return n
}

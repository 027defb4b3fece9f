package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config represents the desired-state document.
type Config struct {
	Version int           `yaml:"version"`
	API     APIConfig     `yaml:"api"`
	Routing RoutingConfig `yaml:"routing"`
	Servers []Server      `yaml:"servers"`

	// Hash is the sha256 hex digest of the document bytes, recorded in
	// snapshots so rollback can tell which document produced them.
	Hash string `yaml:"-"`
}

// APIConfig locates the workspace platform's HTTP API. The credential is
// never part of the document; it comes from the environment.
type APIConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

// RoutingConfig locates the shared routing store.
type RoutingConfig struct {
	URL string `yaml:"url"`
}

// Server declares one target workspace's structure.
type Server struct {
	Name       string          `yaml:"name"`
	ID         string          `yaml:"id"`
	Categories []CategoryGroup `yaml:"categories,omitempty"`
	Channels   []ChannelDecl   `yaml:"channels,omitempty"` // uncategorized
	Threads    []ThreadDecl    `yaml:"threads,omitempty"`
	Bindings   []BindingDecl   `yaml:"bindings,omitempty"`
}

// CategoryGroup groups channels under a named category.
type CategoryGroup struct {
	Name     string        `yaml:"name"`
	Channels []ChannelDecl `yaml:"channels,omitempty"`
}

// ChannelDecl declares one channel.
type ChannelDecl struct {
	Name       string `yaml:"name"`
	Topic      string `yaml:"topic,omitempty"`
	Restricted bool   `yaml:"restricted,omitempty"`
	Private    bool   `yaml:"private,omitempty"`
	AddBot     bool   `yaml:"addBot,omitempty"`
}

// ThreadDecl declares one thread under its parent channel.
type ThreadDecl struct {
	Channel string `yaml:"channel"`
	Name    string `yaml:"name"`
}

// BindingDecl routes an agent into one or more channels.
type BindingDecl struct {
	Agent          string     `yaml:"agent"`
	Channel        ChannelRef `yaml:"channel"`
	RequireMention bool       `yaml:"requireMention,omitempty"`
}

// ChannelRefKind discriminates the two shapes a binding's channel field
// can take in the document.
type ChannelRefKind int

const (
	RefSingle ChannelRefKind = iota
	RefList
)

// ChannelRef is a binding's channel reference: either a single channel
// name or a list of them. The variant is explicit so consumers switch on
// Kind instead of probing fields.
type ChannelRef struct {
	Kind  ChannelRefKind
	Name  string
	Names []string
}

// Resolved returns the referenced channel names regardless of variant.
func (r ChannelRef) Resolved() []string {
	if r.Kind == RefList {
		return r.Names
	}
	if r.Name == "" {
		return nil
	}
	return []string{r.Name}
}

// UnmarshalYAML decodes either a scalar channel name or a sequence of
// names into the tagged variant.
func (r *ChannelRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		r.Kind = RefSingle
		return value.Decode(&r.Name)
	case yaml.SequenceNode:
		r.Kind = RefList
		return value.Decode(&r.Names)
	default:
		return fmt.Errorf("line %d: channel reference must be a name or a list of names", value.Line)
	}
}

// MarshalYAML renders the variant back in its source shape.
func (r ChannelRef) MarshalYAML() (any, error) {
	if r.Kind == RefList {
		return r.Names, nil
	}
	return r.Name, nil
}

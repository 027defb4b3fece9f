package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates a desired-state document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	cfg.Hash = hex.EncodeToString(sum[:])

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	return &cfg, nil
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Validate checks a Config for semantic correctness. Returns a list of
// validation error messages, empty if valid. Fatal problems land here;
// advisory findings are Normalize's warnings instead.
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported version %d — only version 1 is supported", cfg.Version))
	}
	if cfg.API.BaseURL == "" {
		errs = append(errs, "'api.baseUrl' is required")
	}
	if cfg.Routing.URL == "" {
		errs = append(errs, "'routing.url' is required")
	}
	if len(cfg.Servers) == 0 {
		errs = append(errs, "at least one server is required")
	}

	serverNames := make(map[string]bool)
	for i, srv := range cfg.Servers {
		prefix := fmt.Sprintf("server[%d]", i)
		if srv.Name != "" {
			prefix = fmt.Sprintf("server '%s'", srv.Name)
		}

		if srv.Name == "" {
			errs = append(errs, prefix+": 'name' is required")
		} else if serverNames[srv.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate server name '%s'", prefix, srv.Name))
		} else {
			serverNames[srv.Name] = true
		}

		if srv.ID == "" {
			errs = append(errs, prefix+": 'id' is required")
		}

		errs = append(errs, validateServer(prefix, srv)...)
	}

	return errs
}

func validateServer(prefix string, srv Server) []string {
	var errs []string

	// Names are identity keys: duplicates would make the diff ambiguous.
	catNames := make(map[string]bool)
	for _, cat := range srv.Categories {
		if cat.Name == "" {
			errs = append(errs, prefix+": category 'name' is required")
			continue
		}
		if catNames[cat.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate category name '%s'", prefix, cat.Name))
		}
		catNames[cat.Name] = true
	}

	chanNames := make(map[string]bool)
	checkChannel := func(ch ChannelDecl) {
		if ch.Name == "" {
			errs = append(errs, prefix+": channel 'name' is required")
			return
		}
		if chanNames[ch.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate channel name '%s'", prefix, ch.Name))
		}
		chanNames[ch.Name] = true
	}
	for _, cat := range srv.Categories {
		for _, ch := range cat.Channels {
			checkChannel(ch)
		}
	}
	for _, ch := range srv.Channels {
		checkChannel(ch)
	}

	threadKeys := make(map[string]bool)
	for _, th := range srv.Threads {
		if th.Channel == "" || th.Name == "" {
			errs = append(errs, prefix+": thread 'channel' and 'name' are required")
			continue
		}
		key := th.Channel + "/" + th.Name
		if threadKeys[key] {
			errs = append(errs, fmt.Sprintf("%s: duplicate thread '%s'", prefix, key))
		}
		threadKeys[key] = true
	}

	for _, b := range srv.Bindings {
		if b.Agent == "" {
			errs = append(errs, prefix+": binding 'agent' is required")
		}
		if len(b.Channel.Resolved()) == 0 {
			errs = append(errs, fmt.Sprintf("%s: binding for agent '%s' references no channel", prefix, b.Agent))
		}
	}

	return errs
}

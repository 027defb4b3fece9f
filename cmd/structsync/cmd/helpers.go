package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/caldren/structsync/internal/config"
	"github.com/caldren/structsync/internal/orchestrate"
	"github.com/caldren/structsync/internal/provider/routing"
	"github.com/caldren/structsync/internal/provider/workspace"
	"github.com/caldren/structsync/internal/snapshot"
	"github.com/caldren/structsync/pkg/structsync"
)

// loadConfig reads and validates the desired-state document.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	return cfg, nil
}

// buildOrchestrator wires providers for every configured server plus the
// shared routing store. The workspace API token comes from the
// STRUCTSYNC_TOKEN environment variable.
func buildOrchestrator(cfg *config.Config) (*orchestrate.Orchestrator, error) {
	token := os.Getenv("STRUCTSYNC_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("STRUCTSYNC_TOKEN is not set")
	}

	norm := config.Normalize(cfg)
	targets := make([]orchestrate.Target, 0, len(norm))
	for _, n := range norm {
		var warnings []string
		for _, w := range n.Warnings {
			warnings = append(warnings, w.Message)
		}
		targets = append(targets, orchestrate.Target{
			Name:      n.Desired.Name,
			ID:        n.Desired.ID,
			Desired:   n.Desired,
			Warnings:  warnings,
			Workspace: workspace.New(cfg.API.BaseURL, token, n.Desired.ID),
		})
	}

	rt, err := routing.New(cfg.Routing.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to routing store: %w", err)
	}

	return &orchestrate.Orchestrator{
		Targets:      targets,
		Routing:      rt,
		SnapshotPath: snapshot.PathFor(configPath),
		ConfigHash:   cfg.Hash,
		Log:          log,
	}, nil
}

// parseScope converts a comma-separated --only value into resource types.
func parseScope(only string) ([]structsync.ResourceType, error) {
	if only == "" {
		return nil, nil
	}
	var scope []structsync.ResourceType
	for _, part := range strings.Split(only, ",") {
		switch strings.TrimSpace(part) {
		case "categories", "category":
			scope = append(scope, structsync.ResourceCategory)
		case "channels", "channel":
			scope = append(scope, structsync.ResourceChannel)
		case "threads", "thread":
			scope = append(scope, structsync.ResourceThread)
		case "bindings", "binding":
			scope = append(scope, structsync.ResourceBinding)
		default:
			return nil, fmt.Errorf("unknown resource type %q in --only (valid: categories, channels, threads, bindings)", part)
		}
	}
	return scope, nil
}

// confirm prompts for a yes/no answer on stdin.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// info prints a line unless quiet mode is active.
func info(format string, args ...any) {
	if !quiet {
		fmt.Printf(format+"\n", args...)
	}
}

// detail prints a line only in verbose mode.
func detail(format string, args ...any) {
	if verbose {
		fmt.Printf("  "+format+"\n", args...)
	}
}

// errorf prints an error message to stderr.
func errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}

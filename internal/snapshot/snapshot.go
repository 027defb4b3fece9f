// Package snapshot persists a single point-in-time capture of all
// targeted actual state, used for rollback.
//
// Exactly one level of history exists: every save fully overwrites the
// file. Deeper history is delegated to whatever version control governs
// the configuration document.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caldren/structsync/pkg/structsync"
)

// LegacyServerName labels the single target of a pre-multi-server
// snapshot when it is upgraded on load.
const LegacyServerName = "default"

// LegacyTargetID is the placeholder id assigned to an upgraded legacy
// capture, whose original file never recorded one.
const LegacyTargetID = "unknown"

// ServerCapture is one target's pre-mutation state inside a snapshot.
type ServerCapture struct {
	TargetID       string                          `json:"targetId"`
	WorkspaceState structsync.ActualWorkspaceState `json:"workspaceState"`
}

// Snapshot is the persisted pre-mutation capture: every target's
// workspace state plus the one shared routing state.
type Snapshot struct {
	Timestamp    time.Time                     `json:"timestamp"`
	ConfigHash   string                        `json:"configHash"`
	Servers      map[string]ServerCapture      `json:"servers"`
	RoutingState structsync.ActualRoutingState `json:"routingState"`
}

// PathFor derives the snapshot file location from the configuration
// document's location: same directory, base name with dots replaced by
// dashes, suffixed "-snapshot.json".
func PathFor(configPath string) string {
	dir := filepath.Dir(configPath)
	base := strings.ReplaceAll(filepath.Base(configPath), ".", "-")
	return filepath.Join(dir, base+"-snapshot.json")
}

// Save serializes the snapshot and fully overwrites the file at path.
// The write goes through a temp file and rename so a crash never leaves
// a half-written snapshot behind.
func Save(snap *Snapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing temp snapshot %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp snapshot to %s: %w", path, err)
	}
	return nil
}

// legacyShape matches the old single-server snapshot file, which carried
// the workspace state inline at the top level with no servers map.
type legacyShape struct {
	Timestamp      time.Time                        `json:"timestamp"`
	ConfigHash     string                           `json:"configHash"`
	Servers        map[string]ServerCapture         `json:"servers"`
	WorkspaceState *structsync.ActualWorkspaceState `json:"workspaceState"`
	RoutingState   structsync.ActualRoutingState    `json:"routingState"`
}

// Load reads the snapshot at path. The second return value is false when
// there is nothing usable to roll back to: the file does not exist or
// does not parse. Callers branch on that instead of an error.
//
// A legacy single-server file is transparently upgraded into the
// multi-server shape under LegacyServerName / LegacyTargetID, so old
// snapshots remain usable forever.
func Load(path string) (*Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	var raw legacyShape
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, nil
	}

	snap := &Snapshot{
		Timestamp:    raw.Timestamp,
		ConfigHash:   raw.ConfigHash,
		Servers:      raw.Servers,
		RoutingState: raw.RoutingState,
	}
	if snap.Servers == nil && raw.WorkspaceState != nil {
		snap.Servers = map[string]ServerCapture{
			LegacyServerName: {
				TargetID:       LegacyTargetID,
				WorkspaceState: *raw.WorkspaceState,
			},
		}
	}
	if snap.Servers == nil {
		snap.Servers = map[string]ServerCapture{}
	}
	return snap, true, nil
}

// Package store persists LinkMonitorState to disk between restarts: node
// and interface overload flags, metric overrides, and claimed node labels
// (spec §4.7 "the updated LinkMonitorState is written to the persistent
// store before any advertisement is issued"). It is grounded on the
// teacher's manager.WriteState/LoadOrMigrateState pair — atomic write via a
// temp file and rename, JSON encoding, directory creation on first write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelnet/linkmond/internal/types"
)

const stateFileName = "linkmon_state.json"

// Load reads the persisted state from dir. A missing file is not an error:
// it returns a fresh zero-value state, matching a first-time daemon start
// (spec: node labels and overrides default to unset).
func Load(dir string) (*types.LinkMonitorState, error) {
	path := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return types.NewLinkMonitorState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading state file: %w", err)
	}
	var s types.LinkMonitorState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("store: parsing state file: %w", err)
	}
	return &s, nil
}

// Exists reports whether a state file is already present in dir, so callers
// can distinguish "first startup" from "startup with a persisted-but-zero
// state" (spec §6 "on first startup the node overload flag is initialized
// from the assumeDrained policy").
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, stateFileName))
	return err == nil
}

// Save writes state to dir atomically: marshal, write to a temp file, then
// rename over the real path, so a crash mid-write never corrupts the
// previously persisted state (spec §4.7's crash-safety requirement).
func Save(dir string, state *types.LinkMonitorState) error {
	path := filepath.Join(dir, stateFileName)
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: creating state directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("store: writing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: renaming state file: %w", err)
	}
	return nil
}

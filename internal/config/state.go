package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// State records the current slideshow selection per output so a restart
// resumes from the same image instead of snapping back to the first one.
type State struct {
	// Current maps output name to the path last committed on it.
	Current map[string]string `yaml:"current"`
}

// StatePath returns the persisted state location under XDG_STATE_HOME.
func StatePath() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve state dir: %w", err)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, appName, "state.yml"), nil
}

// LoadState reads persisted state; a missing file is an empty state.
func LoadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{Current: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read state %s: %w", path, err)
	}
	var st State
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("config: parse state %s: %w", path, err)
	}
	if st.Current == nil {
		st.Current = map[string]string{}
	}
	return &st, nil
}

// SaveState writes state atomically.
func SaveState(path string, st *State) error {
	raw, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("config: marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("config: write state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename state %s: %w", path, err)
	}
	return nil
}

// Package config loads and persists the daemon configuration.
//
// The on-disk store is a single YAML file under the XDG config directory.
// Top-level keys:
//
//	same-on-all: true         # one entry drives every output
//	all:                      # entry applied when same-on-all is set
//	  source: /usr/share/backgrounds
//	outputs:                  # per-output entries when same-on-all is false
//	  DP-1:
//	    source: ~/Pictures/walls
//
// Missing or invalid fields fall back to documented defaults so a partial
// file never prevents startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	appName  = "driftbg"
	fileName = "config.yml"
)

// Config is the root of the YAML store.
type Config struct {
	SameOnAll bool             `yaml:"same-on-all"`
	All       Entry            `yaml:"all"`
	Outputs   map[string]Entry `yaml:"outputs"`
}

// Default returns the configuration used when no store exists yet:
// every output shows the system background directory as a zoomed
// alphanumeric slideshow.
func Default() *Config {
	e := Entry{Output: "all"}
	e.applyDefaults()
	return &Config{
		SameOnAll: true,
		All:       e,
	}
}

// Path returns the location of the config store, honoring XDG_CONFIG_HOME.
func Path() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve config dir: %w", err)
	}
	return filepath.Join(base, appName, fileName), nil
}

// Load reads the store from path. A missing file yields Default() and no
// error; a malformed file is an error so the caller can keep its previous
// state instead of flashing defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("config: no store found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.All.Output = "all"
	cfg.All.applyDefaults()
	for name, e := range cfg.Outputs {
		e.Output = name
		e.applyDefaults()
		cfg.Outputs[name] = e
	}
	return &cfg, nil
}

// Save writes the store atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename %s: %w", path, err)
	}
	return nil
}

// EntryFor resolves the entry that drives the named output.
// With same-on-all set, every output shares the "all" entry.
func (c *Config) EntryFor(output string) Entry {
	if c.SameOnAll {
		e := c.All
		e.Output = output
		return e
	}
	if e, ok := c.Outputs[output]; ok {
		return e
	}
	e := c.All
	e.Output = output
	return e
}

// Package luaconfig loads host-tunable limits for the engine, grounded on
// stackedboxes-romualdo's pelletier/go-toml/v2-based configuration loading.
package luaconfig

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the limits a host embedding this engine can tune. The engine
// itself does not enforce MaxFrames/MaxRegisters (spec.md names no
// runaway-growth behavior to implement beyond what Go's own slice growth
// already provides), and cmd/lucoro does not load a Config; the values are
// only read and returned to whichever host calls Load.
type Config struct {
	MaxFrames    int    `toml:"max_frames"`
	MaxRegisters int    `toml:"max_registers"`
	SnapshotDir  string `toml:"snapshot_dir"`
}

// Default returns the engine's built-in limits, used when no config file is
// present.
func Default() *Config {
	return &Config{MaxFrames: 200, MaxRegisters: 250, SnapshotDir: "."}
}

// Load reads a TOML config file at path, filling any field the file omits
// with Default's value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load with a missing file treated as "use the defaults"
// rather than an error, the common case for an optional lucoro.toml.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}

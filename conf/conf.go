// Package conf loads the optional minivm.toml configuration controlling
// default execution mode, the memory back-end and debugger preferences.
package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the per-project configuration file, looked up in the working
// directory.
const FileName = "minivm.toml"

// UserFileName is the per-user fallback in the home directory.
const UserFileName = ".minivmrc"

// VMConfig selects execution defaults; command-line flags override it.
type VMConfig struct {
	// Mode is "eeyore" (stack IR) or "tigger" (register IR).
	Mode string `toml:"mode"`
	// Memory is "sparse" or "dense"; empty selects the mode's default.
	Memory string `toml:"memory"`
}

// DebuggerConfig adjusts the interactive debugger.
type DebuggerConfig struct {
	Prompt  string `toml:"prompt"`
	Layout  string `toml:"layout"` // "src" or "asm"
	History string `toml:"history"`
}

// Config is the root of minivm.toml.
type Config struct {
	VM       VMConfig       `toml:"vm"`
	Debugger DebuggerConfig `toml:"debugger"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		VM: VMConfig{Mode: "eeyore"},
		Debugger: DebuggerConfig{
			Prompt: "minidbg> ",
			Layout: "src",
		},
	}
}

// Load reads minivm.toml from the working directory, falling back to
// ~/.minivmrc, falling back to defaults. A missing file is not an error; a
// malformed one is.
func Load() (*Config, error) {
	if cfg, err := LoadFile(FileName); err != nil || cfg != nil {
		return cfg, err
	}
	if home, err := os.UserHomeDir(); err == nil {
		if cfg, err := LoadFile(filepath.Join(home, UserFileName)); err != nil || cfg != nil {
			return cfg, err
		}
	}
	return Default(), nil
}

// LoadFile reads one configuration file. It returns (nil, nil) when the file
// does not exist.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.VM.Mode {
	case "", "eeyore", "tigger":
	default:
		return fmt.Errorf("invalid vm.mode %q (want eeyore or tigger)", c.VM.Mode)
	}
	switch c.VM.Memory {
	case "", "sparse", "dense":
	default:
		return fmt.Errorf("invalid vm.memory %q (want sparse or dense)", c.VM.Memory)
	}
	switch c.Debugger.Layout {
	case "", "src", "asm":
	default:
		return fmt.Errorf("invalid debugger.layout %q (want src or asm)", c.Debugger.Layout)
	}
	return nil
}

// HistoryPath resolves the debugger history file, defaulting to
// ~/.minivm_history.
func (c *Config) HistoryPath() string {
	if c.Debugger.History != "" {
		return c.Debugger.History
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".minivm_history")
}

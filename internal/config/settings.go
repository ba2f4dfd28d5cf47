package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// SettingsFileName is the name of the Corvus tool settings file.
const SettingsFileName = "corvus.toml"

// Settings holds machine-level tool settings from corvus.toml. These are
// distinct from pipeline configs: they describe the environment (runtime
// commands, state location), not a pipeline.
type Settings struct {
	// StateDir overrides the default .agent-pipeline directory, resolved
	// relative to the repository root when not absolute.
	StateDir string `toml:"state_dir"`

	// BaseBranch is the base_branch key of the settings file. It is
	// decoded only; no pipeline's git.baseBranch is changed by it.
	BaseBranch string `toml:"base_branch"`

	// Runtimes maps runtime names to their adapter configuration,
	// e.g. [runtimes.claude].
	Runtimes map[string]RuntimeSettings `toml:"runtimes"`
}

// RuntimeSettings configures one agent runtime adapter.
type RuntimeSettings struct {
	// Command is the CLI executable name (e.g. "claude").
	Command string `toml:"command"`

	// Model is the model identifier passed to the runtime.
	Model string `toml:"model"`

	// PermissionMode is the permission mode flag passed to the runtime.
	PermissionMode string `toml:"permission_mode"`

	// ExtraArgs are appended verbatim to the runtime command line.
	ExtraArgs []string `toml:"extra_args"`
}

// FindSettingsFile walks up from startDir looking for corvus.toml. It
// returns the absolute path, or an empty string when no settings file
// exists anywhere up to the filesystem root.
func FindSettingsFile(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("config: resolving path: %w", err)
	}
	for {
		candidate := filepath.Join(dir, SettingsFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root.
			return "", nil
		}
		dir = parent
	}
}

// LoadSettings parses the TOML settings file at path. The returned
// metadata can be used to detect unknown keys via MetaData.Undecoded().
func LoadSettings(path string) (*Settings, toml.MetaData, error) {
	var s Settings
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, md, fmt.Errorf("config: loading settings %s: %w", path, err)
	}
	return &s, md, nil
}

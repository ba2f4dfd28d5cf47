package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
state_dir = ".pipelines"
base_branch = "develop"

[runtimes.claude]
command = "claude"
model = "claude-sonnet-4-20250514"
permission_mode = "acceptEdits"
extra_args = ["--no-color"]
`

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	s, md, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, ".pipelines", s.StateDir)
	assert.Equal(t, "develop", s.BaseBranch)
	claude := s.Runtimes["claude"]
	assert.Equal(t, "claude", claude.Command)
	assert.Equal(t, "claude-sonnet-4-20250514", claude.Model)
	assert.Equal(t, "acceptEdits", claude.PermissionMode)
	assert.Equal(t, []string{"--no-color"}, claude.ExtraArgs)
	assert.Empty(t, md.Undecoded(), "no unknown keys expected")
}

func TestFindSettingsFile_WalksUp(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	path := filepath.Join(root, SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte("base_branch = \"main\"\n"), 0o644))

	found, err := FindSettingsFile(nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestFindSettingsFile_NotFound(t *testing.T) {
	t.Parallel()

	found, err := FindSettingsFile(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, found)
}

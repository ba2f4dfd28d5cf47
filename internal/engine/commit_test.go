package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitIfDirty_CleanTree(t *testing.T) {
	t.Parallel()

	_, client := initRepo(t)
	cm := NewCommitManager(client, nil)

	sha, files, err := cm.CommitIfDirty(context.Background(), "", "msg", nil)
	require.NoError(t, err)
	assert.Empty(t, sha)
	assert.Empty(t, files)
}

func TestCommitIfDirty_CommitsOnce(t *testing.T) {
	t.Parallel()

	dir, client := initRepo(t)
	cm := NewCommitManager(client, nil)
	ctx := context.Background()

	writeFile(t, dir, "feature.go", "package feature\n")

	sha, files, err := cm.CommitIfDirty(ctx, "", "pipeline(demo): implement", nil)
	require.NoError(t, err)
	assert.Len(t, sha, 40)
	assert.Equal(t, []string{"feature.go"}, files)

	// Idempotence: the tree is clean now, a second call commits nothing.
	sha2, files2, err := cm.CommitIfDirty(ctx, "", "pipeline(demo): implement", nil)
	require.NoError(t, err)
	assert.Empty(t, sha2)
	assert.Empty(t, files2)

	log := git(t, dir, "log", "--oneline")
	assert.Contains(t, log, "pipeline(demo): implement")
}

func TestCommitIfDirty_IgnorePatterns(t *testing.T) {
	t.Parallel()

	dir, client := initRepo(t)
	cm := NewCommitManager(client, nil)
	ctx := context.Background()

	writeFile(t, dir, "kept.go", "package kept\n")
	writeFile(t, dir, "scratch/notes.txt", "temp\n")

	sha, files, err := cm.CommitIfDirty(ctx, "", "msg", []string{"scratch/**"})
	require.NoError(t, err)
	assert.Len(t, sha, 40)
	assert.Equal(t, []string{"kept.go"}, files)

	// The ignored path is still pending, but now counts as clean when it
	// is the only change left... it is excluded again.
	sha2, _, err := cm.CommitIfDirty(ctx, "", "msg", []string{"scratch/**"})
	require.NoError(t, err)
	assert.Empty(t, sha2)
}

func TestCommitIfDirty_PipelineBookkeepingAlwaysIgnored(t *testing.T) {
	t.Parallel()

	dir, client := initRepo(t)
	cm := NewCommitManager(client, nil)

	writeFile(t, dir, ".agent-pipeline/outputs/r1/stage-raw.md", "log\n")

	sha, _, err := cm.CommitIfDirty(context.Background(), "", "msg", nil)
	require.NoError(t, err)
	assert.Empty(t, sha, "pipeline state must never end up in a stage commit")
}

func TestCommitIfDirty_ExplicitWorkdir(t *testing.T) {
	t.Parallel()

	dir, client := initRepo(t)
	// The manager is built over a client rooted elsewhere; the call
	// routes through At(workdir).
	_, otherClient := initRepo(t)
	cm := NewCommitManager(otherClient, nil)

	writeFile(t, dir, "x.go", "package x\n")
	sha, _, err := cm.CommitIfDirty(context.Background(), dir, "msg", nil)
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	dirty, err := client.IsDirty(context.Background())
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestFilterIgnored(t *testing.T) {
	t.Parallel()

	paths := []string{"a/b.go", "a/b_test.go", "vendor/x.go", "top.md"}
	kept := filterIgnored(paths, []string{"vendor/**", "**/*_test.go"})
	assert.Equal(t, []string{"a/b.go", "top.md"}, kept)
}

package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeWithRun(t *testing.T, runID string, start time.Time) (*Store, *PipelineState) {
	t.Helper()
	st := newTestState(t)
	st.RunID = runID
	st.StartTime = start
	store := NewStore(t.TempDir())
	require.NoError(t, store.Create(st))
	return store, st
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	st := newTestState(t)
	now := time.Now().UTC()
	st.Status = StatusPartial
	st.EndTime = &now
	st.Stages = append(st.Stages, StageExecution{
		StageName:    "implement",
		Status:       StageSuccess,
		StartTime:    now,
		Duration:     12.5,
		CommitSha:    "deadbeef",
		Outputs:      map[string]any{"summary": "done"},
		ExtractedData: map[string]string{"files": "3"},
		TokenUsage:   &TokenUsage{ActualInput: 100, Output: 50, NumTurns: 4},
	})

	require.NoError(t, store.Save(st))

	loaded, err := store.Load(st.RunID)
	require.NoError(t, err)
	assert.Equal(t, st, loaded, "load(save(s)) must reproduce s")
}

func TestStore_SaveIsByteStable(t *testing.T) {
	t.Parallel()

	store, st := storeWithRun(t, "r-stable", time.Now().UTC())

	path := filepath.Join(store.RunsDir(), st.RunID+".json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	loaded, err := store.Load(st.RunID)
	require.NoError(t, err)
	require.NoError(t, store.Save(loaded))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "save -> load -> save must be byte-identical")
}

func TestStore_CreateRejectsDuplicate(t *testing.T) {
	t.Parallel()

	store, st := storeWithRun(t, "r-dup", time.Now().UTC())

	err := store.Create(st)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRun))
}

func TestStore_SaveUpdatesExisting(t *testing.T) {
	t.Parallel()

	store, st := storeWithRun(t, "r-upd", time.Now().UTC())

	st.Status = StatusCompleted
	require.NoError(t, store.Save(st))

	loaded, err := store.Load(st.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	_, err := store.Load("r-ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListAndLatest(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mk := func(runID, pipeline, status string, offset time.Duration) {
		st := newTestState(t)
		st.RunID = runID
		st.PipelineConfig.Name = pipeline
		st.Status = status
		st.StartTime = base.Add(offset)
		require.NoError(t, store.Create(st))
	}

	mk("r-old", "alpha", StatusCompleted, 0)
	mk("r-mid", "beta", StatusFailed, time.Hour)
	mk("r-new", "alpha", StatusCompleted, 2*time.Hour)

	all, err := store.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r-new", all[0].RunID, "most recent first")
	assert.Equal(t, "r-old", all[2].RunID)

	alphas, err := store.List(Filter{Pipeline: "alpha"})
	require.NoError(t, err)
	assert.Len(t, alphas, 2)

	failed, err := store.List(Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r-mid", failed[0].RunID)

	limited, err := store.List(Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	latest, err := store.LatestRun()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "r-new", latest.RunID)
}

func TestStore_LatestRunEmpty(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	latest, err := store.LatestRun()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_ListSkipsCorruptFiles(t *testing.T) {
	t.Parallel()

	store, _ := storeWithRun(t, "r-good", time.Now().UTC())
	require.NoError(t, os.WriteFile(filepath.Join(store.RunsDir(), "broken.json"), []byte("{oops"), 0o644))

	runs, err := store.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStore_NoPartialFilesLeftBehind(t *testing.T) {
	t.Parallel()

	store, _ := storeWithRun(t, "r-tmp", time.Now().UTC())

	entries, err := os.ReadDir(store.RunsDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".corvus-state-", "temp file must not survive a save")
	}
}

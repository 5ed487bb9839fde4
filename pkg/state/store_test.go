package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tccp/tccp/pkg/types"
)

func TestOpenCreatesEmptyState(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "demo")
	require.NoError(t, err)
	require.Empty(t, st.Allocations())
	require.Empty(t, st.Jobs())
}

func TestOpenTreatsCorruptFileAsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "state"), 0o700))
	require.NoError(t, os.WriteFile(Path(dir, "demo"), []byte("not: [valid yaml"), 0o600))

	st, err := Open(dir, "demo")
	require.NoError(t, err)
	require.Empty(t, st.Jobs())
}

func TestUpsertAllocationPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "demo")
	require.NoError(t, err)

	a := &types.Allocation{AllocationID: "123", DurationMinutes: 240}
	require.NoError(t, st.UpsertAllocation(a))

	reopened, err := Open(dir, "demo")
	require.NoError(t, err)
	got := reopened.GetAllocation("123")
	require.NotNil(t, got)
	require.Equal(t, 240, got.DurationMinutes)
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "demo")
	require.NoError(t, err)
	require.NoError(t, st.UpsertAllocation(&types.Allocation{AllocationID: "a1"}))

	snap := st.Snapshot()
	snap.Allocations["a1"].Node = "mutated-in-caller-copy"

	require.Equal(t, "", st.GetAllocation("a1").Node)
}

func TestPruneTerminalKeepsOnlyLatestPerName(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, "demo")
	require.NoError(t, err)

	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	old := &types.TrackedJob{JobID: "old", Name: "train", Completed: true, SubmitTime: base}
	newer := &types.TrackedJob{JobID: "new", Name: "train", Completed: true, SubmitTime: base.Add(time.Hour)}
	running := &types.TrackedJob{JobID: "running", Name: "eval", Completed: false, SubmitTime: base}

	require.NoError(t, st.UpsertJob(old))
	require.NoError(t, st.UpsertJob(newer))
	require.NoError(t, st.UpsertJob(running))

	require.NoError(t, st.PruneTerminal())

	jobs := st.Jobs()
	require.Len(t, jobs, 2)
	require.Contains(t, jobs, "new")
	require.Contains(t, jobs, "running")
	require.NotContains(t, jobs, "old")
}

func TestNewJobIDFormat(t *testing.T) {
	ts := time.Date(2025, 1, 15, 10, 30, 0, 123_000_000, time.UTC)
	id := NewJobID("train", ts)
	require.Equal(t, "2025-01-15T10-30-00-123__train", id)
}

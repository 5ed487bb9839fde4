package alloc

import (
	"context"
	"testing"
	"time"

	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/muxer"
	"github.com/tccp/tccp/pkg/state"
	"github.com/tccp/tccp/pkg/types"
)

type fakeRunner struct {
	responses map[string]muxer.RunResult
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, cmd string, _ time.Duration) (muxer.RunResult, error) {
	f.calls = append(f.calls, cmd)
	for prefix, res := range f.responses {
		if len(cmd) >= len(prefix) && cmd[:len(prefix)] == prefix {
			return res, nil
		}
	}
	return muxer.RunResult{}, nil
}

func newTestManager(t *testing.T, runner CommandRunner) *Manager {
	t.Helper()
	st, err := state.Open(t.TempDir(), "demo")
	if err != nil {
		t.Fatalf("opening state: %v", err)
	}
	return New(runner, st)
}

func TestClaimFreeAtomicallyAssignsJob(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	a := &types.Allocation{
		AllocationID: "123", Node: "gpu01", DurationMinutes: 240, StartTime: time.Now(),
		Profile: types.ResourceProfile{CPUs: 8, Memory: "32G"},
	}
	if err := m.store.UpsertAllocation(a); err != nil {
		t.Fatalf("seeding allocation: %v", err)
	}

	got, err := m.ClaimFree(60, types.ResourceProfile{CPUs: 4, Memory: "8G"}, "job-1")
	if err != nil {
		t.Fatalf("ClaimFree: %v", err)
	}
	if got == nil || got.ActiveJobID != "job-1" {
		t.Fatalf("expected claim to assign job-1, got %+v", got)
	}

	again, err := m.ClaimFree(60, types.ResourceProfile{CPUs: 4, Memory: "8G"}, "job-2")
	if err != nil {
		t.Fatalf("ClaimFree (second): %v", err)
	}
	if again != nil {
		t.Fatalf("expected no free allocation left, got %+v", again)
	}
}

func TestClaimFreeRejectsInsufficientRemainingTime(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	a := &types.Allocation{
		AllocationID: "123", Node: "gpu01", DurationMinutes: 30,
		StartTime: time.Now().Add(-25 * time.Minute), // 5 min remaining
	}
	if err := m.store.UpsertAllocation(a); err != nil {
		t.Fatalf("seeding allocation: %v", err)
	}

	got, err := m.ClaimFree(60, types.ResourceProfile{}, "job-1")
	if err != nil {
		t.Fatalf("ClaimFree: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no claim due to insufficient remaining time, got %+v", got)
	}
}

func TestReconcileDropsTerminalAllocations(t *testing.T) {
	runner := &fakeRunner{responses: map[string]muxer.RunResult{
		"squeue -h -j": {Stdout: "123|RUNNING|gpu01\n"},
	}}
	m := newTestManager(t, runner)
	if err := m.store.UpsertAllocation(&types.Allocation{AllocationID: "123"}); err != nil {
		t.Fatal(err)
	}
	if err := m.store.UpsertAllocation(&types.Allocation{AllocationID: "456"}); err != nil {
		t.Fatal(err)
	}

	if err := m.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if m.store.GetAllocation("123") == nil {
		t.Fatal("expected allocation 123 (RUNNING) to survive reconcile")
	}
	if a := m.store.GetAllocation("123"); a.Node != "gpu01" {
		t.Fatalf("expected node filled in, got %q", a.Node)
	}
	if m.store.GetAllocation("456") != nil {
		t.Fatal("expected allocation 456 (absent from squeue) to be dropped")
	}
}

func TestResolveProfileMergesLayersAndDefaultsTime(t *testing.T) {
	global := config.SlurmOverride{Partition: "batch"}
	project := config.SlurmOverride{Nodes: 4}
	job := config.SlurmOverride{CPUsPerTask: 2}

	p := ResolveProfile(global, project, job)
	if p.Partition != "batch" || p.Nodes != 4 || p.CPUs != 2 {
		t.Fatalf("unexpected merged profile: %+v", p)
	}
	if p.Time != "4:00:00" {
		t.Fatalf("expected default time 4:00:00, got %q", p.Time)
	}
}

package alloc

import (
	"strings"
	"testing"
)

func TestParseSinfoMatchesVariantByNodePrefix(t *testing.T) {
	m := &Manager{}
	out := m.parseSinfo("gpu|gpu:a100:4|10|256000|32|mix|cc1gpu[001-010]\n")
	if len(out) != 1 {
		t.Fatalf("got %d resources, want 1: %+v", len(out), out)
	}
	r := out[0]
	if r.VariantID != "a100-40gb" || r.BaseType != "a100" || r.GPUPerNode != 4 || r.TotalNodes != 10 {
		t.Fatalf("unexpected resource: %+v", r)
	}
	if r.AvailableNodes != 10 {
		t.Fatalf("expected available nodes from mix state, got %d", r.AvailableNodes)
	}
}

func TestParseSinfoRawEntryWhenNoVariantMatches(t *testing.T) {
	m := &Manager{}
	out := m.parseSinfo("other|gpu:v100:2|5|128000|16|idle|weirdnode[01-05]\n")
	if len(out) != 1 {
		t.Fatalf("got %d resources, want 1", len(out))
	}
	if out[0].VariantID != "" || out[0].BaseType != "v100" {
		t.Fatalf("expected raw unmatched entry, got %+v", out[0])
	}
}

func TestParseSinfoSkipsNonGPURows(t *testing.T) {
	m := &Manager{}
	out := m.parseSinfo("batch|(null)|20|64000|8|idle|cpu[001-020]\n")
	if len(out) != 0 {
		t.Fatalf("expected no GPU resources, got %+v", out)
	}
}

func TestParseSacctmgrPartitions(t *testing.T) {
	got := parseSacctmgrPartitions("gpu|\nbatch|\ngpu|\n")
	want := []string{"gpu", "batch"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestFindGPUPartitionPrefersAvailableAndCheaperTier(t *testing.T) {
	resources := []GPUResource{
		{Partition: "gpu1", VariantID: "a100-80gb", BaseType: "a100", Tier: 2, GPUPerNode: 8, TotalNodes: 4, AvailableNodes: 0},
		{Partition: "gpu2", VariantID: "a100-40gb", BaseType: "a100", Tier: 1, GPUPerNode: 4, TotalNodes: 2, AvailableNodes: 2},
	}
	partition, gpuType, nodePrefix, err := FindGPUPartition(resources, "a100", 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partition != "gpu2" || gpuType != "a100-40gb" {
		t.Fatalf("got partition=%s gpuType=%s nodePrefix=%s, want gpu2/a100-40gb", partition, gpuType, nodePrefix)
	}
}

func TestFindGPUPartitionRestrictsToUserPartitions(t *testing.T) {
	resources := []GPUResource{
		{Partition: "gpu1", BaseType: "a100", GPUPerNode: 4, TotalNodes: 2, AvailableNodes: 2},
		{Partition: "gpu2", BaseType: "a100", GPUPerNode: 4, TotalNodes: 2, AvailableNodes: 2},
	}
	partition, _, _, err := FindGPUPartition(resources, "a100", 1, []string{"gpu2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partition != "gpu2" {
		t.Fatalf("got partition=%s, want gpu2", partition)
	}
}

func TestFindGPUPartitionNoMatchListsAvailable(t *testing.T) {
	resources := []GPUResource{
		{Partition: "gpu1", BaseType: "v100", GPUPerNode: 2, TotalNodes: 1},
	}
	_, _, _, err := FindGPUPartition(resources, "h100", 1, nil)
	if err == nil {
		t.Fatal("expected error for unmatched GPU type")
	}
	if !strings.Contains(err.Error(), "gpu1") {
		t.Fatalf("expected error to enumerate available resources, got: %v", err)
	}
}

func TestTypeMatchesBoundedSubstring(t *testing.T) {
	r := &GPUResource{VariantID: "a100-40gb", BaseType: "a100"}
	if !typeMatches("a100", r) {
		t.Fatal("expected bare base type to match variant")
	}
	if !typeMatches("a100-40gb", r) {
		t.Fatal("expected exact variant id to match")
	}
	if typeMatches("a100-40g", r) {
		t.Fatal("unbounded substring should not match")
	}
}

package alloc

import (
	"testing"

	"github.com/tccp/tccp/pkg/types"
)

func TestCompatiblePartitionMismatch(t *testing.T) {
	a := types.ResourceProfile{Partition: "batch", CPUs: 8, Memory: "32G"}
	j := types.ResourceProfile{Partition: "gpu", CPUs: 4}
	ok, err := Compatible(a, j)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestCompatibleResourceSizing(t *testing.T) {
	a := types.ResourceProfile{CPUs: 8, Memory: "32G", Nodes: 2, GPUCount: 2, GPUType: "a100"}
	cases := []struct {
		name string
		j    types.ResourceProfile
		want bool
	}{
		{"fits", types.ResourceProfile{CPUs: 4, Memory: "16G", Nodes: 1, GPUCount: 1, GPUType: "a100"}, true},
		{"too many cpus", types.ResourceProfile{CPUs: 16}, false},
		{"too much memory", types.ResourceProfile{Memory: "64G"}, false},
		{"too many nodes", types.ResourceProfile{Nodes: 3}, false},
		{"too many gpus", types.ResourceProfile{GPUCount: 4}, false},
		{"wrong gpu type", types.ResourceProfile{GPUCount: 1, GPUType: "h100"}, false},
		{"no gpu required", types.ResourceProfile{CPUs: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Compatible(a, tc.j)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestParseMemoryMB(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"512", 512},
		{"16G", 16 * 1024},
		{"16GB", 16 * 1024},
		{"2T", 2 * 1024 * 1024},
		{"256M", 256},
	}
	for _, tc := range cases {
		got, err := parseMemoryMB(tc.in)
		if err != nil {
			t.Fatalf("parseMemoryMB(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseMemoryMB(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

package alloc

import (
	"strings"
	"testing"

	"github.com/tccp/tccp/pkg/types"
)

func TestGenerateSbatchDefaultsPartitionByGPU(t *testing.T) {
	cpu := GenerateSbatch(types.ResourceProfile{CPUs: 4, Nodes: 1}, "")
	if !strings.Contains(cpu, "--partition=batch") {
		t.Fatalf("expected batch partition default, got:\n%s", cpu)
	}

	gpu := GenerateSbatch(types.ResourceProfile{CPUs: 4, Nodes: 1, GPUCount: 1, GPUType: "a100-40gb"}, "a100")
	if !strings.Contains(gpu, "--partition=gpu") {
		t.Fatalf("expected gpu partition default, got:\n%s", gpu)
	}
	if !strings.Contains(gpu, "--gres=gpu:a100:1") {
		t.Fatalf("expected gres using base type, got:\n%s", gpu)
	}
}

func TestGenerateSbatchExplicitPartitionWins(t *testing.T) {
	out := GenerateSbatch(types.ResourceProfile{Partition: "interactive", CPUs: 2, Nodes: 1}, "")
	if !strings.Contains(out, "--partition=interactive") {
		t.Fatalf("expected explicit partition preserved, got:\n%s", out)
	}
}

func TestGenerateSbatchOptionalDirectives(t *testing.T) {
	out := GenerateSbatch(types.ResourceProfile{
		CPUs: 2, Nodes: 1, NodeConstraint: "cc1gpu[001-010]", ExcludeNodes: "cc1gpu005",
		MailType: "END", Time: "2:00:00",
	}, "")
	for _, want := range []string{
		"--nodelist=cc1gpu[001-010]",
		"--exclude=cc1gpu005",
		"--mail-type=END",
		"--time=2:00:00",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}

func TestParseTimeMinutesFormats(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"4:00:00", 240},
		{"0:30:00", 30},
		{"1-00:00:00", 1440},
		{"10:30", 11},
		{"0:00:01", 1},
	}
	for _, tc := range cases {
		got, err := ParseTimeMinutes(tc.in)
		if err != nil {
			t.Fatalf("ParseTimeMinutes(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseTimeMinutes(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

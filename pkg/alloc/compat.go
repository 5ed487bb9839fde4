package alloc

import (
	"strconv"
	"strings"

	units "github.com/docker/go-units"

	"github.com/tccp/tccp/pkg/types"
)

// Compatible reports whether allocation profile a can host a job requiring
// profile j, per spec.md §4.5.1.
func Compatible(a, j types.ResourceProfile) (bool, error) {
	if j.Partition != "" && a.Partition != j.Partition {
		return false, nil
	}
	if a.CPUs < j.CPUs {
		return false, nil
	}
	aMem, err := parseMemoryMB(a.Memory)
	if err != nil {
		return false, err
	}
	jMem, err := parseMemoryMB(j.Memory)
	if err != nil {
		return false, err
	}
	if aMem < jMem {
		return false, nil
	}
	if a.Nodes < j.Nodes {
		return false, nil
	}
	if j.GPUCount > 0 {
		if a.GPUCount < j.GPUCount {
			return false, nil
		}
		if j.GPUType != "" && a.GPUType != j.GPUType {
			return false, nil
		}
	}
	return true, nil
}

// parseMemoryMB parses a Slurm-style memory string (T/TB, G/GB, M/MB
// suffixes, case-insensitive; a bare integer means megabytes) into
// megabytes. docker/go-units' RAMInBytes handles the suffixed forms; bare
// digit strings are special-cased since RAMInBytes treats a bare number as
// bytes, not the megabytes spec.md §4.5.1 calls for.
func parseMemoryMB(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if isAllDigits(s) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return int(b / (1024 * 1024)), nil
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

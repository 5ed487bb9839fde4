package alloc

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/metrics"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

const sbatchSubmitTimeout = 30 * time.Second

var submittedJobRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// GenerateSbatch renders the #SBATCH directive block for profile, per
// spec.md §4.5.2. baseGPUType resolves a variant id like "a100-40gb" down
// to the actual GRES name ("a100"); callers without a variant catalog may
// pass profile.GPUType unchanged.
func GenerateSbatch(profile types.ResourceProfile, baseGPUType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/bash\n")

	partition := profile.Partition
	if partition == "" {
		if profile.GPUCount > 0 {
			partition = "gpu"
		} else {
			partition = "batch"
		}
	}
	fmt.Fprintf(&b, "#SBATCH --partition=%s\n", partition)
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", maxInt(profile.Nodes, 1))
	fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", maxInt(profile.CPUs, 1))
	if profile.Memory != "" {
		fmt.Fprintf(&b, "#SBATCH --mem=%s\n", profile.Memory)
	}
	if profile.Time != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", profile.Time)
	}
	if profile.GPUCount > 0 {
		gresType := baseGPUType
		if gresType == "" {
			gresType = profile.GPUType
		}
		fmt.Fprintf(&b, "#SBATCH --gres=gpu:%s:%d\n", gresType, profile.GPUCount)
	}
	if profile.NodeConstraint != "" {
		fmt.Fprintf(&b, "#SBATCH --nodelist=%s\n", profile.NodeConstraint)
	}
	if profile.ExcludeNodes != "" {
		fmt.Fprintf(&b, "#SBATCH --exclude=%s\n", profile.ExcludeNodes)
	}
	if profile.MailType != "" {
		fmt.Fprintf(&b, "#SBATCH --mail-type=%s\n", profile.MailType)
	}
	b.WriteString("\nsleep infinity\n")
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Allocate ensures the base remote directories exist, submits a fresh
// sbatch script, persists a pending Allocation record immediately (so a
// crash before RUNNING still records the reservation), and then waits for
// it to come up.
func (m *Manager) Allocate(ctx context.Context, profile types.ResourceProfile, baseGPUType string, remoteHome, project, containerCache string, statusCB StatusCallback) (*types.Allocation, error) {
	if statusCB == nil {
		statusCB = func(string) {}
	}
	logger := log.WithComponent("alloc")

	projectBase := fmt.Sprintf("%s/tool/projects/%s", strings.TrimRight(remoteHome, "/"), project)
	mkdirCmd := fmt.Sprintf(
		"mkdir -p %s %s/env %s/images %s/cache %s/tmp",
		projectBase, projectBase,
		strings.TrimRight(containerCache, "/"), strings.TrimRight(containerCache, "/"), strings.TrimRight(containerCache, "/"),
	)
	statusCB("preparing remote directories")
	if _, err := m.runner.Run(ctx, mkdirCmd, sbatchSubmitTimeout); err != nil {
		return nil, fmt.Errorf("preparing base directories: %w", err)
	}

	script := GenerateSbatch(profile, baseGPUType)
	submitCmd := fmt.Sprintf("sbatch <<'TCCP_SBATCH_EOF'\n%s\nTCCP_SBATCH_EOF", script)

	statusCB("submitting allocation")
	res, err := m.runner.Run(ctx, submitCmd, sbatchSubmitTimeout)
	if err != nil {
		return nil, fmt.Errorf("submitting sbatch: %w", err)
	}
	match := submittedJobRe.FindStringSubmatch(res.Stdout)
	if match == nil {
		return nil, fmt.Errorf("%w: unexpected sbatch output: %s", tccperrors.ErrSchedulerTransient, res.Stdout)
	}
	allocationID := match[1]

	durationMinutes, err := ParseTimeMinutes(profile.Time)
	if err != nil {
		durationMinutes = 0
	}
	pending := &types.Allocation{
		AllocationID:    allocationID,
		DurationMinutes: durationMinutes,
		Profile:         profile,
	}
	if err := m.store.UpsertAllocation(pending); err != nil {
		return nil, fmt.Errorf("persisting pending allocation: %w", err)
	}
	metrics.AllocationsSubmittedTotal.Inc()
	logger.Info().Str("allocation_id", allocationID).Msg("allocation submitted")

	return m.WaitForAllocation(ctx, allocationID, statusCB)
}

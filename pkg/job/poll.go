package job

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tccp/tccp/pkg/metrics"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

const pollProbeTimeout = 15 * time.Second

// Poll implements spec.md §4.6.8: under the tracked-jobs store, checks
// liveness for every initialized, non-completed job, then — outside any
// lock held during the scan — releases resources and retrieves output for
// anything that just went terminal, and prunes old terminal records.
func (m *Manager) Poll(ctx context.Context, onComplete OnCompleteCallback) error {
	jobs := m.store.Jobs()

	var newlyCompleted []*types.TrackedJob
	for _, j := range jobs {
		if !j.InitComplete || j.Completed {
			continue
		}
		done, exitCode, err := m.probeLiveness(ctx, j)
		if err != nil {
			m.logger(j.JobID).Warn().Err(err).Msg("liveness probe failed, will retry next poll")
			continue
		}
		if !done {
			continue
		}
		j.Completed = true
		j.ExitCode = exitCode
		j.EndTime = time.Now()
		newlyCompleted = append(newlyCompleted, j)
	}

	for _, j := range newlyCompleted {
		m.finishJob(ctx, j, onComplete)
	}

	return m.store.PruneTerminal()
}

// probeLiveness checks a job's running state: if the node is known, the
// dtach socket's presence on the compute node is the liveness signal
// (definitive exit-code retrieval is the viewer's job, not the
// orchestrator's); if the node isn't known yet, it asks the scheduler about
// the allocation instead.
func (m *Manager) probeLiveness(ctx context.Context, j *types.TrackedJob) (done bool, exitCode int, err error) {
	if j.Node != "" {
		cmd := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s 'test -e %s/tccp.sock && echo RUNNING || echo DONE'", j.Node, j.ScratchPath)
		res, err := m.facade.DTN(ctx, cmd, pollProbeTimeout)
		if err != nil {
			return false, 0, fmt.Errorf("%w: %v", tccperrors.ErrSchedulerTransient, err)
		}
		if containsAny(splitLines(res.Stdout), "DONE") {
			return true, 0, nil
		}
		return false, 0, nil
	}

	a := m.store.GetAllocation(j.AllocationID)
	if a == nil {
		return true, -1, nil
	}
	res, err := m.facade.DTN(ctx, fmt.Sprintf("squeue -h -j %s -o '%%T|%%N'", j.AllocationID), pollProbeTimeout)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", tccperrors.ErrSchedulerTransient, err)
	}
	line := firstNonEmptyLine(res.Stdout)
	if line == "" {
		return true, -1, nil
	}
	parts := strings.SplitN(line, "|", 2)
	switch parts[0] {
	case "RUNNING":
		if len(parts) > 1 && parts[1] != "" {
			j.Node = parts[1]
			_ = m.store.UpsertJob(j)
		}
		return false, 0, nil
	case "PENDING", "CONFIGURING":
		return false, 0, nil
	default:
		return true, -1, nil
	}
}

func firstNonEmptyLine(s string) string {
	for _, line := range splitLines(s) {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// finishJob releases the allocation, cleans up the compute-node scratch,
// persists the terminal record, attempts automatic output retrieval, and
// invokes onComplete — all outside the scan lock (spec.md §4.6.8 step 2).
func (m *Manager) finishJob(ctx context.Context, j *types.TrackedJob, onComplete OnCompleteCallback) {
	logger := m.logger(j.JobID)
	m.stopTunnels(j.JobID)

	if j.AllocationID != "" {
		if err := m.alloc.ReleaseJob(j.AllocationID); err != nil {
			logger.Warn().Err(err).Msg("releasing allocation failed")
		}
	}

	if j.Node != "" && j.ScratchPath != "" {
		rm := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s 'rm -rf %s'", j.Node, j.ScratchPath)
		if _, err := m.facade.DTN(ctx, rm, pollProbeTimeout); err != nil {
			logger.Warn().Err(err).Msg("cleaning up compute-node scratch failed")
		}
	}

	if err := m.store.UpsertJob(j); err != nil {
		logger.Error().Err(err).Msg("persisting completed job failed")
	}

	outcome := "completed"
	if j.Canceled {
		outcome = "canceled"
	}
	metrics.JobsTotal.WithLabelValues(outcome).Inc()

	if err := m.tryReturnOutput(ctx, j); err != nil {
		logger.Warn().Err(err).Msg("automatic output retrieval failed, will retry next poll")
	}

	if onComplete != nil {
		onComplete(j)
	}
}

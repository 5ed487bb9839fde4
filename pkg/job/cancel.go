package job

import (
	"context"
	"fmt"
	"time"
)

// CancelJob implements spec.md §4.6.9. A job still initializing is marked
// canceling and its init thread observes the marker at the next step
// checkpoint; a running job is killed on the compute node directly, after
// first confirming it hasn't already finished on its own.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	tj := m.store.GetJob(jobID)
	if tj == nil {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if tj.Completed {
		return nil
	}

	if !tj.InitComplete {
		m.markCanceling(jobID)
		tj.Canceled = true
		tj.Completed = true
		tj.ExitCode = 130
		tj.EndTime = time.Now()
		return m.store.UpsertJob(tj)
	}

	logger := m.logger(jobID)
	if tj.Node != "" && tj.ScratchPath != "" {
		probe := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s 'test -e %s/tccp.sock && echo RUNNING || echo DONE'", tj.Node, tj.ScratchPath)
		res, err := m.facade.DTN(ctx, probe, pollProbeTimeout)
		if err == nil && containsAny(splitLines(res.Stdout), "DONE") {
			// Already finished on its own; reflect reality rather than
			// recording a cancellation that didn't happen.
			tj.Completed = true
			tj.ExitCode = 0
			tj.EndTime = time.Now()
			m.finishJob(ctx, tj, nil)
			return nil
		}

		kill := fmt.Sprintf(
			"ssh -o StrictHostKeyChecking=no %s 'dtach -p %s/tccp.sock 2>/dev/null; pkill -f %s/tccp_run.sh 2>/dev/null; rm -f %s/tccp.sock'",
			tj.Node, tj.ScratchPath, tj.ScratchPath, tj.ScratchPath,
		)
		if _, err := m.facade.DTN(ctx, kill, pollProbeTimeout); err != nil {
			logger.Warn().Err(err).Msg("killing job on compute node failed, continuing with local cleanup")
		}
	}

	tj.Canceled = true
	tj.Completed = true
	tj.ExitCode = 130
	tj.EndTime = time.Now()
	m.finishJob(ctx, tj, nil)
	return nil
}

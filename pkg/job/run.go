package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/metrics"
	"github.com/tccp/tccp/pkg/state"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

// defaultStepTimeout bounds most individual init-pipeline steps; sync and
// container pulls use their own longer budgets.
const defaultStepTimeout = 300 * time.Second

// Run implements submission (spec.md §4.6.1): resolves jobName against the
// project config, allocates a timestamped job id, persists the record
// immediately, and spawns the initialization pipeline in the background. The
// returned record can be polled or attached to right away; init_complete is
// false until the pipeline finishes.
func (m *Manager) Run(jobName string) (*types.TrackedJob, error) {
	spec, ok := m.cfg.JobByName(jobName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tccperrors.ErrJobNotDefined, jobName)
	}

	now := time.Now()
	jobID := state.NewJobID(jobName, now)
	tj := &types.TrackedJob{
		JobID:      jobID,
		Name:       jobName,
		SubmitTime: now,
	}
	if err := m.store.UpsertJob(tj); err != nil {
		return nil, fmt.Errorf("persisting new job record: %w", err)
	}

	go m.runInitPipeline(jobID, jobName, spec)

	return tj, nil
}

// GetJob returns the current persisted state of a tracked job.
func (m *Manager) GetJob(jobID string) *types.TrackedJob {
	return m.store.GetJob(jobID)
}

// JobsByName returns every tracked record for a job name, newest first.
func (m *Manager) JobsByName(name string) []*types.TrackedJob {
	return m.store.JobsByName(name)
}

// runInitPipeline runs the ten-step initialization (spec.md §4.6.2) and
// commits the outcome — success, cancellation, or init_error — to the store.
// It never returns an error to a caller: all failure modes are terminal
// states written to the persisted TrackedJob.
func (m *Manager) runInitPipeline(jobID, jobName string, spec config.JobSpec) {
	logger := m.logger(jobID)
	logger.Info().Str("job_name", jobName).Msg("initialization pipeline starting")
	initLog := newInitLog(m.toolHome, jobID)
	defer initLog.Close()

	start := time.Now()
	defer func() {
		metrics.JobInitDuration.Observe(time.Since(start).Seconds())
	}()

	ctx := context.Background()
	pipe := &initPipeline{m: m, jobID: jobID, jobName: jobName, spec: spec, log: initLog, logger: logger}

	err := pipe.run(ctx)
	m.clearCanceling(jobID)

	tj := m.store.GetJob(jobID)
	if tj == nil {
		logger.Error().Msg("tracked job vanished from state during init")
		return
	}

	switch {
	case err == nil:
		tj.InitComplete = true
	case isCanceled(err):
		tj.Canceled = true
		tj.Completed = true
		tj.ExitCode = 130
		tj.EndTime = time.Now()
		initLog.Printf("job canceled during initialization")
		metrics.JobsTotal.WithLabelValues("canceled").Inc()
		logger.Info().Msg("job canceled during initialization")
	default:
		tj.InitComplete = true
		tj.InitError = err.Error()
		initLog.Printf("initialization failed: %v", err)
		metrics.JobsTotal.WithLabelValues("init_failed").Inc()
		logger.Error().Err(err).Msg("initialization failed")
	}

	if saveErr := m.store.UpsertJob(tj); saveErr != nil {
		logger.Error().Err(saveErr).Msg("failed to persist init outcome")
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, tccperrors.ErrJobCanceled)
}

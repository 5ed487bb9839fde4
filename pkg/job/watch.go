package job

import (
	"context"
	"time"

	"github.com/tccp/tccp/pkg/types"
)

// watchPollInterval is how often WatchCompletion drives its own Poll while
// no other caller is polling on a timer.
const watchPollInterval = 5 * time.Second

// CompletionEvent reports the terminal state a watched job reached.
type CompletionEvent struct {
	JobID    string
	ExitCode int
	Canceled bool
	EndTime  time.Time
}

// WatchCompletion returns a channel that receives exactly one CompletionEvent
// once jobID reaches a terminal state, then closes. It drives its own
// polling ticker, so a caller doesn't need a separate Poll loop running
// concurrently — mirrored on original_source's job_poll_watcher, which
// likewise owns a dedicated poll cadence per registered watch rather than
// piggybacking on the scheduler's shared tick. The channel closes without a
// value if ctx is canceled or the manager shuts down before completion.
func (m *Manager) WatchCompletion(ctx context.Context, jobID string) <-chan CompletionEvent {
	ch := make(chan CompletionEvent, 1)
	go func() {
		defer close(ch)
		if ev, ok := completionEventFor(m.store.GetJob(jobID)); ok {
			ch <- ev
			return
		}

		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.shutdownCh:
				return
			case <-ticker.C:
				if err := m.Poll(ctx, nil); err != nil {
					m.logger(jobID).Warn().Err(err).Msg("watch poll failed")
					continue
				}
				if ev, ok := completionEventFor(m.store.GetJob(jobID)); ok {
					ch <- ev
					return
				}
			}
		}
	}()
	return ch
}

func completionEventFor(tj *types.TrackedJob) (CompletionEvent, bool) {
	if tj == nil || !tj.Completed {
		return CompletionEvent{}, false
	}
	return CompletionEvent{JobID: tj.JobID, ExitCode: tj.ExitCode, Canceled: tj.Canceled, EndTime: tj.EndTime}, true
}

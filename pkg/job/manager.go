package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tccp/tccp/pkg/alloc"
	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/facade"
	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/state"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

// StatusCallback surfaces human-readable progress during initialization,
// polling, and eviction. Implementations must be reentrancy-safe: it may be
// invoked concurrently from multiple init goroutines (spec.md §9).
type StatusCallback func(jobID, msg string)

// OnCompleteCallback is invoked once per job the moment Poll observes it
// reach a terminal state, after allocation release and output retrieval.
type OnCompleteCallback func(job *types.TrackedJob)

// ProgressCallback reports output-download progress as plain byte counts;
// the CLI layer is responsible for rendering it (e.g. with
// github.com/cheggaaa/pb/v3), keeping the orchestrator free of a
// presentation dependency.
type ProgressCallback func(jobID string, downloaded, total int64)

// Options configures a Manager.
type Options struct {
	Config         *config.Config
	Facade         *facade.Facade
	Alloc          *alloc.Manager
	Store          *state.Store
	ToolHome       string // local <tool-home>, e.g. ~/.tccp
	RemoteHome     string // remote-home on the gateway, e.g. /home/<user>
	User           string
	ContainerCache string // <remote-home>/tool/container-cache
	StatusCB       StatusCallback
	ProgressCB     ProgressCallback
}

// Manager implements the Job Orchestrator. One Manager is created per
// project per process; the singleton file lock in lock.go enforces one
// orchestrator per host user (spec.md §5).
type Manager struct {
	cfg            *config.Config
	facade         *facade.Facade
	alloc          *alloc.Manager
	store          *state.Store
	toolHome       string
	remoteHome     string
	user           string
	containerCache string
	statusCB       StatusCallback
	progressCB     ProgressCallback

	cancelMu  sync.Mutex          // guards cancelSet; acquired after tracked_jobs, never before
	cancelSet map[string]struct{} // job ids with a pending cancellation request

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	provisionCache *lru.Cache[string, bool] // memoizes "environment already verified" per process

	tunnelsMu sync.Mutex
	tunnels   map[string][]*portTunnel // jobID -> active forwards
}

// New builds a Manager. The returned Manager does not start any background
// work on its own; callers submit jobs via Run and drive Poll on a timer.
func New(opts Options) (*Manager, error) {
	cache, err := lru.New[string, bool](256)
	if err != nil {
		return nil, fmt.Errorf("building provisioning cache: %w", err)
	}
	statusCB := opts.StatusCB
	if statusCB == nil {
		statusCB = func(string, string) {}
	}
	progressCB := opts.ProgressCB
	if progressCB == nil {
		progressCB = func(string, int64, int64) {}
	}
	return &Manager{
		cfg:            opts.Config,
		facade:         opts.Facade,
		alloc:          opts.Alloc,
		store:          opts.Store,
		toolHome:       opts.ToolHome,
		remoteHome:     opts.RemoteHome,
		user:           opts.User,
		containerCache: opts.ContainerCache,
		statusCB:       statusCB,
		progressCB:     progressCB,
		cancelSet:      make(map[string]struct{}),
		shutdownCh:     make(chan struct{}),
		provisionCache: cache,
		tunnels:        make(map[string][]*portTunnel),
	}, nil
}

// markCanceling records jobID in the cancellation set. The init pipeline
// checks for membership at every step boundary (spec.md §4.6.2).
func (m *Manager) markCanceling(jobID string) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	m.cancelSet[jobID] = struct{}{}
}

// isCanceling reports whether jobID has a pending cancellation request.
func (m *Manager) isCanceling(jobID string) bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	_, ok := m.cancelSet[jobID]
	return ok
}

// clearCanceling removes jobID from the cancellation set once its init
// thread has observed and acted on it, or once it completes normally.
func (m *Manager) clearCanceling(jobID string) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	delete(m.cancelSet, jobID)
}

// Shutdown signals every running init goroutine and tunnel loop to exit via
// the shared shutdown channel. It does not wait for them (spec.md §5: "an
// explicit trade-off to bound shutdown latency").
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
	m.tunnelsMu.Lock()
	defer m.tunnelsMu.Unlock()
	for _, handles := range m.tunnels {
		for _, t := range handles {
			t.stop()
		}
	}
}

func (m *Manager) logger(jobID string) zerolog.Logger {
	return log.WithJobID(jobID)
}

// SetProgressCB replaces the output-download progress callback. Exported so
// a CLI command can wire a presentation-layer progress bar only around the
// single invocation that needs one, without passing it through Options at
// construction time.
func (m *Manager) SetProgressCB(cb ProgressCallback) {
	if cb == nil {
		cb = func(string, int64, int64) {}
	}
	m.progressCB = cb
}

// checkpoint returns context.Canceled if the manager is shutting down, or
// tccperrors.ErrJobCanceled if jobID has been requested for cancellation;
// callers in the init pipeline call this between every numbered step.
func (m *Manager) checkpoint(jobID string) error {
	select {
	case <-m.shutdownCh:
		return context.Canceled
	default:
	}
	if m.isCanceling(jobID) {
		return tccperrors.ErrJobCanceled
	}
	return nil
}

// runContext returns a context bound to the manager's shutdown signal plus
// a per-step timeout, used throughout the init pipeline.
func (m *Manager) runContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	go func() {
		select {
		case <-m.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

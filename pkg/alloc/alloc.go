package alloc

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/metrics"
	"github.com/tccp/tccp/pkg/muxer"
	"github.com/tccp/tccp/pkg/state"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

// CommandRunner is the subset of facade.Facade the allocation manager needs:
// a request/response round trip on the authenticated session. Satisfied by
// *facade.Facade, whose Run delegates to DTN, and by *facade.WorkChannel.
type CommandRunner interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) (muxer.RunResult, error)
}

const (
	reconcilePollTimeout = 20 * time.Second
	waitPollInterval     = 5 * time.Second
	waitMaxIterations    = 120 // 10 minutes
	defaultJobTime       = "4:00:00"
)

// StatusCallback surfaces human-readable progress during long-running
// allocation operations (submit, wait for RUNNING, deallocate).
type StatusCallback func(string)

// Manager implements the Allocation Manager (spec.md §4.5).
type Manager struct {
	runner CommandRunner
	store  *state.Store

	mu         sync.Mutex // the allocation mutex guarding claim_free atomicity
	gpuCatalog []GPUVariant
}

// New builds a Manager over an established CommandRunner and the project's
// state store.
func New(runner CommandRunner, store *state.Store) *Manager {
	return &Manager{runner: runner, store: store}
}

var squeueLineRe = regexp.MustCompile(`^(\S+)\|(\S+)\|(\S*)$`)

// Reconcile queries the scheduler in one batched call for every persisted
// allocation's current {state, node}. RUNNING allocations missing a node get
// one filled in; PENDING allocations are left alone; terminal or unknown
// ids are dropped from the store.
func (m *Manager) Reconcile(ctx context.Context, statusCB StatusCallback) error {
	if statusCB == nil {
		statusCB = func(string) {}
	}
	allocs := m.store.Allocations()
	if len(allocs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(allocs))
	for id := range allocs {
		ids = append(ids, id)
	}
	statusCB(fmt.Sprintf("reconciling %d allocation(s)", len(ids)))

	res, err := m.runner.Run(ctx, fmt.Sprintf("squeue -h -j %s -o '%%i|%%T|%%N'", strings.Join(ids, ",")), reconcilePollTimeout)
	if err != nil {
		return fmt.Errorf("%w: reconcile query: %v", tccperrors.ErrSchedulerTransient, err)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mobj := squeueLineRe.FindStringSubmatch(line)
		if mobj == nil {
			continue
		}
		id, st, node := mobj[1], mobj[2], mobj[3]
		a, ok := allocs[id]
		if !ok {
			continue
		}
		switch st {
		case "RUNNING":
			seen[id] = struct{}{}
			if a.Node == "" && node != "" {
				a.Node = node
				if a.StartTime.IsZero() {
					a.StartTime = time.Now()
				}
				if err := m.store.UpsertAllocation(a); err != nil {
					return err
				}
			}
		case "PENDING", "CONFIGURING":
			seen[id] = struct{}{}
		default:
			// terminal or unrecognized: drop
		}
	}

	for id := range allocs {
		if _, ok := seen[id]; !ok {
			if err := m.store.RemoveAllocation(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ClaimFree scans for an idle, running allocation with compatible resources
// and sufficient remaining time, atomically assigning jobID to it so a
// concurrent caller cannot double-book the same allocation.
func (m *Manager) ClaimFree(requiredMinutes int, required types.ResourceProfile, jobID string) (*types.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, a := range m.store.Allocations() {
		if !a.Idle() || a.Node == "" {
			continue
		}
		ok, err := Compatible(a.Profile, required)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if a.RemainingMinutes(now) < requiredMinutes {
			continue
		}
		a.ActiveJobID = jobID
		if err := m.store.UpsertAllocation(a); err != nil {
			return nil, err
		}
		metrics.AllocationsClaimedTotal.Inc()
		return a, nil
	}
	return nil, nil
}

// FindPending looks for a pending (not yet RUNNING) allocation with
// compatible resources that a new job could wait on instead of submitting a
// fresh sbatch.
func (m *Manager) FindPending(required types.ResourceProfile) (*types.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.store.Allocations() {
		if a.Node != "" {
			continue
		}
		ok, err := Compatible(a.Profile, required)
		if err != nil {
			return nil, err
		}
		if ok {
			return a, nil
		}
	}
	return nil, nil
}

// WaitForAllocation polls the scheduler every 5 seconds, up to 10 minutes,
// for allocationID to reach RUNNING with a node assigned. On a terminal
// state it removes the allocation from the store and returns an error; on
// timeout it cancels the job via the scheduler, removes it, and returns
// ErrAllocationTimeout.
func (m *Manager) WaitForAllocation(ctx context.Context, allocationID string, statusCB StatusCallback) (*types.Allocation, error) {
	if statusCB == nil {
		statusCB = func(string) {}
	}
	logger := log.WithAllocationID(allocationID)

	for iter := 0; iter < waitMaxIterations; iter++ {
		res, err := m.runner.Run(ctx, fmt.Sprintf("squeue -h -j %s -o '%%T|%%N'", allocationID), reconcilePollTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tccperrors.ErrSchedulerTransient, err)
		}
		line := strings.TrimSpace(firstNonEmptyLine(res.Stdout))
		if line == "" {
			// No longer in the queue at all: terminal.
			_ = m.store.RemoveAllocation(allocationID)
			return nil, fmt.Errorf("%w: allocation %s left the queue before running", tccperrors.ErrAllocationDied, allocationID)
		}
		parts := strings.SplitN(line, "|", 2)
		st := parts[0]
		node := ""
		if len(parts) > 1 {
			node = parts[1]
		}

		switch st {
		case "RUNNING":
			if node == "" {
				break
			}
			a := m.store.GetAllocation(allocationID)
			if a == nil {
				return nil, fmt.Errorf("%w: allocation %s vanished from state", tccperrors.ErrAllocationDied, allocationID)
			}
			a.Node = node
			a.StartTime = time.Now()
			if err := m.store.UpsertAllocation(a); err != nil {
				return nil, err
			}
			logger.Info().Str("node", node).Msg("allocation running")
			return a, nil
		case "PENDING", "CONFIGURING":
			statusCB(fmt.Sprintf("waiting for allocation (%s)", st))
		default:
			_ = m.store.RemoveAllocation(allocationID)
			return nil, fmt.Errorf("%w: allocation %s reached terminal state %s", tccperrors.ErrAllocationDied, allocationID, st)
		}

		select {
		case <-time.After(waitPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, _ = m.runner.Run(ctx, fmt.Sprintf("scancel %s", allocationID), reconcilePollTimeout)
	_ = m.store.RemoveAllocation(allocationID)
	return nil, tccperrors.ErrAllocationTimeout
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

// AssignJob marks allocation slurmID as active for jobID.
func (m *Manager) AssignJob(slurmID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.store.GetAllocation(slurmID)
	if a == nil {
		return fmt.Errorf("%w: unknown allocation %s", tccperrors.ErrAllocationDied, slurmID)
	}
	a.ActiveJobID = jobID
	return m.store.UpsertAllocation(a)
}

// ReleaseJob marks allocation slurmID idle again.
func (m *Manager) ReleaseJob(slurmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.store.GetAllocation(slurmID)
	if a == nil {
		return nil // already gone; nothing to release
	}
	a.ActiveJobID = ""
	return m.store.UpsertAllocation(a)
}

// Deallocate cancels slurmID via the scheduler and removes it from state.
func (m *Manager) Deallocate(ctx context.Context, slurmID string, statusCB StatusCallback) error {
	if statusCB == nil {
		statusCB = func(string) {}
	}
	statusCB(fmt.Sprintf("deallocating %s", slurmID))
	if _, err := m.runner.Run(ctx, fmt.Sprintf("scancel %s", slurmID), reconcilePollTimeout); err != nil {
		return fmt.Errorf("%w: scancel: %v", tccperrors.ErrSchedulerTransient, err)
	}
	return m.store.RemoveAllocation(slurmID)
}

// DeallocateAllIdle deallocates every idle allocation for which fits
// returns false (no configured job the caller knows about could still use
// its remaining time), per the Allocation invariant in spec.md §3.
func (m *Manager) DeallocateAllIdle(ctx context.Context, fits func(*types.Allocation) bool, statusCB StatusCallback) error {
	for _, a := range m.store.Allocations() {
		if !a.Idle() {
			continue
		}
		if fits != nil && fits(a) {
			continue
		}
		if err := m.Deallocate(ctx, a.AllocationID, statusCB); err != nil {
			return err
		}
	}
	return nil
}

// ResolveProfile merges global, project, and job-level Slurm overrides
// (each later layer overriding only its non-empty fields) into a concrete
// ResourceProfile, defaulting Time to 4:00:00 if no layer set it.
func ResolveProfile(global, project, job config.SlurmOverride) types.ResourceProfile {
	merged := config.SlurmOverride{}
	for _, layer := range []config.SlurmOverride{global, project, job} {
		if layer.Partition != "" {
			merged.Partition = layer.Partition
		}
		if layer.Nodes != 0 {
			merged.Nodes = layer.Nodes
		}
		if layer.CPUsPerTask != 0 {
			merged.CPUsPerTask = layer.CPUsPerTask
		}
		if layer.Memory != "" {
			merged.Memory = layer.Memory
		}
		if layer.GPUType != "" {
			merged.GPUType = layer.GPUType
		}
		if layer.GPUCount != 0 {
			merged.GPUCount = layer.GPUCount
		}
		if layer.Time != "" {
			merged.Time = layer.Time
		}
		if layer.MailType != "" {
			merged.MailType = layer.MailType
		}
		if layer.NodeConstraint != "" {
			merged.NodeConstraint = layer.NodeConstraint
		}
		if layer.ExcludeNodes != "" {
			merged.ExcludeNodes = layer.ExcludeNodes
		}
	}
	if merged.Time == "" {
		merged.Time = defaultJobTime
	}
	if merged.Nodes == 0 {
		merged.Nodes = 1
	}
	if merged.CPUsPerTask == 0 {
		merged.CPUsPerTask = 1
	}

	return types.ResourceProfile{
		Partition:      merged.Partition,
		Nodes:          merged.Nodes,
		CPUs:           merged.CPUsPerTask,
		Memory:         merged.Memory,
		GPUType:        merged.GPUType,
		GPUCount:       merged.GPUCount,
		Time:           merged.Time,
		MailType:       merged.MailType,
		NodeConstraint: merged.NodeConstraint,
		ExcludeNodes:   merged.ExcludeNodes,
	}
}

// ParseTimeMinutes parses a Slurm time string (H:MM:SS, HH:MM:SS, or
// D-HH:MM:SS) into whole minutes, rounding any remaining seconds up.
func ParseTimeMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time string")
	}

	days := 0
	if idx := strings.Index(s, "-"); idx != -1 {
		d, err := strconv.Atoi(s[:idx])
		if err != nil {
			return 0, fmt.Errorf("parsing day component of %q: %w", s, err)
		}
		days = d
		s = s[idx+1:]
	}

	parts := strings.Split(s, ":")
	var h, mnt, sec int
	var err error
	switch len(parts) {
	case 3:
		h, err = strconv.Atoi(parts[0])
		if err == nil {
			mnt, err = strconv.Atoi(parts[1])
		}
		if err == nil {
			sec, err = strconv.Atoi(parts[2])
		}
	case 2:
		mnt, err = strconv.Atoi(parts[0])
		if err == nil {
			sec, err = strconv.Atoi(parts[1])
		}
	case 1:
		mnt, err = strconv.Atoi(parts[0])
	default:
		return 0, fmt.Errorf("unrecognized time format %q", s)
	}
	if err != nil {
		return 0, fmt.Errorf("parsing time %q: %w", s, err)
	}

	total := days*24*60 + h*60 + mnt
	if sec > 0 {
		total++
	}
	return total, nil
}

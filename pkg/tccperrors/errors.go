/*
Package tccperrors collects the sentinel errors the core surfaces across
package boundaries, so callers can classify failures with errors.Is/errors.As
instead of string matching (see spec.md §7 error handling design).
*/
package tccperrors

import "errors"

var (
	// ErrAuthFailed indicates the SSH handshake or 2FA negotiation failed.
	// Fatal to the session; never retried automatically.
	ErrAuthFailed = errors.New("session authentication failed")

	// ErrNegotiationTimeout indicates the reactive shell-prompt negotiation
	// did not see a recognizable prompt within its timeout.
	ErrNegotiationTimeout = errors.New("shell negotiation timed out")

	// ErrTransportClosed indicates an operation was attempted on, or observed
	// the failure of, a transport that is no longer active.
	ErrTransportClosed = errors.New("session transport closed")

	// ErrMultiplexerStopped indicates the multiplexer's reader thread
	// detected a transport error and is no longer servicing channels.
	ErrMultiplexerStopped = errors.New("multiplexer stopped")

	// ErrRunTimeout indicates a programmatic run() did not see its done
	// marker within the requested timeout. Callers may inspect the partial
	// output returned alongside this error.
	ErrRunTimeout = errors.New("run timed out")

	// ErrChannelProtocol indicates the tmux control-mode protocol returned
	// %error for a control command, or a response could not be parsed.
	ErrChannelProtocol = errors.New("channel protocol error")

	// ErrSchedulerTransient indicates a scheduler query failed in a way that
	// should be retried rather than interpreted as job or allocation death.
	ErrSchedulerTransient = errors.New("scheduler query failed transiently")

	// ErrAllocationDied indicates the scheduler reports the allocation's
	// slurm job reached a terminal or unknown state unexpectedly.
	ErrAllocationDied = errors.New("allocation died unexpectedly")

	// ErrAllocationTimeout indicates wait_for_allocation exceeded its
	// iteration budget waiting for RUNNING state.
	ErrAllocationTimeout = errors.New("allocation wait timed out")

	// ErrNoCompatibleAllocation indicates no idle or pending allocation's
	// resource profile satisfies a job's requirement.
	ErrNoCompatibleAllocation = errors.New("no compatible allocation available")

	// ErrNoGPUPartition indicates GPU resolution found no partition
	// satisfying the requested type/count within the user's allowed
	// partitions.
	ErrNoGPUPartition = errors.New("no matching gpu partition available")

	// ErrJobNotDefined indicates the project config has no job by the
	// requested name (and no implicit "main" job either).
	ErrJobNotDefined = errors.New("job not defined in project configuration")

	// ErrJobCanceled indicates an initialization step observed a
	// cancellation marker and aborted.
	ErrJobCanceled = errors.New("job canceled during initialization")

	// ErrSyncFailed indicates the incremental or full sync step could not
	// complete; init_error is set and the job is marked init_complete but
	// not running.
	ErrSyncFailed = errors.New("project sync failed")

	// ErrLaunchFailed indicates the launch script could not be staged or
	// started under the detach helper.
	ErrLaunchFailed = errors.New("job launch failed")

	// ErrEvictionImpossible indicates cache usage remains over the soft cap
	// even after evicting every eligible candidate. Logged, not fatal:
	// provisioning proceeds anyway.
	ErrEvictionImpossible = errors.New("cache usage remains over cap after eviction")

	// ErrOutputPartial indicates some files in a job's output tree failed to
	// download; the remote copy is preserved for retry on the next poll.
	ErrOutputPartial = errors.New("output retrieval partially failed")

	// ErrStateCorrupt indicates a persisted project state file could not be
	// parsed; callers should treat this as an empty state and continue.
	ErrStateCorrupt = errors.New("project state file corrupt")

	// ErrAlreadyLocked indicates another tccp process already holds the
	// process-wide singleton file lock.
	ErrAlreadyLocked = errors.New("another tccp process is already running for this user")
)

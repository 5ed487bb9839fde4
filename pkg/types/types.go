package types

import "time"

// SessionTarget describes the gateway host and credentials used to establish
// the single authenticated SSH transport for a run. Immutable once passed to
// session construction.
type SessionTarget struct {
	Host          string `yaml:"host"`
	User          string `yaml:"user"`
	Password      string `yaml:"-"` // secret: never persisted
	KeyPath       string `yaml:"key_path,omitempty"`
	TimeoutSecs   int    `yaml:"timeout_secs"`
	Use2FA        bool   `yaml:"use_2fa"`
	Auto2FA       bool   `yaml:"auto_2fa"`
	LoginHost     string `yaml:"login_host,omitempty"`
	LocalTermCols int    `yaml:"-"`
	LocalTermRows int    `yaml:"-"`
}

// ResourceProfile describes a slurm resource request or grant: partition,
// node/cpu/memory sizing, and an optional GPU requirement.
type ResourceProfile struct {
	Partition     string `yaml:"partition,omitempty"`
	Nodes         int    `yaml:"nodes"`
	CPUs          int    `yaml:"cpus"`
	Memory        string `yaml:"memory,omitempty"` // e.g. "16G"
	GPUType       string `yaml:"gpu_type,omitempty"`
	GPUCount      int    `yaml:"gpu_count"`
	Time          string `yaml:"time,omitempty"` // "HH:MM:SS"
	MailType      string `yaml:"mail_type,omitempty"`
	NodeConstraint string `yaml:"node_constraint,omitempty"`
	ExcludeNodes  string `yaml:"exclude_nodes,omitempty"`
}

// Allocation is a long-lived sbatch "sleep infinity" reservation of cluster
// resources, shared across many user-visible jobs.
//
// Invariants (see spec): AllocationID is the scheduler's job id; Node is empty
// while pending; ActiveJobID empty means idle; destroyed on deallocation,
// scheduler-reported death, or when idle and no configured job fits in its
// remaining time.
type Allocation struct {
	AllocationID    string          `yaml:"allocation_id"`
	Node            string          `yaml:"node,omitempty"`
	StartTime       time.Time       `yaml:"start_time,omitempty"`
	DurationMinutes int             `yaml:"duration_minutes"`
	ActiveJobID     string          `yaml:"active_job_id,omitempty"`
	Profile         ResourceProfile `yaml:"profile"`
}

// Idle reports whether the allocation currently has no assigned job.
func (a *Allocation) Idle() bool { return a.ActiveJobID == "" }

// RemainingMinutes returns the allocation's remaining wall-clock budget as of now,
// or 0 if the allocation has not yet started (Node empty / StartTime zero).
func (a *Allocation) RemainingMinutes(now time.Time) int {
	if a.StartTime.IsZero() {
		return 0
	}
	elapsed := now.Sub(a.StartTime)
	remaining := time.Duration(a.DurationMinutes)*time.Minute - elapsed
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Minute)
}

// ForwardedPort records one local->compute-node TCP tunnel started for a job.
type ForwardedPort struct {
	LocalPort  int    `yaml:"local_port"`
	RemotePort int    `yaml:"remote_port"`
	HandleID   string `yaml:"handle_id"`
}

// TrackedJob is the per-submission record driven by the job orchestrator's
// initialization pipeline and polling loop.
type TrackedJob struct {
	JobID          string          `yaml:"job_id"`
	Name           string          `yaml:"name"`
	AllocationID   string          `yaml:"allocation_id,omitempty"`
	Node           string          `yaml:"node,omitempty"`
	ScratchPath    string          `yaml:"scratch_path,omitempty"`
	InitComplete   bool            `yaml:"init_complete"`
	Completed      bool            `yaml:"completed"`
	Canceled       bool            `yaml:"canceled"`
	OutputReturned bool            `yaml:"output_returned"`
	ExitCode       int             `yaml:"exit_code"`
	InitError      string          `yaml:"init_error,omitempty"`
	SubmitTime     time.Time       `yaml:"submit_time"`
	StartTime      time.Time       `yaml:"start_time,omitempty"`
	EndTime        time.Time       `yaml:"end_time,omitempty"`
	ForwardedPorts []ForwardedPort `yaml:"forwarded_ports,omitempty"`
}

// Terminal reports whether the job has reached a state that will never change.
func (j *TrackedJob) Terminal() bool { return j.Completed }

// SyncManifestEntry records one file's identity for diffing against a prior
// manifest: relative path, opaque mtime, and size in bytes.
type SyncManifestEntry struct {
	Path  string `yaml:"path"`
	Mtime int64  `yaml:"mtime"`
	Size  int64  `yaml:"size"`
}

// SyncManifest is a sorted collection of entries describing a project's
// synced tree, plus the node/scratch path it was produced for.
type SyncManifest struct {
	Entries     []SyncManifestEntry `yaml:"entries"`
	Node        string              `yaml:"node,omitempty"`
	ScratchPath string              `yaml:"scratch_path,omitempty"`
}

// ProjectState is the root persisted object for one project: allocations,
// tracked jobs, and the last sync manifest. Persisted atomically to
// <tool-home>/state/<project>.yaml on every mutation that could survive a
// crash.
type ProjectState struct {
	SchemaVersion     int                    `yaml:"schema_version"`
	Allocations       map[string]*Allocation `yaml:"allocations"`
	Jobs              map[string]*TrackedJob `yaml:"jobs"`
	LastSyncManifest  *SyncManifest          `yaml:"last_sync_manifest,omitempty"`
	LastSyncNode      string                 `yaml:"last_sync_node,omitempty"`
	LastSyncScratch   string                 `yaml:"last_sync_scratch,omitempty"`
}

// NewProjectState returns an empty, ready-to-use ProjectState.
func NewProjectState() *ProjectState {
	return &ProjectState{
		SchemaVersion: 1,
		Allocations:   make(map[string]*Allocation),
		Jobs:          make(map[string]*TrackedJob),
	}
}

// CurrentSchemaVersion is the state file format this binary writes.
const CurrentSchemaVersion = 1

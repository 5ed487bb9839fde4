package job

import (
	"fmt"

	"github.com/tccp/tccp/pkg/facade"
)

// ViewerInfo is the read-only tuple an interactive viewer needs for any
// non-completed job (spec.md §4.6.3).
type ViewerInfo struct {
	ComputeNode  string
	User         string
	SocketPath   string
	JobName      string
	AllocationID string
	JobID        string
	GatewayHost  string
	ScratchPath  string
	Canceled     bool
}

// Viewer returns the tuple a UI needs to attach to jobID, or an error if the
// job is unknown or already completed.
func (m *Manager) Viewer(jobID, gatewayHost string) (*ViewerInfo, error) {
	tj := m.store.GetJob(jobID)
	if tj == nil {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	if tj.Completed {
		return nil, fmt.Errorf("job %s already completed", jobID)
	}
	return &ViewerInfo{
		ComputeNode:  tj.Node,
		User:         m.user,
		SocketPath:   tj.ScratchPath + "/tccp.sock",
		JobName:      tj.Name,
		AllocationID: tj.AllocationID,
		JobID:        tj.JobID,
		GatewayHost:  gatewayHost,
		ScratchPath:  tj.ScratchPath,
		Canceled:     tj.Canceled,
	}, nil
}

// AttachCommand builds the remote command a shell-type connection runs to
// attach: ssh to the compute node, tail the last 64 KiB of the run log
// stripping raw escape bytes, then attach to the dtach socket with dtach -a
// if it still exists (spec.md §4.6.3). The attach is not read-only.
func (v *ViewerInfo) AttachCommand() string {
	logPath := v.ScratchPath + "/tccp_run.log"
	return fmt.Sprintf(
		"ssh -o StrictHostKeyChecking=no %s '"+
			"tail -c 65536 %s 2>/dev/null | tr -d \"\\033\"; "+
			"test -S %s && dtach -a %s || echo __TCCP_SOCKET_GONE__'",
		v.ComputeNode, logPath, v.SocketPath, v.SocketPath,
	)
}

// OpenViewer opens a fresh shell channel and returns it along with the
// attach command the caller should send as the channel's first input line;
// the caller owns driving Attach and calling SignalDone once it recognizes
// the job has exited.
func (m *Manager) OpenViewer(jobID, gatewayHost string) (*facade.ShellSession, string, error) {
	info, err := m.Viewer(jobID, gatewayHost)
	if err != nil {
		return nil, "", err
	}
	sess, err := m.facade.Shell()
	if err != nil {
		return nil, "", err
	}
	return sess, info.AttachCommand(), nil
}

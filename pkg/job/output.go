package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

const outputListTimeout = 30 * time.Second

// ReturnOutput implements spec.md §4.6.10: lists the persistent output tree
// on the gateway, downloads every file preserving relative paths, and
// removes the remote copy once every file has landed locally.
func (m *Manager) ReturnOutput(ctx context.Context, jobID string) error {
	tj := m.store.GetJob(jobID)
	if tj == nil {
		return fmt.Errorf("unknown job %s", jobID)
	}
	return m.downloadOutput(ctx, tj)
}

// tryReturnOutput is the automatic variant run right after a job completes;
// callers log failures and let the next poll retry, since the remote copy
// is left untouched on any error.
func (m *Manager) tryReturnOutput(ctx context.Context, tj *types.TrackedJob) error {
	if tj.OutputReturned {
		return nil
	}
	return m.downloadOutput(ctx, tj)
}

func (m *Manager) downloadOutput(ctx context.Context, tj *types.TrackedJob) error {
	remoteDir := fmt.Sprintf("%s/tool/projects/%s/output/%s", m.remoteHome, m.cfg.Name, tj.JobID)
	list := fmt.Sprintf("find %s -type f -printf '%%P|%%s\\n' 2>/dev/null", remoteDir)
	res, err := m.facade.DTN(ctx, list, outputListTimeout)
	if err != nil {
		return fmt.Errorf("%w: listing remote output: %v", tccperrors.ErrOutputPartial, err)
	}

	lines := splitLines(res.Stdout)
	type entry struct {
		rel  string
		size int64
	}
	var entries []entry
	var totalBytes int64
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		entries = append(entries, entry{rel: parts[0], size: size})
		totalBytes += size
	}

	if len(entries) == 0 {
		tj.OutputReturned = true
		return m.store.UpsertJob(tj)
	}

	localRoot := filepath.Join(m.cfg.Dir, "tccp-output", tj.JobID)
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return fmt.Errorf("%w: creating local output tree: %v", tccperrors.ErrOutputPartial, err)
	}

	var failed int
	var downloaded int64
	for _, e := range entries {
		if err := m.downloadFile(remoteDir, localRoot, e.rel); err != nil {
			m.logger(tj.JobID).Warn().Err(err).Str("file", e.rel).Msg("output file download failed")
			failed++
			continue
		}
		downloaded += e.size
		m.statusCB(tj.JobID, fmt.Sprintf("downloaded %s", e.rel))
		m.progressCB(tj.JobID, downloaded, totalBytes)
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d files failed to download", tccperrors.ErrOutputPartial, failed, len(entries))
	}

	if _, err := m.facade.DTN(ctx, fmt.Sprintf("rm -rf %s", remoteDir), outputListTimeout); err != nil {
		return fmt.Errorf("%w: removing remote output after download: %v", tccperrors.ErrOutputPartial, err)
	}
	tj.OutputReturned = true
	return m.store.UpsertJob(tj)
}

// downloadFile streams one remote file into the local output tree over a
// raw exec channel, the only path in the facade capable of carrying
// arbitrary binary content (the multiplexed marker protocol is text-only).
func (m *Manager) downloadFile(remoteDir, localRoot, rel string) error {
	sess, err := m.facade.ExecChannel()
	if err != nil {
		return err
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}

	remotePath := remoteDir + "/" + rel
	if err := sess.Start(fmt.Sprintf("cat %s", shellquote.Join(remotePath))); err != nil {
		return err
	}

	localPath := filepath.Join(localRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, stdout); err != nil {
		return err
	}
	return sess.Wait()
}

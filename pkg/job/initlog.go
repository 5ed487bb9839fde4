package job

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tccp/tccp/pkg/log"
)

// initLog is the append-only per-job log a UI tails to show initialization
// progress (spec.md §4.6.1: "return the record now so UI can attach to the
// init log"). It degrades to a no-op writer if the file cannot be opened,
// since a missing init log must never abort initialization itself.
type initLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// InitLogPath returns the path of jobID's initialization log under
// toolHome, exported so the CLI layer can tail it with --follow without
// reaching into package internals.
func InitLogPath(toolHome, jobID string) string {
	return filepath.Join(toolHome, "init-logs", jobID+".log")
}

func newInitLog(toolHome, jobID string) *initLog {
	path := InitLogPath(toolHome, jobID)
	il := &initLog{path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("could not create init-log directory")
		return il
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("could not open init log")
		return il
	}
	il.f = f
	return il
}

// Printf appends a timestamped line. Safe to call from the init goroutine
// only; not shared across jobs.
func (l *initLog) Printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	_, _ = l.f.WriteString(line)
}

func (l *initLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
}

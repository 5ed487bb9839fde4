package job

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tccp/tccp/pkg/alloc"
	"github.com/tccp/tccp/pkg/metrics"
	"github.com/tccp/tccp/pkg/tccperrors"
)

// softCapBytes is the hardcoded policy value from spec.md §4.6.7 / §9: "a
// policy value, not a measured constant".
const softCapBytes = 20 * 1024 * 1024 * 1024

const cacheProbeTimeout = 30 * time.Second

// cacheItem is one evictable artifact: a container image file or a project
// env directory, with the mtime eviction order is based on.
type cacheItem struct {
	kind string // "image" | "env"
	path string
	size int64
	mt   int64
}

var cacheLineRe = regexp.MustCompile(`^(image|env)\|([^|]+)\|(\d+)\|(\d+(?:\.\d+)?)$`)

// runCacheEviction queries total usage under <tool-home> in one round trip
// and, if over the soft cap, removes the oldest non-current items with a
// single batched rm -rf until projected usage is back under the cap
// (spec.md §4.6.7).
func (m *Manager) runCacheEviction(ctx context.Context, jobID, project, currentImage string, statusCB alloc.StatusCallback) error {
	root := fmt.Sprintf("%s/tool", m.remoteHome)
	// One round trip: total bytes used, then one line per image file and
	// one per project env dir, each tagged with kind|path|size|mtime.
	probe := fmt.Sprintf(
		`du -sb %s 2>/dev/null | cut -f1; `+
			`find %s/container-cache/images -maxdepth 1 -type f -printf 'image|%%p|%%s|%%T@\n' 2>/dev/null; `+
			`for d in %s/projects/*/env; do [ -d "$d" ] && echo "env|$d|$(du -sb "$d" 2>/dev/null | cut -f1)|$(stat -c %%Y "$d/.last_used" 2>/dev/null || stat -c %%Y "$d")"; done`,
		root, root, root,
	)
	res, err := m.facade.DTN(ctx, probe, cacheProbeTimeout)
	if err != nil {
		return fmt.Errorf("%w: probing cache usage: %v", tccperrors.ErrSchedulerTransient, err)
	}

	lines := splitLines(res.Stdout)
	if len(lines) == 0 {
		return nil
	}
	totalBytes, _ := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	metrics.CacheBytesUsed.Set(float64(totalBytes))

	if totalBytes <= softCapBytes {
		return nil
	}

	var items []cacheItem
	currentEnvDir := fmt.Sprintf("%s/projects/%s/env", root, project)
	for _, line := range lines[1:] {
		mobj := cacheLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if mobj == nil {
			continue
		}
		kind, path := mobj[1], mobj[2]
		if path == currentImage || path == currentEnvDir {
			continue // never evict the current project's own artifacts
		}
		size, _ := strconv.ParseInt(mobj[3], 10, 64)
		mt, _ := strconv.ParseFloat(mobj[4], 64)
		items = append(items, cacheItem{kind: kind, path: path, size: size, mt: int64(mt)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mt < items[j].mt })

	projected := totalBytes
	var evict []cacheItem
	for _, it := range items {
		if projected <= softCapBytes {
			break
		}
		evict = append(evict, it)
		projected -= it.size
	}

	if len(evict) == 0 {
		return fmt.Errorf("%w: %d bytes over cap, nothing eligible to evict", tccperrors.ErrEvictionImpossible, totalBytes-softCapBytes)
	}

	paths := make([]string, len(evict))
	for i, it := range evict {
		paths[i] = it.path
		metrics.CacheEvictionsTotal.WithLabelValues(it.kind).Inc()
		statusCB(fmt.Sprintf("evicting %s %s (%d bytes)", it.kind, it.path, it.size))
	}
	rm := "rm -rf " + strings.Join(quoteAll(paths), " ")
	if _, err := m.facade.DTN(ctx, rm, cacheProbeTimeout); err != nil {
		return fmt.Errorf("batched eviction rm: %w", err)
	}

	if projected > softCapBytes {
		return fmt.Errorf("%w: still %d bytes over cap after evicting every eligible candidate", tccperrors.ErrEvictionImpossible, projected-softCapBytes)
	}
	return nil
}

func quoteAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return out
}

/*
Package state implements the Project State Store: a persistent, per-project
YAML record of allocations, tracked jobs, and the last sync manifest (spec.md
§4.4). Every mutating method persists before returning, matching the teacher's
discipline of guarding each store operation with its own lock and leaving no
call half-applied (pkg/storage/boltdb.go in the teacher does this per-bucket
under bbolt's transaction; here each call holds mu and writes a full file).

Persistence is a flat YAML file rather than a KV store because spec.md §4.4
and §6 name the on-disk format explicitly (`<tool-home>/state/<project>.yaml`);
see DESIGN.md for why bbolt was dropped from the teacher's stack here.
*/
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"

	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/types"
)

// Store guards one project's persisted state with a mutex and writes it
// atomically (temp file + rename) on every mutation.
type Store struct {
	mu      sync.Mutex
	path    string
	project string
	state   *types.ProjectState
}

// Path returns the on-disk path for a project's state file under toolHome.
func Path(toolHome, project string) string {
	return filepath.Join(toolHome, "state", project+".yaml")
}

// Open loads (or lazily creates) the state file for a project. Corrupt files
// are tolerated per spec.md §7: Open logs the error and returns a Store
// backed by a fresh empty ProjectState rather than failing, since the
// Allocation Manager's reconciliation will rebuild allocation state from the
// scheduler on the next reconcile() call.
func Open(toolHome, project string) (*Store, error) {
	path := Path(toolHome, project)
	logger := log.WithComponent("state")

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	st := &Store{path: path, project: project}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			st.state = types.NewProjectState()
			return st, nil
		}
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	var loaded types.ProjectState
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("state file corrupt, starting from empty state")
		st.state = types.NewProjectState()
		return st, nil
	}
	if loaded.Allocations == nil {
		loaded.Allocations = make(map[string]*types.Allocation)
	}
	if loaded.Jobs == nil {
		loaded.Jobs = make(map[string]*types.TrackedJob)
	}
	st.state = &loaded
	return st, nil
}

// Snapshot returns a defensive deep copy of the current state so callers
// cannot mutate the store's authoritative copy without going through a
// Store method.
func (s *Store) Snapshot() *types.ProjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out types.ProjectState
	if err := copier.CopyWithOption(&out, s.state, copier.Option{DeepCopy: true}); err != nil {
		// copier failing on a plain data struct indicates a programming
		// error (e.g. an un-copyable field), not a runtime condition to
		// recover from gracefully.
		panic(fmt.Sprintf("state: snapshot copy failed: %v", err))
	}
	return &out
}

// save persists the current state atomically: write to a temp file in the
// same directory, then rename over the target so a crash never leaves a
// half-written file (spec.md "atomically on every mutation").
func (s *Store) save() error {
	out, err := yaml.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}
	return nil
}

// UpsertAllocation records or updates an allocation and persists.
func (s *Store) UpsertAllocation(a *types.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Allocations[a.AllocationID] = a
	return s.save()
}

// RemoveAllocation drops an allocation (deallocated, died, or reclaimed) and
// persists.
func (s *Store) RemoveAllocation(allocationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Allocations, allocationID)
	return s.save()
}

// Allocations returns the current allocations keyed by id.
func (s *Store) Allocations() map[string]*types.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*types.Allocation, len(s.state.Allocations))
	for k, v := range s.state.Allocations {
		cp := *v
		out[k] = &cp
	}
	return out
}

// GetAllocation returns one allocation by id, or nil if not present.
func (s *Store) GetAllocation(id string) *types.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.Allocations[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// UpsertJob records or updates a tracked job and persists.
func (s *Store) UpsertJob(j *types.TrackedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Jobs[j.JobID] = j
	return s.save()
}

// GetJob returns one tracked job by id, or nil if not present.
func (s *Store) GetJob(id string) *types.TrackedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.state.Jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// Jobs returns all tracked jobs keyed by id.
func (s *Store) Jobs() map[string]*types.TrackedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*types.TrackedJob, len(s.state.Jobs))
	for k, v := range s.state.Jobs {
		cp := *v
		out[k] = &cp
	}
	return out
}

// JobsByName returns every tracked job whose Name matches, newest submit
// time first.
func (s *Store) JobsByName(name string) []*types.TrackedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TrackedJob
	for _, j := range s.state.Jobs {
		if j.Name == name {
			cp := *j
			out = append(out, &cp)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SubmitTime.After(out[j-1].SubmitTime); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PruneTerminal drops older terminal records for each job name, keeping only
// the single latest terminal record per name (spec.md invariant 5 / §4.6.8
// step 3). Persists if anything changed.
func (s *Store) PruneTerminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latestByName := make(map[string]*types.TrackedJob)
	for _, j := range s.state.Jobs {
		if !j.Completed {
			continue
		}
		cur, ok := latestByName[j.Name]
		if !ok || j.SubmitTime.After(cur.SubmitTime) {
			latestByName[j.Name] = j
		}
	}

	changed := false
	for id, j := range s.state.Jobs {
		if !j.Completed {
			continue
		}
		if latestByName[j.Name].JobID != j.JobID {
			delete(s.state.Jobs, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save()
}

// SetLastSync persists the freshly built sync manifest along with the node
// and scratch path it was produced on (spec.md invariant 4).
func (s *Store) SetLastSync(manifest *types.SyncManifest, node, scratch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastSyncManifest = manifest
	s.state.LastSyncNode = node
	s.state.LastSyncScratch = scratch
	return s.save()
}

// LastSync returns the last persisted manifest, node, and scratch path.
func (s *Store) LastSync() (*types.SyncManifest, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastSyncManifest, s.state.LastSyncNode, s.state.LastSyncScratch
}

// NewJobID builds the timestamped job id convention used by spec.md §4.6.1:
// YYYY-MM-DDTHH-MM-SS-mmm__<name>, e.g. 2025-01-15T10-30-00-123__train.
func NewJobID(name string, now time.Time) string {
	t := now.UTC()
	return fmt.Sprintf("%s-%03d__%s", t.Format("2006-01-02T15-04-05"), t.Nanosecond()/1_000_000, name)
}

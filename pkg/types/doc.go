/*
Package types defines the core data structures shared across tccp's packages.

This package contains the domain model behind the session fabric and the job
lifecycle orchestrator: session targets, cluster allocations, tracked jobs, sync
manifests, and the persisted project state that ties them together. These types
are consumed by pkg/state, pkg/alloc, pkg/job, pkg/transport, pkg/muxer and
pkg/facade for state management and orchestration logic.

# Core Types

Session:
  - SessionTarget: gateway host, credentials, and 2FA flags for one SSH session

Allocation:
  - Allocation: a long-lived sbatch reservation of cluster resources
  - ResourceProfile: partition/nodes/cpus/memory/gpu requirement or grant

Job:
  - TrackedJob: a single job submission's lifecycle record
  - ForwardedPort: one local->compute-node TCP tunnel

Sync:
  - SyncManifestEntry: one (path, mtime, size) record
  - SyncManifest: a sorted collection of entries plus the node/scratch it was built for

Project state:
  - ProjectState: the root persisted object for one project

All types are YAML-serializable (gopkg.in/yaml.v3 struct tags) and safe to copy
defensively via github.com/jinzhu/copier, which pkg/state uses before handing a
snapshot to a caller.
*/
package types

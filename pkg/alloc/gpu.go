package alloc

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tccp/tccp/pkg/tccperrors"
)

const gpuQueryTimeout = 15 * time.Second

// GPUVariant maps a user-facing GPU id to the actual GRES base type,
// node-prefix, memory size, and a tier used to prefer cheaper variants when
// a request is ambiguous (spec.md §4.5.3).
type GPUVariant struct {
	ID         string
	BaseType   string
	NodePrefix string
	MemoryGB   int
	Tier       int
}

// DefaultGPUCatalog is the built-in variant catalog. Deployments with a
// different cluster layout can supply their own via Manager.SetGPUCatalog.
var DefaultGPUCatalog = []GPUVariant{
	{ID: "a100-40gb", BaseType: "a100", NodePrefix: "cc1gpu", MemoryGB: 40, Tier: 1},
	{ID: "a100-80gb", BaseType: "a100", NodePrefix: "s1cmp", MemoryGB: 80, Tier: 2},
	{ID: "h100-80gb", BaseType: "h100", NodePrefix: "h1gpu", MemoryGB: 80, Tier: 1},
	{ID: "v100-16gb", BaseType: "v100", NodePrefix: "v1gpu", MemoryGB: 16, Tier: 2},
}

// GPUResource is one partition/variant combination discovered from sinfo,
// annotated with the per-node GPU count and node availability needed for
// scoring in FindGPUPartition.
type GPUResource struct {
	Partition      string
	VariantID      string // "" if no catalog variant matched this row
	BaseType       string
	NodePrefix     string
	Tier           int
	GPUPerNode     int
	TotalNodes     int
	AvailableNodes int
}

// DescribeCatalog returns a copy of the GPU variant catalog in use: the one
// set by SetGPUCatalog, or DefaultGPUCatalog when none was set. The init
// pipeline uses it to map a resolved variant to its GRES base type.
func (m *Manager) DescribeCatalog() []GPUVariant {
	catalog := m.gpuCatalog
	if catalog == nil {
		catalog = DefaultGPUCatalog
	}
	out := make([]GPUVariant, len(catalog))
	copy(out, catalog)
	return out
}

// SetGPUCatalog overrides the variant catalog used by DiscoverGPUResources
// (which labels the resources FindGPUPartition scores) and returned by
// DescribeCatalog.
func (m *Manager) SetGPUCatalog(catalog []GPUVariant) {
	m.gpuCatalog = catalog
}

var sinfoRowRe = regexp.MustCompile(`^([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)$`)
var gresGPURe = regexp.MustCompile(`gpu(?::([a-zA-Z0-9_.]+))?:(\d+)`)

// availableStates are sinfo %T values counted as "has free capacity now".
var availableStates = map[string]bool{"idle": true, "mix": true, "mixed": true}

// DiscoverGPUResources runs sinfo and sacctmgr in parallel — they are
// independent read-only queries, so fanning them out halves the wall-clock
// cost of GPU discovery compared to running them serially.
func (m *Manager) DiscoverGPUResources(ctx context.Context, user string) ([]GPUResource, []string, error) {
	var resources []GPUResource
	var userParts []string

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := m.runner.Run(ctx, "sinfo -h -o '%P|%G|%D|%m|%c|%T|%N'", gpuQueryTimeout)
		if err != nil {
			return fmt.Errorf("%w: sinfo: %v", tccperrors.ErrSchedulerTransient, err)
		}
		resources = m.parseSinfo(r.Stdout)
		return nil
	})
	g.Go(func() error {
		r, err := m.runner.Run(ctx, fmt.Sprintf("sacctmgr show assoc where user=%s format=partition -n -p", user), gpuQueryTimeout)
		if err != nil {
			return fmt.Errorf("%w: sacctmgr: %v", tccperrors.ErrSchedulerTransient, err)
		}
		parts := parseSacctmgrPartitions(r.Stdout)
		if len(parts) == 0 {
			fallback, err := m.runner.Run(ctx, "sinfo -h -o '%P'", gpuQueryTimeout)
			if err != nil {
				return fmt.Errorf("%w: sinfo partition fallback: %v", tccperrors.ErrSchedulerTransient, err)
			}
			parts = parseSacctmgrPartitions(fallback.Stdout)
		}
		userParts = parts
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return resources, userParts, nil
}

func (m *Manager) parseSinfo(output string) []GPUResource {
	catalog := m.gpuCatalog
	if catalog == nil {
		catalog = DefaultGPUCatalog
	}

	var out []GPUResource
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		row := sinfoRowRe.FindStringSubmatch(line)
		if row == nil {
			continue
		}
		partition := strings.TrimSuffix(row[1], "*")
		gres := row[2]
		nodeCountStr := row[3]
		state := strings.ToLower(row[6])
		nodelist := row[7]

		gmatch := gresGPURe.FindStringSubmatch(gres)
		if gmatch == nil {
			continue
		}
		baseType := strings.ToLower(gmatch[1])
		perNode, _ := strconv.Atoi(gmatch[2])
		totalNodes, _ := strconv.Atoi(nodeCountStr)
		available := 0
		if availableStates[state] {
			available = totalNodes
		}

		matched := false
		for _, v := range catalog {
			if v.NodePrefix != "" && strings.Contains(nodelist, v.NodePrefix) {
				out = append(out, GPUResource{
					Partition: partition, VariantID: v.ID, BaseType: v.BaseType,
					NodePrefix: v.NodePrefix, Tier: v.Tier,
					GPUPerNode: perNode, TotalNodes: totalNodes, AvailableNodes: available,
				})
				matched = true
			}
		}
		if !matched {
			out = append(out, GPUResource{
				Partition: partition, BaseType: baseType,
				GPUPerNode: perNode, TotalNodes: totalNodes, AvailableNodes: available,
			})
		}
	}
	return out
}

func parseSacctmgrPartitions(output string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(output, "\n") {
		p := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), "|"))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// FindGPUPartition selects the best-scoring resource matching requestedType
// and count, restricted to userParts when non-empty, per spec.md §4.5.3.
func FindGPUPartition(resources []GPUResource, requestedType string, count int, userParts []string) (partition, gpuType, nodePrefix string, err error) {
	allowed := make(map[string]bool, len(userParts))
	for _, p := range userParts {
		allowed[p] = true
	}

	var best *GPUResource
	bestScore := 0
	var available []string

	for i := range resources {
		r := &resources[i]
		if len(allowed) > 0 && !allowed[r.Partition] {
			continue
		}
		available = append(available, describeResource(r))
		if r.GPUPerNode < count {
			continue
		}
		if !typeMatches(requestedType, r) {
			continue
		}

		score := 0
		if r.AvailableNodes > 0 {
			score += 1000
		}
		score -= 10 * (r.GPUPerNode - count)
		score += r.TotalNodes
		score -= 5 * r.Tier

		if best == nil || score > bestScore {
			best = r
			bestScore = score
		}
	}

	if best == nil {
		return "", "", "", fmt.Errorf("%w: requested %s x%d, available: %s",
			tccperrors.ErrNoGPUPartition, requestedType, count, strings.Join(available, "; "))
	}

	gt := best.VariantID
	if gt == "" {
		gt = best.BaseType
	}
	return best.Partition, gt, best.NodePrefix, nil
}

// typeMatches implements spec.md §4.5.3 step 2: exact case-insensitive
// match, bare-base-type match, or requestedType as a bounded substring of
// the resource's type.
func typeMatches(requestedType string, r *GPUResource) bool {
	req := strings.ToLower(requestedType)
	resourceType := strings.ToLower(r.VariantID)
	if resourceType == "" {
		resourceType = strings.ToLower(r.BaseType)
	}
	base := strings.ToLower(r.BaseType)

	if req == resourceType {
		return true
	}
	if req == base {
		return true
	}
	idx := strings.Index(resourceType, req)
	if idx == -1 {
		return false
	}
	end := idx + len(req)
	if end == len(resourceType) {
		return true
	}
	switch resourceType[end] {
	case '-', '_', '.', ':':
		return true
	}
	return false
}

func describeResource(r *GPUResource) string {
	t := r.VariantID
	if t == "" {
		t = r.BaseType
	}
	return fmt.Sprintf("%s:%s x%d/node (%d nodes)", r.Partition, t, r.GPUPerNode, r.TotalNodes)
}

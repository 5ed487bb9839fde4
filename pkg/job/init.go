package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/tccp/tccp/pkg/alloc"
	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/facade"
	"github.com/tccp/tccp/pkg/types"
)

// initPipeline carries the per-submission state threaded through the ten
// numbered steps of spec.md §4.6.2. One instance is created per call to
// runInitPipeline and discarded once it commits or fails.
type initPipeline struct {
	m       *Manager
	jobID   string
	jobName string
	spec    config.JobSpec
	log     *initLog
	logger  zerolog.Logger

	ch *facade.WorkChannel

	profile        types.ResourceProfile
	baseGPUType    string
	allocation     *types.Allocation
	localOutputDir string
	manifest       *types.SyncManifest
	tunnels        []*portTunnel
}

type pipelineStep struct {
	name string
	fn   func(context.Context) error
}

// run executes the ten steps in order, checking the cancellation marker at
// every boundary (spec.md §4.6.2). A canceled step returns
// tccperrors.ErrJobCanceled (via m.checkpoint); any other error is wrapped
// with the step name for init_error.
func (p *initPipeline) run(ctx context.Context) error {
	ch, err := p.m.facade.OpenWorkChannel()
	if err != nil {
		return fmt.Errorf("opening work channel: %w", err)
	}
	p.ch = ch
	defer ch.Close()

	steps := []pipelineStep{
		{"resolve profile", p.stepResolveProfile},
		{"poll recently completed", p.stepReconcile},
		{"claim allocation", p.stepClaimAllocation},
		{"ensure directories", p.stepEnsureDirectories},
		{"ensure environment", p.stepEnsureEnvironment},
		{"ensure ssh keys", p.stepEnsureSSHKeys},
		{"sync code", p.stepSyncCode},
		{"launch", p.stepLaunch},
		{"start port tunnels", p.stepStartTunnels},
		{"commit", p.stepCommit},
	}

	for _, s := range steps {
		if err := p.m.checkpoint(p.jobID); err != nil {
			return err
		}
		p.log.Printf("step: %s", s.name)
		p.logger.Debug().Str("step", s.name).Msg("init step starting")

		stepCtx, cancel := p.m.runContext(ctx, defaultStepTimeout)
		err := s.fn(stepCtx)
		cancel()
		if err != nil {
			if isCanceled(err) {
				return err
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// stepResolveProfile is step 1: merge Slurm override layers, then resolve
// any GPU variant request to a concrete partition + gres base type.
func (p *initPipeline) stepResolveProfile(ctx context.Context) error {
	profile := alloc.ResolveProfile(config.SlurmOverride{}, p.m.cfg.Slurm, p.spec.Slurm)

	requested := p.spec.Slurm.GPUType
	if requested == "" {
		requested = p.m.cfg.GPU
	}
	if requested == "" {
		p.profile = profile
		return nil
	}

	count := profile.GPUCount
	if count == 0 {
		count = 1
	}
	resources, userParts, err := p.m.alloc.DiscoverGPUResources(ctx, p.m.user)
	if err != nil {
		return err
	}
	partition, variant, _, err := alloc.FindGPUPartition(resources, requested, count, userParts)
	if err != nil {
		return err
	}
	if profile.Partition == "" {
		profile.Partition = partition
	}
	profile.GPUType = variant
	profile.GPUCount = count
	p.baseGPUType = baseGPUTypeFor(p.m.alloc.DescribeCatalog(), variant)
	p.profile = profile
	return nil
}

// baseGPUTypeFor looks up the GRES base type for a resolved variant id,
// falling back to the variant id itself for unmatched/raw entries.
func baseGPUTypeFor(catalog []alloc.GPUVariant, variantID string) string {
	for _, v := range catalog {
		if v.ID == variantID {
			return v.BaseType
		}
	}
	return variantID
}

// stepReconcile is step 2: give the allocator one chance to notice just-
// released allocations before deciding whether a new sbatch is needed.
func (p *initPipeline) stepReconcile(ctx context.Context) error {
	return p.m.alloc.Reconcile(ctx, p.statusCB())
}

func (p *initPipeline) statusCB() alloc.StatusCallback {
	return func(msg string) {
		p.log.Printf("%s", msg)
		p.m.statusCB(p.jobID, msg)
	}
}

// stepClaimAllocation is step 3: claim an idle compatible allocation, else
// wait on a compatible pending one, else submit a fresh sbatch.
func (p *initPipeline) stepClaimAllocation(ctx context.Context) error {
	minutes, err := alloc.ParseTimeMinutes(p.profile.Time)
	if err != nil {
		return fmt.Errorf("parsing profile time %q: %w", p.profile.Time, err)
	}

	a, err := p.m.alloc.ClaimFree(minutes, p.profile, p.jobID)
	if err != nil {
		return err
	}
	if a != nil {
		p.allocation = a
		p.log.Printf("claimed idle allocation %s on %s", a.AllocationID, a.Node)
		return nil
	}

	pending, err := p.m.alloc.FindPending(p.profile)
	if err != nil {
		return err
	}
	if pending != nil {
		p.log.Printf("waiting for pending allocation %s", pending.AllocationID)
		running, err := p.m.alloc.WaitForAllocation(ctx, pending.AllocationID, p.statusCB())
		if err != nil {
			return err
		}
		if err := p.m.alloc.AssignJob(running.AllocationID, p.jobID); err != nil {
			return err
		}
		p.allocation = running
		return nil
	}

	p.log.Printf("submitting new allocation")
	submitted, err := p.m.alloc.Allocate(ctx, p.profile, p.baseGPUType, p.m.remoteHome, p.m.cfg.Name, p.m.containerCache, p.statusCB())
	if err != nil {
		return err
	}
	if err := p.m.alloc.AssignJob(submitted.AllocationID, p.jobID); err != nil {
		return err
	}
	p.allocation = submitted
	return nil
}

// scratchPath is the per-job per-node temporary directory (spec.md §6).
func (p *initPipeline) scratchPath() string {
	return fmt.Sprintf("/tmp/%s/%s/%s", p.m.user, p.m.cfg.Name, p.jobID)
}

// persistentOutputDir is the remote per-job output directory a launch
// script's "output" symlink points at.
func (p *initPipeline) persistentOutputDir() string {
	return fmt.Sprintf("%s/tool/projects/%s/output/%s", p.m.remoteHome, p.m.cfg.Name, p.jobID)
}

// stepEnsureDirectories is step 4: create the gateway-side project tree and
// the local per-job output directory.
func (p *initPipeline) stepEnsureDirectories(ctx context.Context) error {
	remoteDirs := fmt.Sprintf("%s/tool/projects/%s/{env,jobs,output/%s}", p.m.remoteHome, p.m.cfg.Name, p.jobID)
	cmd := fmt.Sprintf("mkdir -p %s", remoteDirs)
	if _, err := p.ch.Run(ctx, cmd, defaultStepTimeout); err != nil {
		return fmt.Errorf("creating remote project directories: %w", err)
	}

	p.localOutputDir = filepath.Join(p.m.cfg.Dir, "output", p.jobName)
	if err := os.MkdirAll(p.localOutputDir, 0o755); err != nil {
		return fmt.Errorf("creating local output directory: %w", err)
	}
	return nil
}

// stepEnsureSSHKeys is step 6: ensure the gateway has an SSH keypair ready
// for hop/tunnel operations the compute node needs to reach back out (e.g.
// cloning a private repo). Idempotent: ssh-keygen -N '' refuses to overwrite
// an existing key without -f, so a bare existence check avoids invoking it
// twice.
func (p *initPipeline) stepEnsureSSHKeys(ctx context.Context) error {
	probe := fmt.Sprintf("test -f ~/.ssh/id_ed25519 && echo HAVE_KEY || echo NO_KEY")
	res, err := p.ch.Run(ctx, probe, defaultStepTimeout)
	if err != nil {
		return fmt.Errorf("probing ssh keys: %w", err)
	}
	if containsLine(res.Stdout, "HAVE_KEY") {
		return nil
	}
	gen := "mkdir -p ~/.ssh && chmod 700 ~/.ssh && ssh-keygen -t ed25519 -N '' -f ~/.ssh/id_ed25519 -q"
	if _, err := p.ch.Run(ctx, gen, defaultStepTimeout); err != nil {
		return fmt.Errorf("generating ssh keypair: %w", err)
	}
	return nil
}

func containsLine(s, want string) bool {
	for _, line := range splitLines(s) {
		if line == want {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, trimCR(s[start:]))
	}
	return out
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

// stepCommit is step 10: write the final TrackedJob fields and assign the
// allocation to this job in persistent state.
func (p *initPipeline) stepCommit(ctx context.Context) error {
	tj := p.m.store.GetJob(p.jobID)
	if tj == nil {
		return fmt.Errorf("tracked job %s vanished before commit", p.jobID)
	}
	tj.Node = p.allocation.Node
	tj.AllocationID = p.allocation.AllocationID
	tj.ScratchPath = p.scratchPath()
	tj.StartTime = time.Now()
	tj.ForwardedPorts = p.collectForwardedPorts()
	if err := p.m.store.UpsertJob(tj); err != nil {
		return fmt.Errorf("persisting committed job: %w", err)
	}
	return p.m.alloc.AssignJob(p.allocation.AllocationID, p.jobID)
}

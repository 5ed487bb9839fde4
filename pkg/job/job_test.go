package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tccp/tccp/pkg/alloc"
	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/state"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

func TestSplitLinesAndContainsLine(t *testing.T) {
	out := splitLines("RUNNING\r\nDONE\n")
	assert.Equal(t, []string{"RUNNING", "DONE"}, out)
	assert.True(t, containsLine("HAVE_KEY\n", "HAVE_KEY"))
	assert.False(t, containsLine("NO_KEY\n", "HAVE_KEY"))
}

func TestSplitLinesNoTrailingNewline(t *testing.T) {
	out := splitLines("a\nb")
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestContainsAny(t *testing.T) {
	assert.True(t, containsAny([]string{"foo", "DONE"}, "DONE"))
	assert.False(t, containsAny([]string{"foo", "bar"}, "DONE"))
}

func TestBaseGPUTypeForFallsBackToVariantID(t *testing.T) {
	catalog := []alloc.GPUVariant{
		{ID: "a100-40gb", BaseType: "a100"},
		{ID: "h100-80gb", BaseType: "h100"},
	}
	assert.Equal(t, "a100", baseGPUTypeFor(catalog, "a100-40gb"))
	assert.Equal(t, "unknown-variant", baseGPUTypeFor(catalog, "unknown-variant"))
}

func TestQuoteAllEscapesSingleQuotes(t *testing.T) {
	out := quoteAll([]string{"/tmp/plain", "/tmp/o'brien"})
	assert.Equal(t, []string{"'/tmp/plain'", `'/tmp/o'\''brien'`}, out)
}

func TestDiffManifestsDetectsChangedAndDeleted(t *testing.T) {
	prior := &types.SyncManifest{Entries: []types.SyncManifestEntry{
		{Path: "a.py", Mtime: 1, Size: 10},
		{Path: "b.py", Mtime: 1, Size: 20},
	}}
	current := &types.SyncManifest{Entries: []types.SyncManifestEntry{
		{Path: "a.py", Mtime: 1, Size: 10},  // unchanged
		{Path: "c.py", Mtime: 2, Size: 5},   // new
	}}
	changed, deleted := diffManifests(prior, current)
	require.Len(t, changed, 1)
	assert.Equal(t, "c.py", changed[0].Path)
	assert.Equal(t, []string{"b.py"}, deleted)
}

func TestDiffManifestsDetectsMtimeChange(t *testing.T) {
	prior := &types.SyncManifest{Entries: []types.SyncManifestEntry{{Path: "a.py", Mtime: 1, Size: 10}}}
	current := &types.SyncManifest{Entries: []types.SyncManifestEntry{{Path: "a.py", Mtime: 2, Size: 10}}}
	changed, deleted := diffManifests(prior, current)
	require.Len(t, changed, 1)
	assert.Empty(t, deleted)
}

func TestBuildManifestSkipsDefaultExcludesAndHonorsIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "__pycache__", "x.pyc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.me"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tccpignore"), []byte("skip.me\n"), 0o644))

	manifest, err := buildManifest(dir, nil)
	require.NoError(t, err)

	var paths []string
	for _, e := range manifest.Entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "main.py")
	assert.Contains(t, paths, ".tccpignore")
	assert.NotContains(t, paths, "skip.me")
	for _, p := range paths {
		assert.NotContains(t, p, "__pycache__")
	}
}

func TestBuildManifestIncludesRoData(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("x"), 0o644))
	roDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(roDir, "weights.bin"), []byte("x"), 0o644))

	manifest, err := buildManifest(dir, []config.RoDataDir{{Label: "weights", Path: roDir}})
	require.NoError(t, err)

	var paths []string
	for _, e := range manifest.Entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "rodata/weights/weights.bin")
}

func TestLocalPathForResolvesRoDataPrefix(t *testing.T) {
	rodata := []config.RoDataDir{{Label: "weights", Path: "/data/weights"}}
	p, ok := localPathFor("/proj", rodata, "rodata/weights/model.bin")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/data/weights", "model.bin"), p)

	p, ok = localPathFor("/proj", rodata, "main.py")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/proj", "main.py"), p)

	_, ok = localPathFor("/proj", rodata, "rodata/unknown/model.bin")
	assert.False(t, ok)
}

func newTestPipeline(t *testing.T) *initPipeline {
	t.Helper()
	dir := t.TempDir()
	m := &Manager{
		cfg: &config.Config{Name: "proj", Dir: dir},
		user: "alice",
	}
	return &initPipeline{
		m:       m,
		jobID:   "job-123",
		jobName: "train",
		spec:    config.JobSpec{Script: "train.py", Args: []string{"--epochs", "10"}},
	}
}

func TestUserCommandQuotesArgs(t *testing.T) {
	p := newTestPipeline(t)
	assert.Equal(t, "python train.py --epochs 10", p.userCommand())
}

func TestUserCommandDefaultsToMainPy(t *testing.T) {
	p := newTestPipeline(t)
	p.spec = config.JobSpec{}
	assert.Equal(t, "python main.py", p.userCommand())
}

func TestUserCommandUsesPackageInvocation(t *testing.T) {
	p := newTestPipeline(t)
	p.spec = config.JobSpec{Package: "mypkg.train"}
	assert.Equal(t, "python -m mypkg.train", p.userCommand())
}

func TestBuildLaunchScriptIncludesSentinelAndExports(t *testing.T) {
	p := newTestPipeline(t)
	script, err := p.buildLaunchScript()
	require.NoError(t, err)
	assert.Contains(t, script, jobStartSentinel)
	assert.Contains(t, script, "export TCCP_JOB_ID=job-123")
	assert.Contains(t, script, "singularity exec")
	assert.Contains(t, script, "train.py")
}

func TestBuildLaunchScriptInlinesEnvFile(t *testing.T) {
	p := newTestPipeline(t)
	p.m.cfg.Env = ".env"
	require.NoError(t, os.WriteFile(filepath.Join(p.m.cfg.Dir, ".env"), []byte("FOO=bar"), 0o644))
	script, err := p.buildLaunchScript()
	require.NoError(t, err)
	assert.Contains(t, script, "FOO=bar")
}

func TestScratchPathAndPersistentOutputDir(t *testing.T) {
	p := newTestPipeline(t)
	p.m.remoteHome = "/home/alice"
	assert.Equal(t, "/tmp/alice/proj/job-123", p.scratchPath())
	assert.Equal(t, "/home/alice/tool/projects/proj/output/job-123", p.persistentOutputDir())
}

func TestCollectForwardedPorts(t *testing.T) {
	p := newTestPipeline(t)
	p.tunnels = []*portTunnel{
		{handle: "11111111-1111-1111-1111-111111111111", localPort: 8000, remotePort: 8000},
		{handle: "22222222-2222-2222-2222-222222222222", localPort: 8888, remotePort: 8888},
	}
	ports := p.collectForwardedPorts()
	require.Len(t, ports, 2)
	assert.Equal(t, 8000, ports[0].LocalPort)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", ports[1].HandleID)
}

func TestViewerRejectsCompletedJobAndUnknownJob(t *testing.T) {
	st, err := state.Open(t.TempDir(), "proj")
	require.NoError(t, err)
	m := &Manager{user: "alice", store: st}

	_, err = m.Viewer("nope", "gw.example.com")
	assert.Error(t, err)

	require.NoError(t, st.UpsertJob(&types.TrackedJob{JobID: "job-1", Name: "train", Completed: true}))
	_, err = m.Viewer("job-1", "gw.example.com")
	assert.Error(t, err)

	require.NoError(t, st.UpsertJob(&types.TrackedJob{JobID: "job-2", Name: "train", Node: "gpu03", ScratchPath: "/tmp/alice/proj/job-2"}))
	info, err := m.Viewer("job-2", "gw.example.com")
	require.NoError(t, err)
	assert.Equal(t, "gpu03", info.ComputeNode)
	assert.Equal(t, "/tmp/alice/proj/job-2/tccp.sock", info.SocketPath)
}

func TestAttachCommandBuildsTailThenAttach(t *testing.T) {
	v := &ViewerInfo{ComputeNode: "gpu03", ScratchPath: "/tmp/alice/proj/job-123"}
	cmd := v.AttachCommand()
	assert.Contains(t, cmd, "ssh -o StrictHostKeyChecking=no gpu03")
	assert.Contains(t, cmd, "tail -c 65536 /tmp/alice/proj/job-123/tccp_run.log")
	assert.Contains(t, cmd, "dtach -a /tmp/alice/proj/job-123/tccp.sock")
}

func TestCacheLineRegexParsesImageAndEnvLines(t *testing.T) {
	m := cacheLineRe.FindStringSubmatch("image|/home/alice/tool/container-cache/images/foo.sif|1048576|1690000000.123")
	require.NotNil(t, m)
	assert.Equal(t, "image", m[1])
	assert.Equal(t, "/home/alice/tool/container-cache/images/foo.sif", m[2])
	assert.Equal(t, "1048576", m[3])

	m = cacheLineRe.FindStringSubmatch("env|/home/alice/tool/projects/other/env|2048|1690000001.0")
	require.NotNil(t, m)
	assert.Equal(t, "env", m[1])
}

func TestIsCanceledMatchesSentinel(t *testing.T) {
	assert.True(t, isCanceled(tccperrors.ErrJobCanceled))
	assert.False(t, isCanceled(assert.AnError))
}

func TestCancelJobStillInitializingMarksCancelingAndTerminal(t *testing.T) {
	st, err := state.Open(t.TempDir(), "proj")
	require.NoError(t, err)
	m := &Manager{store: st, cancelSet: make(map[string]struct{})}

	require.NoError(t, st.UpsertJob(&types.TrackedJob{JobID: "job-1", Name: "train"}))
	require.NoError(t, m.CancelJob(nil, "job-1"))

	tj := st.GetJob("job-1")
	require.NotNil(t, tj)
	assert.True(t, tj.Canceled)
	assert.True(t, tj.Completed)
	assert.Equal(t, 130, tj.ExitCode)
	assert.True(t, m.isCanceling("job-1"))
}

func TestCancelJobAlreadyCompletedIsNoop(t *testing.T) {
	st, err := state.Open(t.TempDir(), "proj")
	require.NoError(t, err)
	m := &Manager{store: st, cancelSet: make(map[string]struct{})}

	require.NoError(t, st.UpsertJob(&types.TrackedJob{JobID: "job-1", Completed: true, ExitCode: 0}))
	require.NoError(t, m.CancelJob(nil, "job-1"))

	tj := st.GetJob("job-1")
	assert.Equal(t, 0, tj.ExitCode)
	assert.False(t, tj.Canceled)
}

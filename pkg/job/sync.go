package job

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/djherbis/times"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/tccperrors"
	"github.com/tccp/tccp/pkg/types"
)

// defaultExcludeDirs are skipped outright during the manifest walk,
// regardless of .tccpignore/.gitignore (spec.md §4.6.5 step 1: "a hardcoded
// default exclude list").
var defaultExcludeDirs = map[string]bool{
	".git": true, "__pycache__": true, "node_modules": true, ".venv": true,
	"venv": true, ".idea": true, ".vscode": true, "dist": true, "build": true,
	".mypy_cache": true, ".pytest_cache": true, ".tox": true,
}

var defaultExcludeFilePatterns = []string{"*.pyc", "*.pyo", "*.swp", "*.swo", ".DS_Store", "*.o", "*.so"}

func isDefaultExcludedDir(relSlash string) bool {
	return defaultExcludeDirs[path.Base(relSlash)]
}

func matchesDefaultExclude(relSlash string) bool {
	base := path.Base(relSlash)
	for _, pat := range defaultExcludeFilePatterns {
		if ok, _ := doublestar.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// loadIgnoreMatcher prefers .tccpignore over .gitignore, per spec.md
// §4.6.5 step 1. A project with neither gets an empty matcher.
func loadIgnoreMatcher(projectDir string) (*gitignore.GitIgnore, error) {
	for _, name := range []string{".tccpignore", ".gitignore"} {
		p := filepath.Join(projectDir, name)
		if _, err := os.Stat(p); err == nil {
			return gitignore.CompileIgnoreFile(p)
		}
	}
	return gitignore.CompileIgnoreLines(), nil
}

// buildManifest walks the project directory (honoring ignore rules) and
// every configured rodata directory (prefixed rodata/<label>/), producing a
// sorted manifest of (path, mtime, size) entries (spec.md §4.6.5 step 1).
func buildManifest(projectDir string, rodata []config.RoDataDir) (*types.SyncManifest, error) {
	matcher, err := loadIgnoreMatcher(projectDir)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}

	var entries []types.SyncManifestEntry
	walkErr := filepath.WalkDir(projectDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(projectDir, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		if d.IsDir() {
			if isDefaultExcludedDir(relSlash) {
				return fs.SkipDir
			}
			return nil
		}
		if matcher.MatchesPath(relSlash) || matchesDefaultExclude(relSlash) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		ts := times.Get(info)
		entries = append(entries, types.SyncManifestEntry{Path: relSlash, Mtime: ts.ModTime().UnixNano(), Size: info.Size()})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	for _, r := range rodata {
		walkErr = filepath.WalkDir(r.Path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, rerr := filepath.Rel(r.Path, p)
			if rerr != nil {
				return rerr
			}
			if rel == "." {
				return nil
			}
			relSlash := filepath.ToSlash(rel)
			if d.IsDir() {
				if isDefaultExcludedDir(relSlash) {
					return fs.SkipDir
				}
				return nil
			}
			if matchesDefaultExclude(relSlash) {
				return nil
			}
			info, ierr := d.Info()
			if ierr != nil {
				return ierr
			}
			ts := times.Get(info)
			entries = append(entries, types.SyncManifestEntry{
				Path:  "rodata/" + r.Label + "/" + relSlash,
				Mtime: ts.ModTime().UnixNano(),
				Size:  info.Size(),
			})
			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return &types.SyncManifest{Entries: entries}, nil
}

// diffManifests returns entries that are new or whose (mtime, size) changed,
// plus the paths of entries dropped entirely, relative to prior.
func diffManifests(prior, current *types.SyncManifest) (changed []types.SyncManifestEntry, deleted []string) {
	priorByPath := make(map[string]types.SyncManifestEntry, len(prior.Entries))
	for _, e := range prior.Entries {
		priorByPath[e.Path] = e
	}
	currentByPath := make(map[string]struct{}, len(current.Entries))
	for _, e := range current.Entries {
		currentByPath[e.Path] = struct{}{}
		old, ok := priorByPath[e.Path]
		if !ok || old.Mtime != e.Mtime || old.Size != e.Size {
			changed = append(changed, e)
		}
	}
	for _, e := range prior.Entries {
		if _, ok := currentByPath[e.Path]; !ok {
			deleted = append(deleted, e.Path)
		}
	}
	return changed, deleted
}

// localPathFor maps a manifest path back to its local absolute source file,
// resolving the rodata/<label>/ prefix against the configured directories.
func localPathFor(projectDir string, rodata []config.RoDataDir, entryPath string) (string, bool) {
	if rest, ok := strings.CutPrefix(entryPath, "rodata/"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", false
		}
		for _, r := range rodata {
			if r.Label == parts[0] {
				return filepath.Join(r.Path, parts[1]), true
			}
		}
		return "", false
	}
	return filepath.Join(projectDir, entryPath), true
}

// stepSyncCode is step 7: reuse the prior scratch via an incremental delta
// when the node and a live prior scratch match, else do a full sync
// (spec.md §4.6.5).
func (p *initPipeline) stepSyncCode(ctx context.Context) error {
	manifest, err := buildManifest(p.m.cfg.Dir, p.m.cfg.RoData)
	if err != nil {
		return fmt.Errorf("%w: building manifest: %v", tccperrors.ErrSyncFailed, err)
	}

	priorManifest, priorNode, priorScratch := p.m.store.LastSync()
	scratch := p.scratchPath()
	node := p.allocation.Node

	if priorManifest != nil && priorNode == node && priorScratch != "" {
		check := fmt.Sprintf("test -d %s && echo PRESENT || echo ABSENT", priorScratch)
		res, err := p.ch.Run(ctx, check, defaultStepTimeout)
		if err == nil && containsAny(splitLines(res.Stdout), "PRESENT") {
			if err := p.incrementalSync(ctx, priorManifest, manifest, priorScratch, scratch, node); err != nil {
				return fmt.Errorf("%w: %v", tccperrors.ErrSyncFailed, err)
			}
			p.manifest = manifest
			return p.m.store.SetLastSync(manifest, node, scratch)
		}
	}

	if err := p.fullSync(ctx, manifest, scratch, node); err != nil {
		return fmt.Errorf("%w: %v", tccperrors.ErrSyncFailed, err)
	}
	p.manifest = manifest
	return p.m.store.SetLastSync(manifest, node, scratch)
}

func (p *initPipeline) incrementalSync(ctx context.Context, prior, current *types.SyncManifest, priorScratch, scratch, node string) error {
	cp := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s 'cp -a %s %s'", node, priorScratch, scratch)
	if _, err := p.ch.Run(ctx, cp, defaultStepTimeout); err != nil {
		return fmt.Errorf("reusing prior scratch: %w", err)
	}

	changed, deleted := diffManifests(prior, current)
	if len(changed) > 0 {
		if err := p.pushEntries(ctx, changed, scratch, node); err != nil {
			return err
		}
	}
	for _, rel := range deleted {
		rm := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s 'rm -f %s/%s'", node, scratch, rel)
		if _, err := p.ch.Run(ctx, rm, defaultStepTimeout); err != nil {
			return fmt.Errorf("removing deleted file %s: %w", rel, err)
		}
	}
	p.log.Printf("incremental sync: %d changed, %d deleted", len(changed), len(deleted))
	return nil
}

func (p *initPipeline) fullSync(ctx context.Context, manifest *types.SyncManifest, scratch, node string) error {
	mkdir := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s 'mkdir -p %s'", node, scratch)
	if _, err := p.ch.Run(ctx, mkdir, defaultStepTimeout); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	if err := p.pushEntries(ctx, manifest.Entries, scratch, node); err != nil {
		return err
	}
	p.log.Printf("full sync: %d files", len(manifest.Entries))
	return nil
}

// pushEntries stages entries on the gateway as a gzipped tar (uploaded over
// a raw exec channel, since the marker-protocol pane cannot carry arbitrary
// binary bytes) then tar-pipes the stage to the compute node over the
// already-authenticated multiplexed channel (spec.md §4.6.5 steps 2-3).
func (p *initPipeline) pushEntries(ctx context.Context, entries []types.SyncManifestEntry, scratch, node string) error {
	stageDir := fmt.Sprintf("/tmp/%s-stage-%s", p.m.user, p.jobID)
	if err := p.stageTar(entries, stageDir); err != nil {
		return fmt.Errorf("staging files on gateway: %w", err)
	}
	defer func() {
		_, _ = p.ch.Run(ctx, fmt.Sprintf("rm -rf %s", stageDir), defaultStepTimeout)
	}()

	push := fmt.Sprintf(
		"tar cf - -C %s . | ssh -o StrictHostKeyChecking=no %s 'mkdir -p %s && cd %s && tar xf -'",
		stageDir, node, scratch, scratch,
	)
	if _, err := p.ch.Run(ctx, push, defaultStepTimeout); err != nil {
		return fmt.Errorf("pushing staged files to %s: %w", node, err)
	}
	return nil
}

// stageTar uploads entries as a gzipped tar stream directly into stageDir
// on the gateway via a dedicated raw SSH channel.
func (p *initPipeline) stageTar(entries []types.SyncManifestEntry, stageDir string) error {
	sess, err := p.m.facade.ExecChannel()
	if err != nil {
		return fmt.Errorf("opening raw exec channel: %w", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	remoteCmd := fmt.Sprintf("mkdir -p %s && tar -C %s -xzf -", stageDir, stageDir)
	if err := sess.Start(remoteCmd); err != nil {
		return fmt.Errorf("starting remote tar extract: %w", err)
	}

	gz := gzip.NewWriter(stdin)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		localPath, ok := localPathFor(p.m.cfg.Dir, p.m.cfg.RoData, e.Path)
		if !ok {
			continue
		}
		if err := addFileToTar(tw, localPath, e.Path); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			_ = stdin.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := stdin.Close(); err != nil {
		return err
	}
	return sess.Wait()
}

func addFileToTar(tw *tar.Writer, localPath, tarPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = tarPath
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

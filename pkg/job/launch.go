package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/tccp/tccp/pkg/tccperrors"
)

// jobStartSentinel is printed on its own line by every launch script
// immediately before the user program, so an attached viewer can drop init
// chatter from job output (spec.md §6).
const jobStartSentinel = "__TCCP_JOB_START__"

// cacheDir is the per-allocation persistent directory for weights/caches
// that outlives any single job run on the same allocation.
func (p *initPipeline) cacheDir() string {
	return fmt.Sprintf("%s/tool/projects/%s/cache/%s", p.m.remoteHome, p.m.cfg.Name, p.allocation.AllocationID)
}

// userCommand builds the user's declared invocation: a script (python
// <script>), a package (python -m <package>), or the implicit main.py, with
// args shell-quoted individually.
func (p *initPipeline) userCommand() string {
	var parts []string
	switch {
	case p.spec.Package != "":
		parts = append(parts, "python", "-m", p.spec.Package)
	case p.spec.Script != "":
		parts = append(parts, "python", p.spec.Script)
	default:
		parts = append(parts, "python", "main.py")
	}
	parts = append(parts, p.spec.Args...)
	return shellquote.Join(parts...)
}

// buildLaunchScript assembles the shell script run under the detach helper:
// environment exports, the uploaded dotenv file contents, the job-start
// sentinel, then the user's command inside the container/venv (spec.md
// §4.6.6).
func (p *initPipeline) buildLaunchScript() (string, error) {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\nset -e\n")
	sb.WriteString(fmt.Sprintf("export TCCP_JOB_ID=%s\n", shellquote.Join(p.jobID)))
	sb.WriteString(fmt.Sprintf("export TCCP_JOB_NAME=%s\n", shellquote.Join(p.jobName)))
	sb.WriteString(fmt.Sprintf("export TCCP_SCRATCH=%s\n", shellquote.Join(p.scratchPath())))
	sb.WriteString(fmt.Sprintf("export TCCP_OUTPUT=%s\n", shellquote.Join("output")))
	if p.m.cfg.Cache != "" {
		sb.WriteString(fmt.Sprintf("export TCCP_CACHE=%s\n", shellquote.Join(p.cacheDir())))
	}
	if len(p.spec.Ports) > 0 {
		ports := make([]string, len(p.spec.Ports))
		for i, port := range p.spec.Ports {
			ports[i] = strconv.Itoa(port)
		}
		sb.WriteString(fmt.Sprintf("export TCCP_PORTS=%s\n", shellquote.Join(strings.Join(ports, ","))))
	}

	if p.m.cfg.Env != "" {
		contents, err := os.ReadFile(filepath.Join(p.m.cfg.Dir, p.m.cfg.Env))
		if err != nil {
			return "", fmt.Errorf("reading env file %s: %w", p.m.cfg.Env, err)
		}
		sb.WriteString("# project env file\n")
		sb.Write(contents)
		if len(contents) == 0 || contents[len(contents)-1] != '\n' {
			sb.WriteString("\n")
		}
	}

	sb.WriteString(fmt.Sprintf("CONTAINER_IMAGE=%s\n", shellquote.Join(p.imagePath())))
	sb.WriteString(fmt.Sprintf("VENV_DIR=%s\n", shellquote.Join(p.venvPath())))
	sb.WriteString("echo " + jobStartSentinel + "\n")
	sb.WriteString(fmt.Sprintf(
		"singularity exec \"$CONTAINER_IMAGE\" bash -c 'source \"$VENV_DIR/bin/activate\" && %s'\n",
		p.userCommand(),
	))
	return sb.String(), nil
}

// stepLaunch is step 8: write the script to the gateway as a heredoc, scp it
// to the compute node, symlink the persistent output directory, then start
// it under the detach helper.
func (p *initPipeline) stepLaunch(ctx context.Context) error {
	script, err := p.buildLaunchScript()
	if err != nil {
		return fmt.Errorf("%w: building launch script: %v", tccperrors.ErrLaunchFailed, err)
	}

	stageDir := fmt.Sprintf("/tmp/%s-launch-%s", p.m.user, p.jobID)
	gatewayScript := stageDir + "/tccp_run.sh"
	const delim = "TCCP_SCRIPT_EOF"
	heredoc := fmt.Sprintf("mkdir -p %s && cat > %s <<'%s'\n%s%s", stageDir, gatewayScript, delim, script, delim)
	if _, err := p.ch.Run(ctx, heredoc, defaultStepTimeout); err != nil {
		return fmt.Errorf("%w: writing launch script to gateway: %v", tccperrors.ErrLaunchFailed, err)
	}

	node := p.allocation.Node
	scratch := p.scratchPath()
	scp := fmt.Sprintf("scp -o StrictHostKeyChecking=no %s %s:%s/tccp_run.sh", gatewayScript, node, scratch)
	if _, err := p.ch.Run(ctx, scp, defaultStepTimeout); err != nil {
		return fmt.Errorf("%w: copying launch script to compute node: %v", tccperrors.ErrLaunchFailed, err)
	}
	_, _ = p.ch.Run(ctx, fmt.Sprintf("rm -rf %s", stageDir), defaultStepTimeout)

	symlink := fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s 'ln -sfn %s %s/output'", node, p.persistentOutputDir(), scratch)
	if _, err := p.ch.Run(ctx, symlink, defaultStepTimeout); err != nil {
		return fmt.Errorf("%w: creating output symlink: %v", tccperrors.ErrLaunchFailed, err)
	}

	launch := fmt.Sprintf(
		"ssh -o StrictHostKeyChecking=no %s 'cd %s && chmod +x tccp_run.sh && %s -n %s/tccp.sock ./tccp_run.sh'",
		node, scratch, p.helperPath(), scratch,
	)
	if _, err := p.ch.Run(ctx, launch, defaultStepTimeout); err != nil {
		return fmt.Errorf("%w: launching under detach helper: %v", tccperrors.ErrLaunchFailed, err)
	}
	p.log.Printf("launched on %s, scratch %s", node, scratch)
	return nil
}

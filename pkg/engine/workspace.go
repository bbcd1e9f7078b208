package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/firecow/gitlab-local-pipeline/pkg/variables"
	"github.com/pkg/errors"
)

// paths under .gitlab-ci-local, partitioned per job by safe name.
func (e *Engine) buildDir(safe string) string {
	return filepath.Join(e.gclDir, "builds", safe)
}

func (e *Engine) artifactsDir(safe string) string {
	return filepath.Join(e.gclDir, "artifacts", safe)
}

func (e *Engine) logFile(safe string) string {
	return filepath.Join(e.gclDir, "output", safe+".log")
}

// ArtifactsExist reports whether a job left artifacts from an earlier
// invocation, used to validate subset runs.
func (e *Engine) ArtifactsExist(jobName string) bool {
	info, err := os.Stat(e.artifactsDir(SafeName(jobName)))
	return err == nil && info.IsDir()
}

// prepareWorkspace mirrors the working tree into the per-job build
// directory in shell mode; container jobs need no host workspace. The job
// log is truncated by the sink factory, not here.
func (e *Engine) prepareWorkspace(ctx context.Context, job *api.Job, safe string) error {
	if job.Image != nil {
		return nil
	}

	dst := e.buildDir(safe)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrap(err, "cannot create build dir")
	}
	cmd := fmt.Sprintf(
		"rsync -a --delete --exclude .git/ --exclude .gitlab-ci-local/ --filter=':- .gitignore' %s/ %s/",
		shellQuote(e.cwd), shellQuote(dst),
	)
	if _, err := e.sp.Spawn(ctx, cmd, e.cwd, nil); err != nil {
		return errors.Wrap(err, "cannot mirror working tree")
	}
	return nil
}

// stageInputsShell copies each predecessor's artifacts into the build dir.
func (e *Engine) stageInputsShell(ctx context.Context, safe string, preds []*api.JobRun) error {
	for _, pred := range preds {
		src := e.artifactsDir(SafeName(pred.Job.Name))
		if _, err := os.Stat(src); err != nil {
			continue
		}
		cmd := fmt.Sprintf("cp -r %s/. %s/", shellQuote(src), shellQuote(e.buildDir(safe)))
		if _, err := e.sp.Spawn(ctx, cmd, e.cwd, nil); err != nil {
			return errors.Wrapf(err, "cannot stage artifacts of %s", pred.Job.Name)
		}
	}
	return nil
}

// harvestArtifactsShell copies the produced paths out of the build dir.
func (e *Engine) harvestArtifactsShell(ctx context.Context, job *api.Job, safe string) error {
	if job.Artifacts == nil || len(job.Artifacts.Paths) == 0 {
		return nil
	}
	dst := e.artifactsDir(safe)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrap(err, "cannot create artifacts dir")
	}
	src := e.buildDir(safe)
	for _, p := range job.Artifacts.Paths {
		expanded := variables.ExpandText(p, job.Scope)
		matches, err := filepath.Glob(filepath.Join(src, expanded))
		if err != nil {
			return errors.Wrapf(err, "bad artifact glob %s", p)
		}
		for _, m := range matches {
			rel, err := filepath.Rel(src, m)
			if err != nil {
				return errors.Wrapf(err, "artifact %s escapes the workspace", m)
			}
			cmd := fmt.Sprintf("cp -r --parents %s %s/", shellQuote(rel), shellQuote(dst))
			if _, err := e.sp.Spawn(ctx, cmd, src, nil); err != nil {
				return errors.Wrapf(err, "cannot harvest artifact %s", rel)
			}
		}
	}
	return nil
}

// expandArtifactPaths resolves $VAR references in the artifact globs.
func expandArtifactPaths(job *api.Job) []string {
	if job.Artifacts == nil {
		return nil
	}
	paths := make([]string, 0, len(job.Artifacts.Paths))
	for _, p := range job.Artifacts.Paths {
		paths = append(paths, variables.ExpandText(p, job.Scope))
	}
	return paths
}

// writeInitScript writes the generated script into dir with exec rights.
func writeInitScript(dir, name, script string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", errors.Wrapf(err, "cannot write %s", name)
	}
	return path, nil
}

// scriptLines joins before_script and script for the first phase.
func scriptLines(job *api.Job) []string {
	lines := make([]string, 0, len(job.BeforeScripts)+len(job.Scripts))
	lines = append(lines, job.BeforeScripts...)
	lines = append(lines, job.Scripts...)
	return lines
}

// plainScript renders the lines as-is for interactive mode, no echo
// prefixes and no stdin tricks.
func plainScript(job *api.Job) string {
	return strings.Join(scriptLines(job), "\n")
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	gort "runtime"
	"strings"
	"sync"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/cache"
	"github.com/firecow/gitlab-local-pipeline/pkg/shell"
	"github.com/firecow/gitlab-local-pipeline/pkg/sink"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/firecow/gitlab-local-pipeline/pkg/variables"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	buildsMount    = "/builds"
	sshAgentSock   = "/run/host-services/ssh-auth.sock"
	artifactsStage = "/gcl-artifacts"
)

// Options tune every job of one invocation.
type Options struct {
	Privileged bool
	ExtraHosts []string
}

// Engine drives each job run it is handed to a terminal status; Run may be
// called concurrently for different runs. It owns the container and volume
// ids of its runs until cleanup is done.
type Engine struct {
	sp     shell.Spawner
	sinks  sink.Factory
	cwd    string
	gclDir string
	opts   Options

	rtOnce sync.Once
	rt     *runtime
	rtErr  error
}

// New returns an engine for the working tree at cwd.
func New(sp shell.Spawner, sinks sink.Factory, cwd string, opts Options) *Engine {
	return &Engine{
		sp:     sp,
		sinks:  sinks,
		cwd:    cwd,
		gclDir: filepath.Join(cwd, ".gitlab-ci-local"),
		opts:   opts,
	}
}

// Run drives one job through prepare, execute, harvest and cleanup. Every
// path out of here reaches cleanup.
func (e *Engine) Run(ctx context.Context, run *api.JobRun, preds []*api.JobRun) error {
	job := run.Job
	safe := SafeName(job.Name)

	if err := os.MkdirAll(filepath.Dir(e.logFile(safe)), 0o755); err != nil {
		return errors.Wrap(err, "cannot create output dir")
	}
	out, err := e.sinks.ForJob(job.Name, e.logFile(safe))
	if err != nil {
		return errors.Wrapf(err, "cannot open log for job %s", job.Name)
	}
	defer out.Close()

	wd := newWatchdog(out)
	defer wd.Stop()
	defer e.cleanup(run)

	// No scripts means nothing to do, and no container to pay for.
	if len(job.Scripts) == 0 {
		zero := 0
		run.PrescriptExitCode = &zero
		run.SetStatus(api.StatusSucceeded)
		return nil
	}

	execute := func() error {
		if job.Interactive {
			return e.runInteractive(ctx, run)
		}
		if job.Image != nil {
			return e.runContainer(ctx, run, preds, safe, out, wd)
		}
		return e.runShell(ctx, run, preds, safe, out, wd)
	}

	if job.Cache != nil && len(job.Cache.Paths) > 0 && job.Image != nil {
		key, kerr := cache.Key(job.Cache.Key, job.Scope, e.cwd)
		if kerr != nil {
			run.SetStatus(api.StatusFailed)
			return kerr
		}
		err = cache.WithLock(key, execute)
	} else {
		err = execute()
	}
	if err != nil {
		run.SetStatus(api.StatusFailed)
		return err
	}

	e.settle(run, out, safe)
	return nil
}

// settle turns exit codes into the run's terminal status and coverage.
func (e *Engine) settle(run *api.JobRun, out sink.Sink, safe string) {
	job := run.Job

	if job.Coverage != "" {
		if data, err := os.ReadFile(e.logFile(safe)); err == nil {
			if cov, cerr := extractCoverage(string(data), job.Coverage); cerr == nil {
				run.Coverage = cov
			}
		}
	}

	code := 0
	if run.PrescriptExitCode != nil {
		code = *run.PrescriptExitCode
	}
	if run.AfterScriptExitCode != nil && *run.AfterScriptExitCode != 0 {
		out.Stderr(fmt.Sprintf("> after_script WARN %d ", *run.AfterScriptExitCode))
	}

	switch {
	case code == 0:
		run.SetStatus(api.StatusSucceeded)
	case job.AllowFailure:
		out.Stderr(fmt.Sprintf("> WARN %d  script failed but allow_failure is set", code))
		run.SetStatus(api.StatusWarnedFailure)
	default:
		out.Stderr(fmt.Sprintf("> FAIL %d ", code))
		run.SetStatus(api.StatusFailed)
	}
}

// runInteractive inherits the host stdio, no container and no prefixes.
func (e *Engine) runInteractive(ctx context.Context, run *api.JobRun) error {
	code, err := e.sp.Interactive(ctx, plainScript(run.Job), e.cwd, run.Job.Scope)
	if err != nil {
		return err
	}
	run.PrescriptExitCode = &code
	return nil
}

// runShell executes the job in the mirrored per-job workspace.
func (e *Engine) runShell(ctx context.Context, run *api.JobRun, preds []*api.JobRun, safe string, out sink.Sink, wd *watchdog) error {
	job := run.Job
	if err := e.prepareWorkspace(ctx, job, safe); err != nil {
		return err
	}
	if err := e.stageInputsShell(ctx, safe, preds); err != nil {
		return err
	}

	dir := e.buildDir(safe)
	onStdout := func(line string) { wd.Kick(); out.Stdout(line) }
	onStderr := func(line string) { wd.Kick(); out.Stderr(line) }

	script := buildScript(scriptLines(job), job.Scope)
	if _, err := writeInitScript(dir, initScriptName, script); err != nil {
		return err
	}
	code, err := e.sp.Stream(ctx, fmt.Sprintf(shellProbe, "./"+initScriptName), dir, job.Scope, onStdout, onStderr)
	if err != nil {
		return err
	}
	run.PrescriptExitCode = &code

	if len(job.AfterScripts) > 0 {
		after := buildScript(job.AfterScripts, job.Scope)
		if _, err := writeInitScript(dir, initScriptName+"-after", after); err != nil {
			return err
		}
		afterCode, err := e.sp.Stream(ctx, fmt.Sprintf(shellProbe, "./"+initScriptName+"-after"), dir, job.Scope, onStdout, onStderr)
		if err != nil {
			return err
		}
		run.AfterScriptExitCode = &afterCode
	}

	if code == 0 {
		return e.harvestArtifactsShell(ctx, job, safe)
	}
	return nil
}

// runContainer executes the job in a fresh container bound to a named
// volume, staging the working tree and predecessor artifacts into it.
func (e *Engine) runContainer(ctx context.Context, run *api.JobRun, preds []*api.JobRun, safe string, out sink.Sink, wd *watchdog) error {
	job := run.Job
	rt, err := e.runtime()
	if err != nil {
		return err
	}
	if err := rt.ensureImage(ctx, job.Image.Name); err != nil {
		return err
	}

	volumeName := fmt.Sprintf("gcl-%s-%d", safe, job.JobID)
	if err := rt.createVolume(ctx, volumeName); err != nil {
		return err
	}
	run.VolumeName = volumeName

	spec, err := e.containerSpec(job, safe, volumeName, probeCommand(buildsMount+"/"+initScriptName))
	if err != nil {
		return err
	}
	id, err := rt.create(ctx, spec)
	if err != nil {
		return err
	}
	run.ContainerID = id

	if err := e.stageContainer(ctx, rt, id, job, preds); err != nil {
		return err
	}

	onStdout := func(line string) { wd.Kick(); out.Stdout(line) }
	onStderr := func(line string) { wd.Kick(); out.Stderr(line) }
	code, err := rt.startAndStream(ctx, id, onStdout, onStderr)
	if err != nil {
		return err
	}
	run.PrescriptExitCode = &code

	if len(job.AfterScripts) > 0 {
		afterCode, err := e.runAfterContainer(ctx, rt, run, safe, volumeName, out, wd)
		if err != nil {
			return err
		}
		run.AfterScriptExitCode = &afterCode
	}

	if code == 0 {
		if err := e.harvestArtifactsContainer(ctx, rt, run, safe, volumeName); err != nil {
			return err
		}
		if err := e.storeCacheContainer(ctx, rt, run, safe, volumeName); err != nil {
			return err
		}
	}
	return nil
}

// containerSpec assembles image, env, binds and host settings for the job.
func (e *Engine) containerSpec(job *api.Job, safe, volumeName string, cmd []string) (containerSpec, error) {
	binds := []string{volumeName + ":" + buildsMount}

	if job.Cache != nil && len(job.Cache.Key.Files) == 0 {
		key, err := cache.Key(job.Cache.Key, job.Scope, e.cwd)
		if err != nil {
			return containerSpec{}, err
		}
		for _, p := range job.Cache.Paths {
			expanded := variables.ExpandText(p, job.Scope)
			binds = append(binds, filepath.Join(cache.Path(key), expanded)+":"+buildsMount+"/"+expanded)
		}
	}

	env := make([]string, 0, len(job.Scope)+1)
	for _, k := range sortedKeys(job.Scope) {
		env = append(env, k+"="+job.Scope[k])
	}

	if job.InjectSSHAgent {
		if gort.GOOS == "darwin" {
			binds = append(binds, sshAgentSock+":"+sshAgentSock)
		} else {
			hostSock := os.Getenv("SSH_AUTH_SOCK")
			if hostSock == "" {
				return containerSpec{}, errors.Errorf("job %s injects the ssh agent but SSH_AUTH_SOCK is not set", job.Name)
			}
			binds = append(binds, hostSock+":"+sshAgentSock)
		}
		env = append(env, "SSH_AUTH_SOCK="+sshAgentSock)
	}

	return containerSpec{
		name:       fmt.Sprintf("gcl-%s-%d-%s", safe, job.JobID, uuid.New().String()[:8]),
		image:      job.Image.Name,
		entrypoint: job.Image.Entrypoint,
		cmd:        cmd,
		env:        env,
		binds:      binds,
		extraHosts: e.opts.ExtraHosts,
		privileged: e.opts.Privileged,
	}, nil
}

// stageContainer seeds the working tree, predecessor artifacts and the
// init script into the created container.
func (e *Engine) stageContainer(ctx context.Context, rt *runtime, id string, job *api.Job, preds []*api.JobRun) error {
	tree := tarDirectory(e.cwd, []string{".git", ".gitlab-ci-local"})
	defer tree.Close()
	if err := rt.copyTo(ctx, id, buildsMount, tree); err != nil {
		return err
	}

	for _, pred := range preds {
		dir := e.artifactsDir(SafeName(pred.Job.Name))
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		arch := tarDirectory(dir, nil)
		err := rt.copyTo(ctx, id, buildsMount, arch)
		arch.Close()
		if err != nil {
			return errors.Wrapf(err, "cannot stage artifacts of %s", pred.Job.Name)
		}
	}

	script := buildScript(scriptLines(job), nil)
	return rt.copyTo(ctx, id, buildsMount, tarFile(initScriptName, []byte(script), 0o755))
}

// runAfterContainer runs after_script in a second container on the same
// volume, the workspace state of phase one included.
func (e *Engine) runAfterContainer(ctx context.Context, rt *runtime, run *api.JobRun, safe, volumeName string, out sink.Sink, wd *watchdog) (int, error) {
	job := run.Job
	name := initScriptName + "-after"
	spec, err := e.containerSpec(job, safe, volumeName, probeCommand(buildsMount+"/"+name))
	if err != nil {
		return -1, err
	}
	id, err := rt.create(ctx, spec)
	if err != nil {
		return -1, err
	}
	run.ArtifactsContainerID = id // reuse the cleanup slot until the sidecar replaces it

	script := buildScript(job.AfterScripts, nil)
	if err := rt.copyTo(ctx, id, buildsMount, tarFile(name, []byte(script), 0o755)); err != nil {
		return -1, err
	}

	onStdout := func(line string) { wd.Kick(); out.Stdout(line) }
	onStderr := func(line string) { wd.Kick(); out.Stderr(line) }
	code, err := rt.startAndStream(ctx, id, onStdout, onStderr)
	if err != nil {
		return -1, err
	}
	if rerr := rt.remove(context.Background(), id); rerr == nil {
		run.ArtifactsContainerID = ""
	}
	return code, nil
}

// harvestArtifactsContainer copies the produced paths out of the job
// volume through a transient sidecar.
func (e *Engine) harvestArtifactsContainer(ctx context.Context, rt *runtime, run *api.JobRun, safe, volumeName string) error {
	paths := expandArtifactPaths(run.Job)
	if len(paths) == 0 {
		return nil
	}
	return e.copyOutOfVolume(ctx, rt, run, safe, volumeName, paths, e.artifactsDir(safe))
}

// storeCacheContainer writes the cache paths back to the host cache dir.
// Literal-key caches are bind-mounted and need no copy; only hashed
// file-keys go through the sidecar.
func (e *Engine) storeCacheContainer(ctx context.Context, rt *runtime, run *api.JobRun, safe, volumeName string) error {
	job := run.Job
	if job.Cache == nil || len(job.Cache.Key.Files) == 0 || len(job.Cache.Paths) == 0 {
		return nil
	}
	key, err := cache.Key(job.Cache.Key, job.Scope, e.cwd)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(job.Cache.Paths))
	for _, p := range job.Cache.Paths {
		paths = append(paths, variables.ExpandText(p, job.Scope))
	}
	return e.copyOutOfVolume(ctx, rt, run, safe, volumeName, paths, cache.Path(key))
}

// copyOutOfVolume stages the given workspace paths through a sidecar
// container on the job volume and extracts them into hostDst.
func (e *Engine) copyOutOfVolume(ctx context.Context, rt *runtime, run *api.JobRun, safe, volumeName string, paths []string, hostDst string) error {
	if err := rt.ensureImage(ctx, sidecarImage); err != nil {
		return err
	}

	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	cmd := fmt.Sprintf("cd %s && mkdir -p %s && cp -r --parents %s %s",
		buildsMount, artifactsStage, strings.Join(quoted, " "), artifactsStage)

	id, err := rt.create(ctx, containerSpec{
		name:  fmt.Sprintf("gcl-%s-%d-artifacts-%s", safe, run.Job.JobID, uuid.New().String()[:8]),
		image: sidecarImage,
		cmd:   []string{"sh", "-c", cmd},
		binds: []string{volumeName + ":" + buildsMount},
	})
	if err != nil {
		return err
	}
	run.ArtifactsContainerID = id

	code, err := rt.run(ctx, id)
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Errorf("copy out of volume failed with exit code %d", code)
	}

	if err := os.MkdirAll(hostDst, 0o755); err != nil {
		return errors.Wrap(err, "cannot create destination dir")
	}
	if err := rt.copyFromDir(ctx, id, artifactsStage, hostDst); err != nil {
		return err
	}
	if rerr := rt.remove(context.Background(), id); rerr == nil {
		run.ArtifactsContainerID = ""
	}
	return nil
}

// cleanup removes every container and volume the run owns. Failures are
// logged as warnings and swallowed; a fresh context is used so cleanup
// still happens after cancellation.
func (e *Engine) cleanup(run *api.JobRun) {
	if run.ContainerID == "" && run.ArtifactsContainerID == "" && run.VolumeName == "" {
		return
	}
	ctx := context.WithJobName(context.Background(), run.Job.Name)
	rt, err := e.runtime()
	if err != nil {
		return
	}
	if run.ContainerID != "" {
		if rerr := rt.remove(ctx, run.ContainerID); rerr != nil {
			ctx.Logger().Warn(rerr)
		}
		run.ContainerID = ""
	}
	if run.ArtifactsContainerID != "" {
		if rerr := rt.remove(ctx, run.ArtifactsContainerID); rerr != nil {
			ctx.Logger().Warn(rerr)
		}
		run.ArtifactsContainerID = ""
	}
	if run.VolumeName != "" {
		if rerr := rt.removeVolume(ctx, run.VolumeName); rerr != nil {
			ctx.Logger().Warn(rerr)
		}
		run.VolumeName = ""
	}
}

// runtime connects lazily so shell-only pipelines never need a daemon.
func (e *Engine) runtime() (*runtime, error) {
	e.rtOnce.Do(func() {
		e.rt, e.rtErr = newRuntime()
	})
	return e.rt, e.rtErr
}

package cmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/compiler"
	"github.com/firecow/gitlab-local-pipeline/pkg/engine"
	"github.com/firecow/gitlab-local-pipeline/pkg/git"
	"github.com/firecow/gitlab-local-pipeline/pkg/scheduler"
	"github.com/firecow/gitlab-local-pipeline/pkg/shell"
	"github.com/firecow/gitlab-local-pipeline/pkg/sink"
	"github.com/firecow/gitlab-local-pipeline/pkg/state"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/config"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/pkg/errors"
)

// runPipeline compiles the pipeline and drives it to completion.
func runPipeline(opts config.Options) error {
	cwd, err := filepath.Abs(opts.Cwd)
	if err != nil {
		return errors.Wrap(err, "cannot resolve working tree")
	}

	ctx := context.Background()
	cfg, sp, err := compile(ctx, cwd, opts)
	if err != nil {
		return err
	}

	sinks := sink.NewTerminalFactory(os.Stdout, os.Stderr, maxNameWidth(cfg))
	eng := engine.New(sp, sinks, cwd, engine.Options{
		Privileged: opts.Privileged,
		ExtraHosts: opts.ExtraHosts,
	})
	sched, err := scheduler.New(cfg, eng, scheduler.Options{
		Jobs:           opts.Jobs,
		Needs:          opts.Needs,
		Concurrency:    opts.Concurrency,
		ArtifactsExist: eng.ArtifactsExist,
	})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go handleSignals(cctx, cancel)

	ok, err := sched.Run(cctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("pipeline failed")
	}
	return nil
}

// compile probes git, bumps the pipeline iid and compiles the file.
func compile(ctx context.Context, cwd string, opts config.Options) (*api.PipelineConfig, shell.Spawner, error) {
	sp := shell.New()
	meta, err := git.Probe(ctx, sp, cwd)
	if err != nil {
		return nil, nil, err
	}
	iid, err := state.New(filepath.Join(cwd, ".gitlab-ci-local")).NextPipelineIid()
	if err != nil {
		return nil, nil, err
	}
	ctx = context.WithPipelineID(ctx, strconv.Itoa(iid))
	cfg, err := compiler.New(sp, cwd, opts.Home, opts.File, meta, iid).Compile(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sp, nil
}

// handleSignals cancels the pipeline cooperatively on the first signal and
// gives up on cleanup on the second.
func handleSignals(ctx context.Context, cancel func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ch:
		ctx.Logger().Warn("cancelling pipeline, interrupt again to abort cleanup")
		cancel()
	case <-ctx.Done():
		return
	}
	<-ch
	os.Exit(2)
}

func maxNameWidth(cfg *api.PipelineConfig) int {
	width := 0
	for _, j := range cfg.Jobs {
		if len(j.Name) > width {
			width = len(j.Name)
		}
	}
	return width
}

package scheduler

import (
	"sort"
	"strings"
	"sync"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/pkg/errors"
)

// Runner executes one job run to a terminal status. The engine implements
// it; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, run *api.JobRun, predecessors []*api.JobRun) error
}

// Options filter and bound one invocation.
type Options struct {
	// Jobs restricts the run to the named jobs. Empty means every job.
	Jobs []string

	// Needs closes the selection transitively over predecessors.
	Needs bool

	// Concurrency bounds parallel job runs. 0 means unbounded.
	Concurrency int

	// ArtifactsExist reports whether a job left artifacts on disk from an
	// earlier invocation. Required when running a subset without --needs.
	ArtifactsExist func(jobName string) bool
}

// Scheduler owns the JobRuns of one invocation and dispatches them in
// dependency order.
type Scheduler struct {
	cfg    *api.PipelineConfig
	runner Runner
	opts   Options

	mu       sync.Mutex
	runs     map[string]*api.JobRun
	selected map[string]bool
}

// New validates the selection and prepares a run per selected job.
func New(cfg *api.PipelineConfig, runner Runner, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		cfg:      cfg,
		runner:   runner,
		opts:     opts,
		runs:     make(map[string]*api.JobRun),
		selected: make(map[string]bool),
	}
	if err := s.selectJobs(); err != nil {
		return nil, err
	}
	for name := range s.selected {
		job := cfg.Job(name)
		run := api.NewJobRun(job)
		explicit := len(opts.Jobs) > 0 && contains(opts.Jobs, name)
		switch {
		case job.When == api.WhenNever:
			run.Status = api.StatusSkipped
		case job.When == api.WhenManual && !explicit:
			run.Status = api.StatusManual
		}
		s.runs[name] = run
	}
	return s, nil
}

// selectJobs resolves the invocation filter, closing over needs when asked,
// and checks that out-of-selection predecessors already have artifacts.
func (s *Scheduler) selectJobs() error {
	if len(s.opts.Jobs) == 0 {
		for _, j := range s.cfg.Jobs {
			s.selected[j.Name] = true
		}
		return nil
	}

	queue := append([]string(nil), s.opts.Jobs...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		job := s.cfg.Job(name)
		if job == nil {
			return errors.Errorf("job %s cannot be found", name)
		}
		if s.selected[name] {
			continue
		}
		s.selected[name] = true
		if s.opts.Needs {
			queue = append(queue, s.cfg.Predecessors(job)...)
		}
	}

	if s.opts.Needs {
		return nil
	}
	var missing []string
	for name := range s.selected {
		for _, pred := range s.cfg.Predecessors(s.cfg.Job(name)) {
			if s.selected[pred] {
				continue
			}
			if s.opts.ArtifactsExist == nil || !s.opts.ArtifactsExist(pred) {
				missing = append(missing, pred)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf("needed artifacts from [ %s ] are not present, run with --needs or run those jobs first", strings.Join(missing, ", "))
	}
	return nil
}

// Run dispatches jobs until nothing is running or eligible, and reports
// whether every selected job ended in a non-blocking state.
func (s *Scheduler) Run(ctx context.Context) (bool, error) {
	done := make(chan string)
	var sem chan struct{}
	if s.opts.Concurrency > 0 {
		sem = make(chan struct{}, s.opts.Concurrency)
	}

	running := 0
	for {
		var wave []*api.JobRun
		if ctx.Err() == nil {
			wave = s.nextWave()
		}
		for _, run := range wave {
			run.SetStatus(api.StatusRunning)
			running++
			go s.dispatch(ctx, run, sem, done)
		}
		if running == 0 {
			break
		}
		name := <-done
		running--
		ctx.Logger().Infof("job %s finished with status %s", name, s.status(name))
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return s.success(), nil
}

// dispatch runs one job and reports its completion.
func (s *Scheduler) dispatch(ctx context.Context, run *api.JobRun, sem chan struct{}, done chan<- string) {
	if sem != nil {
		sem <- struct{}{}
		defer func() { <-sem }()
	}
	jctx := context.WithJobName(ctx, run.Job.Name)
	preds := s.predecessorRuns(run.Job)
	if err := s.runner.Run(jctx, run, preds); err != nil {
		jctx.Logger().Error(err)
		if !run.GetStatus().Finished() {
			run.SetStatus(api.StatusFailed)
		}
	}
	done <- run.Job.Name
}

// nextWave marks newly skipped jobs and returns the eligible ones in
// lexicographic order for deterministic dispatch.
func (s *Scheduler) nextWave() []*api.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wave []*api.JobRun
	for _, name := range s.sortedSelection() {
		run := s.runs[name]
		if run.GetStatus() != api.StatusPending {
			continue
		}
		blocked, failed := s.gate(run.Job)
		if failed {
			run.SetStatus(api.StatusSkipped)
			continue
		}
		if !blocked {
			run.SetStatus(api.StatusEligible)
			wave = append(wave, run)
		}
	}
	return wave
}

// gate reports whether the job is still waiting on a predecessor, and
// whether a predecessor failure rules it out.
func (s *Scheduler) gate(job *api.Job) (blocked, failed bool) {
	for _, pred := range s.cfg.Predecessors(job) {
		run, inRun := s.runs[pred]
		if !inRun {
			// Outside the selection, artifacts were validated up front.
			continue
		}
		status := run.GetStatus()
		switch {
		case status == api.StatusFailed:
			return false, true
		case status == api.StatusSkipped && run.Job.When != api.WhenNever:
			// Skipped because of an upstream failure, which carries over.
			return false, true
		case status == api.StatusManual:
			// Manual jobs never block their successors.
		case !status.Finished():
			blocked = true
		}
	}
	return blocked, false
}

func (s *Scheduler) predecessorRuns(job *api.Job) []*api.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var preds []*api.JobRun
	for _, name := range s.cfg.Predecessors(job) {
		if run, ok := s.runs[name]; ok {
			preds = append(preds, run)
		}
	}
	return preds
}

// Runs returns the runs of this invocation, sorted by job name.
func (s *Scheduler) Runs() []*api.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*api.JobRun, 0, len(s.runs))
	for _, name := range s.sortedSelection() {
		runs = append(runs, s.runs[name])
	}
	return runs
}

func (s *Scheduler) success() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		status := run.GetStatus()
		if status == api.StatusManual || status == api.StatusPending {
			continue
		}
		if !status.Ok() {
			return false
		}
	}
	return true
}

func (s *Scheduler) status(name string) api.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name].GetStatus()
}

func (s *Scheduler) sortedSelection() []string {
	names := make([]string, 0, len(s.runs))
	for name := range s.runs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(list []string, name string) bool {
	for _, e := range list {
		if e == name {
			return true
		}
	}
	return false
}

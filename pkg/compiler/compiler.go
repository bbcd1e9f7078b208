package compiler

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/git"
	"github.com/firecow/gitlab-local-pipeline/pkg/rules"
	"github.com/firecow/gitlab-local-pipeline/pkg/shell"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/firecow/gitlab-local-pipeline/pkg/variables"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Compiler turns a pipeline file and its includes into an immutable
// PipelineConfig.
type Compiler struct {
	sp          shell.Spawner
	http        *retryablehttp.Client
	cwd         string
	gclDir      string
	home        string
	file        string
	meta        *git.Metadata
	pipelineIid int
}

// New returns a compiler for the working tree at cwd.
func New(sp shell.Spawner, cwd, home, file string, meta *git.Metadata, pipelineIid int) *Compiler {
	return &Compiler{
		sp:          sp,
		http:        newHTTPClient(),
		cwd:         cwd,
		gclDir:      filepath.Join(cwd, ".gitlab-ci-local"),
		home:        home,
		file:        file,
		meta:        meta,
		pipelineIid: pipelineIid,
	}
}

// Compile loads the root file, resolves includes, merges defaults and
// extends chains, and instantiates every job with its rules settled.
func (c *Compiler) Compile(ctx context.Context) (*api.PipelineConfig, error) {
	doc, err := loadYAMLFile(filepath.Join(c.cwd, c.file))
	if err != nil {
		return nil, err
	}
	doc, err = c.resolveIncludes(ctx, doc, map[string]bool{})
	if err != nil {
		return nil, err
	}

	stages := stageList(doc)
	globals := asVariables(doc["variables"])
	defaults, err := defaultsSection(doc)
	if err != nil {
		return nil, err
	}
	projectVars, err := c.loadProjectVariables()
	if err != nil {
		return nil, err
	}

	baseScope := variables.Compose(environScope(), projectVars, globals)
	if err := c.checkWorkflow(doc, baseScope); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		if api.IsReservedJobName(name) || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var jobs []*api.Job
	jobID := 0
	for _, name := range names {
		if _, isMap := doc[name].(map[string]interface{}); !isMap {
			return nil, errors.Errorf("job %s is not a mapping", name)
		}
		flattened, err := resolveExtends(doc, name, map[string]bool{})
		if err != nil {
			return nil, err
		}
		job, err := normalizeJob(name, flattened)
		if err != nil {
			return nil, err
		}
		applyDefaults(job, defaults)

		jobID++
		job.JobID = jobID
		if err := c.compileJob(job, projectVars, globals); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	cfg := api.NewPipelineConfig(stages, globals, defaults, jobs)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	sort.Slice(cfg.Jobs, func(i, j int) bool {
		si, sj := cfg.StageIndex(cfg.Jobs[i].Stage), cfg.StageIndex(cfg.Jobs[j].Stage)
		if si != sj {
			return si < sj
		}
		return cfg.Jobs[i].Name < cfg.Jobs[j].Name
	})
	return cfg, nil
}

// compileJob composes the job scope and settles when/allow_failure from
// its rules.
func (c *Compiler) compileJob(job *api.Job, projectVars, globals map[string]string) error {
	predefined := variables.Predefined(c.meta, job.Name, job.Stage, job.JobID, c.pipelineIid, c.cwd)
	scope := variables.Compose(environScope(), predefined, projectVars, globals, job.Variables)

	if len(job.Rules) > 0 {
		outcome, err := rules.Evaluate(job.Rules, scope)
		if err != nil {
			return errors.Wrapf(err, "job %s", job.Name)
		}
		job.When = outcome.When
		job.AllowFailure = outcome.AllowFailure
		if len(outcome.Variables) > 0 {
			scope = variables.Compose(scope, variables.ExpandVariables(outcome.Variables, scope))
		}
	}

	job.Scope = variables.ExpandVariables(scope, scope)
	return nil
}

func applyDefaults(job *api.Job, d api.Defaults) {
	if job.Image == nil {
		job.Image = d.Image
	}
	if job.Cache == nil {
		job.Cache = d.Cache
	}
	if job.BeforeScripts == nil {
		job.BeforeScripts = d.BeforeScripts
	}
	if job.AfterScripts == nil {
		job.AfterScripts = d.AfterScripts
	}
}

// stageList returns the declared stages wrapped with .pre/.post, or the
// default ordering.
func stageList(doc map[string]interface{}) []string {
	declared := asStringList(doc["stages"])
	if declared == nil {
		return append([]string(nil), api.DefaultStages...)
	}
	stages := []string{".pre"}
	for _, s := range declared {
		if s != ".pre" && s != ".post" {
			stages = append(stages, s)
		}
	}
	return append(stages, ".post")
}

// defaultsSection merges the default: block with the legacy top-level keys,
// the default: block winning.
func defaultsSection(doc map[string]interface{}) (api.Defaults, error) {
	var d api.Defaults
	var err error

	if d.Image, err = asImage(doc["image"]); err != nil {
		return d, err
	}
	if d.Cache, err = asCache(doc["cache"]); err != nil {
		return d, err
	}
	d.BeforeScripts = asStringList(doc["before_script"])
	d.AfterScripts = asStringList(doc["after_script"])

	block, isMap := doc["default"].(map[string]interface{})
	if !isMap {
		return d, nil
	}
	if img, err := asImage(block["image"]); err != nil {
		return d, err
	} else if img != nil {
		d.Image = img
	}
	if ca, err := asCache(block["cache"]); err != nil {
		return d, err
	} else if ca != nil {
		d.Cache = ca
	}
	if bs := asStringList(block["before_script"]); bs != nil {
		d.BeforeScripts = bs
	}
	if as := asStringList(block["after_script"]); as != nil {
		d.AfterScripts = as
	}
	return d, nil
}

// checkWorkflow refuses the whole pipeline when workflow rules rule it out.
func (c *Compiler) checkWorkflow(doc map[string]interface{}, scope map[string]string) error {
	wf, isMap := doc["workflow"].(map[string]interface{})
	if !isMap {
		return nil
	}
	list, err := asRules(wf["rules"])
	if err != nil {
		return errors.Wrap(err, "workflow")
	}
	if len(list) == 0 {
		return nil
	}
	outcome, err := rules.Evaluate(list, scope)
	if err != nil {
		return errors.Wrap(err, "workflow")
	}
	if outcome.When == api.WhenNever {
		return errors.New("pipeline excluded by workflow rules")
	}
	return nil
}

// loadProjectVariables reads the optional per-user variables file under the
// configured home directory.
func (c *Compiler) loadProjectVariables() (map[string]string, error) {
	if c.home == "" {
		return nil, nil
	}
	path := filepath.Join(c.home, ".gitlab-ci-local", "variables.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "cannot parse %s", path)
	}
	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		vars[k] = asString(v)
	}
	return vars, nil
}

func environScope() map[string]string {
	scope := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, found := strings.Cut(kv, "=")
		if found {
			scope[k] = v
		}
	}
	return scope
}

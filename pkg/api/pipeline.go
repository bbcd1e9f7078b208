package api

// DefaultStages is the stage ordering used when the file declares none.
var DefaultStages = []string{".pre", "build", "test", "deploy", ".post"}

// Defaults carries the default: section of the pipeline file.
type Defaults struct {
	Image         *Image   `json:"image,omitempty"`
	Cache         *Cache   `json:"cache,omitempty"`
	BeforeScripts []string `json:"before_scripts,omitempty"`
	AfterScripts  []string `json:"after_scripts,omitempty"`
}

// PipelineConfig is the compiled, immutable pipeline of one invocation.
type PipelineConfig struct {
	Stages    []string          `json:"stages"`
	Variables map[string]string `json:"variables,omitempty"`
	Defaults  Defaults          `json:"defaults"`

	// Jobs is sorted by (stage index, name).
	Jobs []*Job `json:"jobs"`

	jobsByName map[string]*Job
	stageIndex map[string]int
}

// NewPipelineConfig indexes the given stages and jobs.
func NewPipelineConfig(stages []string, variables map[string]string, defaults Defaults, jobs []*Job) *PipelineConfig {
	cfg := &PipelineConfig{
		Stages:     stages,
		Variables:  variables,
		Defaults:   defaults,
		Jobs:       jobs,
		jobsByName: make(map[string]*Job, len(jobs)),
		stageIndex: make(map[string]int, len(stages)),
	}
	for i, s := range stages {
		cfg.stageIndex[s] = i
	}
	for _, j := range jobs {
		cfg.jobsByName[j.Name] = j
	}
	return cfg
}

// Job returns the job with the given name, or nil.
func (cfg *PipelineConfig) Job(name string) *Job {
	return cfg.jobsByName[name]
}

// StageIndex returns the position of the given stage, or -1 if unknown.
func (cfg *PipelineConfig) StageIndex(stage string) int {
	if i, ok := cfg.stageIndex[stage]; ok {
		return i
	}
	return -1
}

// Predecessors returns the names of the jobs that must be terminal before
// the given job may run. Explicit needs are authoritative, even when the
// list is empty.
func (cfg *PipelineConfig) Predecessors(j *Job) []string {
	if j.HasNeeds() {
		return j.Needs
	}
	var preds []string
	si := cfg.StageIndex(j.Stage)
	for _, other := range cfg.Jobs {
		if cfg.StageIndex(other.Stage) < si {
			preds = append(preds, other.Name)
		}
	}
	return preds
}

package api

// When values a job can carry, either written in the file or produced by
// rule evaluation.
const (
	WhenOnSuccess = "on_success"
	WhenAlways    = "always"
	WhenNever     = "never"
	WhenManual    = "manual"
)

// ReservedJobNames are top-level keys of the pipeline file that can never
// name a job.
var ReservedJobNames = []string{
	"include", "image", "services", "stages", "types", "before_script",
	"default", "after_script", "variables", "cache", "workflow", "pages",
}

// IsReservedJobName returns true if name cannot be used as a job name.
func IsReservedJobName(name string) bool {
	for _, r := range ReservedJobNames {
		if name == r {
			return true
		}
	}
	return false
}

// Image is a container image reference with an optional entrypoint override.
type Image struct {
	Name       string   `json:"name"`
	Entrypoint []string `json:"entrypoint,omitempty"`
}

// Rule is one entry of a job's rules list.
type Rule struct {
	If           string            `json:"if,omitempty"`
	When         string            `json:"when,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// CacheKey is either a literal key or a list of files whose contents
// derive the key.
type CacheKey struct {
	Key   string   `json:"key,omitempty"`
	Files []string `json:"files,omitempty"`
}

// Cache binds host-side directories into the job across invocations.
type Cache struct {
	Key   CacheKey `json:"key"`
	Paths []string `json:"paths"`
}

// Artifacts lists the paths a job produces for its successors.
type Artifacts struct {
	Paths []string `json:"paths"`
}

// Job is the immutable descriptor of one compiled job.
type Job struct {
	Name          string   `json:"name"`
	Stage         string   `json:"stage"`
	Image         *Image   `json:"image,omitempty"`
	Scripts       []string `json:"scripts"`
	BeforeScripts []string `json:"before_scripts,omitempty"`
	AfterScripts  []string `json:"after_scripts,omitempty"`

	// Needs is the explicit predecessor set. nil means "derive from
	// stage ordering"; an empty non-nil list means "no predecessors".
	Needs []string `json:"needs,omitempty"`

	Rules     []Rule            `json:"rules,omitempty"`
	Artifacts *Artifacts        `json:"artifacts,omitempty"`
	Cache     *Cache            `json:"cache,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`

	Interactive    bool   `json:"interactive,omitempty"`
	InjectSSHAgent bool   `json:"inject_ssh_agent,omitempty"`
	Coverage       string `json:"coverage,omitempty"`

	// When and AllowFailure hold the rule outcome once compiled.
	When         string `json:"when"`
	AllowFailure bool   `json:"allow_failure"`

	// Scope is the fully composed variable scope for the job.
	Scope map[string]string `json:"-"`

	// JobID is a small unique integer assigned at compile time.
	JobID int `json:"job_id"`
}

// HasNeeds returns true if the job declares an explicit predecessor set.
func (j *Job) HasNeeds() bool {
	return j.Needs != nil
}

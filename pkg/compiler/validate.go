package compiler

import (
	"fmt"
	"strings"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/pkg/errors"
)

// validate enforces the cross-field invariants of the compiled pipeline.
func validate(cfg *api.PipelineConfig) error {
	seen := make(map[string]bool, len(cfg.Stages))
	for _, s := range cfg.Stages {
		if seen[s] {
			return errors.Errorf("duplicate stage %s", s)
		}
		seen[s] = true
	}

	for _, j := range cfg.Jobs {
		if cfg.StageIndex(j.Stage) < 0 {
			return errors.Errorf("job %s uses unknown stage %s", j.Name, j.Stage)
		}
		if j.Interactive {
			if j.When != api.WhenManual {
				return errors.Errorf("job %s is interactive, it must be when: manual", j.Name)
			}
			if j.Image != nil {
				return errors.Errorf("job %s is interactive, it cannot use an image", j.Name)
			}
		}
		if j.InjectSSHAgent && j.Image == nil {
			return errors.Errorf("job %s injects the ssh agent, it must use an image", j.Name)
		}
		if err := checkNeeds(cfg, j); err != nil {
			return err
		}
	}
	return nil
}

func checkNeeds(cfg *api.PipelineConfig, j *api.Job) error {
	var missing []string
	for _, n := range j.Needs {
		if cfg.Job(n) == nil {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("[ %s ] jobs are needed by %s, but they cannot be found", strings.Join(missing, ", "), j.Name)
	}
	return nil
}

package config

// Options are the runner options, composed from the optional
// .gitlab-ci-local/config.json file, GCL_* environment variables and
// finally command line flags.
type Options struct {
	Cwd         string   `mapstructure:"cwd" env:"GCL_CWD"`
	File        string   `mapstructure:"file" env:"GCL_FILE"`
	Home        string   `mapstructure:"home" env:"GCL_HOME"`
	Jobs        []string `mapstructure:"jobs" env:"GCL_JOBS" envSeparator:","`
	Needs       bool     `mapstructure:"needs" env:"GCL_NEEDS"`
	Privileged  bool     `mapstructure:"privileged" env:"GCL_PRIVILEGED"`
	ExtraHosts  []string `mapstructure:"extra_hosts" env:"GCL_EXTRA_HOSTS" envSeparator:","`
	Concurrency int      `mapstructure:"concurrency" env:"GCL_CONCURRENCY"`
}

// LoadOptions reads the runner options from the config file and environment.
func LoadOptions() (Options, error) {
	opts := Options{
		File: ".gitlab-ci.yml",
	}
	if err := Unmarshal("runner", &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

package cmd

import (
	"os"
	"path/filepath"

	"github.com/firecow/gitlab-local-pipeline/pkg/util/config"
	"github.com/spf13/cobra"
)

// NewRootCommand returns the gitlab-local-pipeline command.
func NewRootCommand() *cobra.Command {
	var opts config.Options
	rootCmd := &cobra.Command{
		Use:           "gitlab-local-pipeline",
		Short:         "run a .gitlab-ci.yml pipeline on the local machine",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadOptions(cmd, opts)
			if err != nil {
				return err
			}
			return runPipeline(loaded)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.Cwd, "cwd", ".", "working tree to run in")
	flags.StringVar(&opts.File, "file", ".gitlab-ci.yml", "pipeline file")
	flags.StringVar(&opts.Home, "home", defaultHome(), "home directory for per-user variables")
	flags.StringSliceVarP(&opts.Jobs, "job", "j", nil, "run only the named jobs")
	flags.BoolVar(&opts.Needs, "needs", false, "also run the selected jobs' predecessors")
	flags.BoolVar(&opts.Privileged, "privileged", false, "run containers privileged")
	flags.StringSliceVar(&opts.ExtraHosts, "extra-host", nil, "additional host:ip mappings")
	flags.IntVar(&opts.Concurrency, "concurrency", 0, "max concurrent jobs, 0 is unbounded")

	rootCmd.AddCommand(NewListCommand(&opts))
	return rootCmd
}

// loadOptions composes config file, environment and flags, flags winning.
func loadOptions(cmd *cobra.Command, flagOpts config.Options) (config.Options, error) {
	config.SetConfigFile(filepath.Join(flagOpts.Cwd, ".gitlab-ci-local", "config.json"))
	if err := config.ReadInConfig(); err != nil {
		return flagOpts, err
	}
	opts, err := config.LoadOptions()
	if err != nil {
		return flagOpts, err
	}

	opts.Cwd = flagOpts.Cwd
	if cmd.Flags().Changed("file") || opts.File == "" {
		opts.File = flagOpts.File
	}
	if cmd.Flags().Changed("home") || opts.Home == "" {
		opts.Home = flagOpts.Home
	}
	if cmd.Flags().Changed("job") {
		opts.Jobs = flagOpts.Jobs
	}
	if cmd.Flags().Changed("needs") {
		opts.Needs = flagOpts.Needs
	}
	if cmd.Flags().Changed("privileged") {
		opts.Privileged = flagOpts.Privileged
	}
	if cmd.Flags().Changed("extra-host") {
		opts.ExtraHosts = flagOpts.ExtraHosts
	}
	if cmd.Flags().Changed("concurrency") {
		opts.Concurrency = flagOpts.Concurrency
	}
	return opts, nil
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/firecow/gitlab-local-pipeline/pkg/util/config"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewListCommand returns the list command, printing the compiled jobs.
func NewListCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "list the jobs of the compiled pipeline",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadOptions(cmd, *opts)
			if err != nil {
				return err
			}
			cwd, err := filepath.Abs(loaded.Cwd)
			if err != nil {
				return errors.Wrap(err, "cannot resolve working tree")
			}
			cfg, _, err := compile(context.Background(), cwd, loaded)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTAGE\tWHEN\tALLOW_FAILURE")
			for _, j := range cfg.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", j.Name, j.Stage, j.When, j.AllowFailure)
			}
			return tw.Flush()
		},
	}
}

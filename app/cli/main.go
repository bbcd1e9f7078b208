package main

import (
	"os"

	"github.com/firecow/gitlab-local-pipeline/app/cli/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

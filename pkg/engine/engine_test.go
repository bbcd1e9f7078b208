package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/shell"
	"github.com/firecow/gitlab-local-pipeline/pkg/sink"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEmptyScripts(t *testing.T) {
	mock := sink.NewMock()
	e := New(shell.New(), mock, t.TempDir(), Options{})
	run := api.NewJobRun(&api.Job{Name: "noop", Stage: "test"})

	err := e.Run(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, run.GetStatus())
	require.NotNil(t, run.PrescriptExitCode)
	assert.Equal(t, 0, *run.PrescriptExitCode)
	// nothing to clean up, no container was ever created
	assert.Empty(t, run.ContainerID)
	assert.Empty(t, run.VolumeName)
}

func TestRunShellMode(t *testing.T) {
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "input.txt"), []byte("seed\n"), 0o644))

	mock := sink.NewMock()
	e := New(shell.New(), mock, cwd, Options{})
	job := &api.Job{
		Name:          "shell-job",
		Stage:         "test",
		BeforeScripts: []string{"echo before"},
		Scripts:       []string{"cat input.txt", "echo out > produced.txt"},
		AfterScripts:  []string{"echo after"},
		Artifacts:     &api.Artifacts{Paths: []string{"produced.txt"}},
		Scope:         map[string]string{},
	}
	run := api.NewJobRun(job)

	err := e.Run(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, run.GetStatus())
	require.NotNil(t, run.PrescriptExitCode)
	assert.Equal(t, 0, *run.PrescriptExitCode)
	require.NotNil(t, run.AfterScriptExitCode)
	assert.Equal(t, 0, *run.AfterScriptExitCode)

	out := strings.Join(mock.Lines(), "\n")
	assert.Contains(t, out, "$ echo before")
	assert.Contains(t, out, "seed")
	assert.Contains(t, out, "after")

	harvested := filepath.Join(cwd, ".gitlab-ci-local", "artifacts", "shell-job", "produced.txt")
	data, err := os.ReadFile(harvested)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(data))
}

func TestRunShellModeFailure(t *testing.T) {
	cwd := t.TempDir()
	mock := sink.NewMock()
	e := New(shell.New(), mock, cwd, Options{})
	job := &api.Job{
		Name:    "failing",
		Stage:   "test",
		Scripts: []string{"exit 3"},
		Scope:   map[string]string{},
	}
	run := api.NewJobRun(job)

	err := e.Run(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, run.GetStatus())
	require.NotNil(t, run.PrescriptExitCode)
	assert.Equal(t, 3, *run.PrescriptExitCode)
}

func TestSettleAllowFailure(t *testing.T) {
	mock := sink.NewMock()
	e := New(shell.New(), mock, t.TempDir(), Options{})
	code := 3
	run := api.NewJobRun(&api.Job{Name: "warned", AllowFailure: true})
	run.PrescriptExitCode = &code

	e.settle(run, mock, "warned")
	assert.Equal(t, api.StatusWarnedFailure, run.GetStatus())
	require.NotEmpty(t, mock.StderrLines)
	assert.Contains(t, mock.StderrLines[0], " WARN 3 ")
}

func TestSettleAfterScriptWarn(t *testing.T) {
	mock := sink.NewMock()
	e := New(shell.New(), mock, t.TempDir(), Options{})
	zero, three := 0, 3
	run := api.NewJobRun(&api.Job{Name: "after-warn"})
	run.PrescriptExitCode = &zero
	run.AfterScriptExitCode = &three

	e.settle(run, mock, "after-warn")
	// after_script failure warns, it does not change the outcome
	assert.Equal(t, api.StatusSucceeded, run.GetStatus())
	require.NotEmpty(t, mock.StderrLines)
	assert.Contains(t, mock.StderrLines[0], "after_script WARN 3")
}

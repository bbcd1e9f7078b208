package compiler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/git"
	"github.com/firecow/gitlab-local-pipeline/pkg/shell"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() *git.Metadata {
	return &git.Metadata{
		UserName:  "Jane",
		UserEmail: "jane@example.com",
		RefName:   "feature",
		SHA:       "0123456789abcdef0123456789abcdef01234567",
		ShortSHA:  "0123456",
		Remote: git.Remote{
			Domain:  "gitlab.example.com",
			Group:   "group",
			Project: "project",
		},
	}
}

func compileString(t *testing.T, content string) (*api.PipelineConfig, error) {
	t.Helper()
	cwd := t.TempDir()
	return compileIn(t, cwd, content)
}

func compileIn(t *testing.T, cwd, content string) (*api.PipelineConfig, error) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, ".gitlab-ci.yml"), []byte(content), 0o644))
	c := New(shell.New(), cwd, "", ".gitlab-ci.yml", testMeta(), 1)
	return c.Compile(context.Background())
}

func TestCompileBasic(t *testing.T) {
	cfg, err := compileString(t, `
stages:
  - build
  - test

variables:
  GREETING: hello

default:
  image: alpine:3.19

build-job:
  stage: build
  script: make build

test-job:
  stage: test
  image:
    name: golang:1.21
    entrypoint: [""]
  variables:
    MSG: $GREETING world
  script:
    - make test
`)
	require.NoError(t, err)

	assert.Equal(t, []string{".pre", "build", "test", ".post"}, cfg.Stages)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "build-job", cfg.Jobs[0].Name)
	assert.Equal(t, "test-job", cfg.Jobs[1].Name)

	build := cfg.Job("build-job")
	require.NotNil(t, build.Image)
	assert.Equal(t, "alpine:3.19", build.Image.Name)
	assert.Equal(t, []string{"make build"}, build.Scripts)
	assert.Equal(t, api.WhenOnSuccess, build.When)

	test := cfg.Job("test-job")
	assert.Equal(t, "golang:1.21", test.Image.Name)
	assert.Equal(t, "hello world", test.Scope["MSG"])
	assert.Equal(t, "test-job", test.Scope["CI_JOB_NAME"])
	assert.Equal(t, "feature", test.Scope["CI_COMMIT_BRANCH"])
}

func TestCompileDefaultTag(t *testing.T) {
	cfg, err := compileString(t, `
job:
  image: busybox
  script: echo hi
`)
	require.NoError(t, err)
	assert.Equal(t, "busybox:latest", cfg.Job("job").Image.Name)
}

func TestCompileRuleSkip(t *testing.T) {
	cfg, err := compileString(t, `
gated:
  script: echo hi
  rules:
    - if: '$CI_COMMIT_BRANCH == "main"'
      when: on_success
`)
	require.NoError(t, err)
	assert.Equal(t, api.WhenNever, cfg.Job("gated").When)
}

func TestCompileUnknownNeeds(t *testing.T) {
	_, err := compileString(t, `
test-job:
  script: echo hi
  needs: [invalid]
`)
	require.Error(t, err)
	assert.Equal(t, "[ invalid ] jobs are needed by test-job, but they cannot be found", err.Error())
}

func TestCompileNeedsForms(t *testing.T) {
	cfg, err := compileString(t, `
a:
  stage: build
  script: echo a

b:
  script: echo b
  needs:
    - a

c:
  script: echo c
  needs:
    - job: a

free:
  stage: deploy
  script: echo free
  needs: []
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, cfg.Job("b").Needs)
	assert.Equal(t, []string{"a"}, cfg.Job("c").Needs)
	free := cfg.Job("free")
	require.True(t, free.HasNeeds())
	assert.Empty(t, cfg.Predecessors(free))
}

func TestCompileExtends(t *testing.T) {
	cfg, err := compileString(t, `
.base:
  image: alpine:3.19
  variables:
    LAYER: base
    KEEP: yes

.more:
  variables:
    LAYER: more

job:
  extends:
    - .base
    - .more
  script: echo hi
`)
	require.NoError(t, err)
	job := cfg.Job("job")
	require.NotNil(t, job.Image)
	assert.Equal(t, "alpine:3.19", job.Image.Name)
	assert.Equal(t, "more", job.Variables["LAYER"])
	assert.Equal(t, "yes", job.Variables["KEEP"])
	// templates are not jobs
	assert.Nil(t, cfg.Job(".base"))
}

func TestCompileExtendsCycle(t *testing.T) {
	_, err := compileString(t, `
.a:
  extends: .b
.b:
  extends: .a
job:
  extends: .a
  script: echo hi
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extends cycle")
}

func TestCompileLocalInclude(t *testing.T) {
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "common.yml"), []byte(`
included-job:
  script: echo included
shared:
  script: echo from include
`), 0o644))

	cfg, err := compileIn(t, cwd, `
include:
  - local: common.yml

shared:
  script: echo from root
`)
	require.NoError(t, err)
	require.NotNil(t, cfg.Job("included-job"))
	// the root file overrides includes
	assert.Equal(t, []string{"echo from root"}, cfg.Job("shared").Scripts)
}

func TestCompileIncludeCycle(t *testing.T) {
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "a.yml"), []byte("include: [{local: b.yml}]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "b.yml"), []byte("include: [{local: a.yml}]\n"), 0o644))

	_, err := compileIn(t, cwd, "include: [{local: a.yml}]\njob:\n  script: echo hi\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestCompileRemoteInclude(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ci/common.yml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "remote-job:\n  script: echo remote\n")
	}))
	defer srv.Close()

	cwd := t.TempDir()
	cfg, err := compileIn(t, cwd, fmt.Sprintf("include:\n  - remote: %s/ci/common.yml\n", srv.URL))
	require.NoError(t, err)
	require.NotNil(t, cfg.Job("remote-job"))

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cached := filepath.Join(cwd, ".gitlab-ci-local", "includes", u.Host, "ci", "common.yml")
	_, err = os.Stat(cached)
	assert.NoError(t, err)
}

func TestCompileRemoteIncludeMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := compileString(t, fmt.Sprintf("include:\n  - remote: %s/nope.yml\n", srv.URL))
	require.Error(t, err)
}

func TestCompileInteractiveConstraints(t *testing.T) {
	_, err := compileString(t, `
shell-job:
  script: echo hi
  interactive: true
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual")

	_, err = compileString(t, `
shell-job:
  script: echo hi
  when: manual
  interactive: true
  image: alpine
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
}

func TestCompileSSHAgentConstraint(t *testing.T) {
	_, err := compileString(t, `
job:
  script: echo hi
  injectSSHAgent: true
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
}

func TestCompileUnknownStage(t *testing.T) {
	_, err := compileString(t, `
job:
  stage: nonexistent
  script: echo hi
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestCompileCustomStagesWrapped(t *testing.T) {
	cfg, err := compileString(t, `
stages: [compile, package]
job:
  stage: compile
  script: echo hi
`)
	require.NoError(t, err)
	assert.Equal(t, []string{".pre", "compile", "package", ".post"}, cfg.Stages)
}

func TestCompileWorkflowRefusal(t *testing.T) {
	_, err := compileString(t, `
workflow:
  rules:
    - if: '$CI_COMMIT_BRANCH == "main"'

job:
  script: echo hi
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow")
}

func TestCompileReservedTopLevelKeys(t *testing.T) {
	cfg, err := compileString(t, `
variables:
  K: v
pages:
  script: echo pages
job:
  script: echo hi
`)
	require.NoError(t, err)
	// reserved names never become jobs
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, "job", cfg.Jobs[0].Name)
}

package variables

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/firecow/gitlab-local-pipeline/pkg/git"
)

const refSlugMaxLen = 63

// Predefined produces the CI_* scope injected into every job, derived from
// git metadata and the job identity.
func Predefined(meta *git.Metadata, jobName, stage string, jobID, pipelineIid int, cwd string) map[string]string {
	remote := meta.Remote
	serverURL := fmt.Sprintf("https://%s", remote.Domain)
	projectURL := fmt.Sprintf("%s/%s", serverURL, remote.Path())
	pipelineID := pipelineIid + 1000

	vars := map[string]string{
		"CI_JOB_NAME":  jobName,
		"CI_JOB_STAGE": stage,
		"CI_JOB_ID":    fmt.Sprintf("%d", jobID),
		"CI_JOB_URL":   fmt.Sprintf("%s/-/jobs/%d", projectURL, jobID),

		"CI_PIPELINE_ID":     fmt.Sprintf("%d", pipelineID),
		"CI_PIPELINE_IID":    fmt.Sprintf("%d", pipelineIid),
		"CI_PIPELINE_URL":    fmt.Sprintf("%s/pipelines/%d", projectURL, pipelineID),
		"CI_PIPELINE_SOURCE": "push",

		"CI_COMMIT_SHA":           meta.SHA,
		"CI_COMMIT_SHORT_SHA":     meta.ShortSHA,
		"CI_COMMIT_REF_NAME":      meta.RefName,
		"CI_COMMIT_REF_SLUG":      Slug(meta.RefName),
		"CI_COMMIT_REF_PROTECTED": "false",
		"CI_COMMIT_TITLE":         meta.CommitTitle,
		"CI_COMMIT_MESSAGE":       meta.CommitMessage,
		"CI_COMMIT_DESCRIPTION":   meta.CommitDescription,

		"CI_PROJECT_DIR":        filepath.ToSlash(cwd),
		"CI_PROJECT_NAME":       remote.Project,
		"CI_PROJECT_TITLE":      camelCase(remote.Project),
		"CI_PROJECT_PATH":       remote.Path(),
		"CI_PROJECT_PATH_SLUG":  Slug(remote.Path()),
		"CI_PROJECT_NAMESPACE":  remote.Group,
		"CI_PROJECT_VISIBILITY": "internal",
		"CI_PROJECT_ID":         "1217",
		"CI_PROJECT_URL":        projectURL,

		"CI_SERVER_HOST": remote.Domain,
		"CI_SERVER_URL":  serverURL,
		"CI_API_V4_URL":  fmt.Sprintf("%s/api/v4", serverURL),

		"GITLAB_USER_LOGIN": userLogin(meta.UserEmail),
		"GITLAB_USER_EMAIL": meta.UserEmail,
		"GITLAB_USER_NAME":  meta.UserName,
		"GITLAB_CI":         "false",
	}

	if !meta.IsTag {
		vars["CI_COMMIT_BRANCH"] = meta.RefName
	} else {
		vars["CI_COMMIT_TAG"] = meta.RefName
	}
	return vars
}

var nonAlnumRegexp = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases, maps runs of non-alphanumerics to '-', trims leading and
// trailing '-' and caps the length at 63.
func Slug(in string) string {
	s := nonAlnumRegexp.ReplaceAllString(strings.ToLower(in), "-")
	s = strings.Trim(s, "-")
	if len(s) > refSlugMaxLen {
		s = strings.Trim(s[:refSlugMaxLen], "-")
	}
	return s
}

func camelCase(in string) string {
	parts := regexp.MustCompile(`[^A-Za-z0-9]+`).Split(in, -1)
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

func userLogin(email string) string {
	login, _, found := strings.Cut(email, "@")
	if !found || login == "" {
		return "local"
	}
	return login
}

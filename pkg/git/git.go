package git

import (
	"regexp"
	"strings"

	"github.com/firecow/gitlab-local-pipeline/pkg/shell"
	"github.com/firecow/gitlab-local-pipeline/pkg/util/context"
	"github.com/pkg/errors"
)

// Remote identifies the origin of the working tree.
type Remote struct {
	Domain  string
	Group   string
	Project string
}

// Path returns group/project.
func (r Remote) Path() string {
	return r.Group + "/" + r.Project
}

// Metadata is everything the runner needs to know about the working tree.
type Metadata struct {
	UserName  string
	UserEmail string

	RefName string
	IsTag   bool

	SHA      string
	ShortSHA string

	CommitTitle       string
	CommitMessage     string
	CommitDescription string

	Remote Remote
}

// Probe extracts git metadata from the working tree at cwd. Missing
// metadata is fatal, a pipeline cannot be compiled without it.
func Probe(ctx context.Context, sp shell.Spawner, cwd string) (*Metadata, error) {
	m := &Metadata{}

	var err error
	if m.UserName, err = out(ctx, sp, cwd, "git config user.name"); err != nil {
		return nil, errors.Wrap(err, "cannot read git user.name")
	}
	if m.UserEmail, err = out(ctx, sp, cwd, "git config user.email"); err != nil {
		return nil, errors.Wrap(err, "cannot read git user.email")
	}

	if ref, berr := out(ctx, sp, cwd, "git symbolic-ref --short HEAD"); berr == nil {
		m.RefName = ref
	} else if tag, terr := out(ctx, sp, cwd, "git describe --tags --exact-match"); terr == nil {
		m.RefName = tag
		m.IsTag = true
	} else {
		return nil, errors.Wrap(berr, "cannot determine branch or tag ref")
	}

	if m.SHA, err = out(ctx, sp, cwd, "git rev-parse HEAD"); err != nil {
		return nil, errors.Wrap(err, "cannot read commit sha")
	}
	if m.ShortSHA, err = out(ctx, sp, cwd, "git rev-parse --short HEAD"); err != nil {
		return nil, errors.Wrap(err, "cannot read short commit sha")
	}

	msg, err := out(ctx, sp, cwd, "git log -1 --format=%B")
	if err != nil {
		return nil, errors.Wrap(err, "cannot read commit message")
	}
	m.CommitMessage = msg
	title, description, _ := strings.Cut(msg, "\n")
	m.CommitTitle = title
	m.CommitDescription = strings.TrimLeft(description, "\n")

	remote, err := out(ctx, sp, cwd, "git remote get-url origin")
	if err != nil {
		return nil, errors.Wrap(err, "cannot read remote url")
	}
	if m.Remote, err = ParseRemote(remote); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	scpRemoteRegexp = regexp.MustCompile(`^[^@]+@([^:]+):(.+?)/([^/]+?)(?:\.git)?$`)
	urlRemoteRegexp = regexp.MustCompile(`^(?:https?|ssh)://(?:[^@/]+@)?([^/:]+)(?::\d+)?/(.+?)/([^/]+?)(?:\.git)?$`)
)

// ParseRemote parses an SSH or HTTPS git remote url into its parts.
func ParseRemote(url string) (Remote, error) {
	url = strings.TrimSpace(url)
	// URL forms go first: the scp-like pattern would read a port as part of
	// the group.
	for _, re := range []*regexp.Regexp{urlRemoteRegexp, scpRemoteRegexp} {
		if g := re.FindStringSubmatch(url); g != nil {
			return Remote{Domain: g[1], Group: g[2], Project: g[3]}, nil
		}
	}
	return Remote{}, errors.Errorf("unsupported git remote %q", url)
}

func out(ctx context.Context, sp shell.Spawner, cwd, cmd string) (string, error) {
	res, err := sp.Spawn(ctx, cmd, cwd, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

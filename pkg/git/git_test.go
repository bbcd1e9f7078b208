package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRemote(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want Remote
	}{
		{
			"scp_like",
			"git@gitlab.com:group/project.git",
			Remote{Domain: "gitlab.com", Group: "group", Project: "project"},
		},
		{
			"scp_like_nested_group",
			"git@gitlab.example.com:platform/backend/api.git",
			Remote{Domain: "gitlab.example.com", Group: "platform/backend", Project: "api"},
		},
		{
			"https",
			"https://gitlab.com/group/project.git",
			Remote{Domain: "gitlab.com", Group: "group", Project: "project"},
		},
		{
			"https_no_suffix",
			"https://gitlab.com/group/project",
			Remote{Domain: "gitlab.com", Group: "group", Project: "project"},
		},
		{
			"https_with_user",
			"https://oauth2@gitlab.com/group/project.git",
			Remote{Domain: "gitlab.com", Group: "group", Project: "project"},
		},
		{
			"ssh_url",
			"ssh://git@gitlab.com:2222/group/project.git",
			Remote{Domain: "gitlab.com", Group: "group", Project: "project"},
		},
		{
			"trailing_newline",
			"git@gitlab.com:group/project.git\n",
			Remote{Domain: "gitlab.com", Group: "group", Project: "project"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRemote(tc.url)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRemoteInvalid(t *testing.T) {
	for _, url := range []string{"", "not a remote", "ftp://gitlab.com/a/b"} {
		_, err := ParseRemote(url)
		require.Error(t, err, url)
	}
}

func TestRemotePath(t *testing.T) {
	r := Remote{Domain: "gitlab.com", Group: "group", Project: "project"}
	assert.Equal(t, "group/project", r.Path())
}

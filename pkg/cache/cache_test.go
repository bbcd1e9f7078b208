package cache

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLiteral(t *testing.T) {
	key, err := Key(api.CacheKey{Key: "deps-$CI_COMMIT_REF_SLUG"}, map[string]string{"CI_COMMIT_REF_SLUG": "main"}, "")
	require.NoError(t, err)
	assert.Equal(t, "deps-main", key)
}

func TestKeyDefault(t *testing.T) {
	key, err := Key(api.CacheKey{}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "default", key)
}

func TestKeyFiles(t *testing.T) {
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "go.sum"), []byte("lock-a\n"), 0o644))

	key1, err := Key(api.CacheKey{Files: []string{"go.sum"}}, nil, cwd)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), key1)

	// same contents, same key
	key2, err := Key(api.CacheKey{Files: []string{"go.sum"}}, nil, cwd)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	// contents change the key
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "go.sum"), []byte("lock-b\n"), 0o644))
	key3, err := Key(api.CacheKey{Files: []string{"go.sum"}}, nil, cwd)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestKeyFilesMissing(t *testing.T) {
	_, err := Key(api.CacheKey{Files: []string{"nope.lock"}}, nil, t.TempDir())
	require.Error(t, err)
}

func TestWithLock(t *testing.T) {
	var order []string
	err := WithLock("gcl-test-lock-key", func() error {
		order = append(order, "first")
		return nil
	})
	require.NoError(t, err)

	// the lock is released, a second holder gets in
	err = WithLock("gcl-test-lock-key", func() error {
		order = append(order, "second")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)

	_, err = os.Stat(filepath.Join(Dir, "gcl-test-lock-key.lock"))
	assert.NoError(t, err)
}

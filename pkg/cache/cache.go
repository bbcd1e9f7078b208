package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/firecow/gitlab-local-pipeline/pkg/variables"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Dir is the host-side cache root shared by every working tree.
const Dir = "/tmp/gitlab-ci-local/cache"

// Key resolves a cache key to its directory name: either the expanded
// literal key, or a digest of the listed files' contents.
func Key(key api.CacheKey, scope map[string]string, cwd string) (string, error) {
	if len(key.Files) == 0 {
		k := variables.ExpandText(key.Key, scope)
		if k == "" {
			k = "default"
		}
		return k, nil
	}

	files := append([]string(nil), key.Files...)
	sort.Strings(files)
	h := sha256.New()
	for _, f := range files {
		fh, err := os.Open(filepath.Join(cwd, f))
		if err != nil {
			return "", errors.Wrapf(err, "cannot open cache key file %s", f)
		}
		if _, err := io.Copy(h, fh); err != nil {
			fh.Close()
			return "", errors.Wrapf(err, "cannot hash cache key file %s", f)
		}
		fh.Close()
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// Path returns the host directory for the given resolved key.
func Path(key string) string {
	return filepath.Join(Dir, key)
}

// WithLock runs fn while holding the advisory lock for the given key.
// Concurrent jobs sharing a cache key serialize here.
func WithLock(key string, fn func() error) error {
	if err := os.MkdirAll(Dir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create cache dir")
	}
	lock := flock.New(filepath.Join(Dir, key+".lock"))
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "cannot lock cache key %s", key)
	}
	defer lock.Unlock()
	return fn()
}

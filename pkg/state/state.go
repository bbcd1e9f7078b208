package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const stateFile = "state.json"

type persisted struct {
	PipelineIid int `json:"pipelineIid"`
}

// Store persists the per-working-tree pipeline iid counter under
// .gitlab-ci-local/state.json.
type Store struct {
	dir string
}

// New returns a store rooted at the given .gitlab-ci-local directory.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// NextPipelineIid increments and persists the counter, returning the new
// value. The write is temp-file + rename so a crash never truncates state.
func (s *Store) NextPipelineIid() (int, error) {
	cur, err := s.read()
	if err != nil {
		return 0, err
	}
	cur.PipelineIid++
	if err := s.write(cur); err != nil {
		return 0, err
	}
	return cur.PipelineIid, nil
}

func (s *Store) read() (persisted, error) {
	var p persisted
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, errors.Wrap(err, "cannot read state file")
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "cannot decode state file")
	}
	return p, nil
}

func (s *Store) write(p persisted) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create state dir")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "cannot encode state")
	}
	tmp, err := os.CreateTemp(s.dir, stateFile+".*")
	if err != nil {
		return errors.Wrap(err, "cannot create temp state file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Wrap(err, "cannot write state")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrap(err, "cannot close state file")
	}
	if err := os.Rename(name, filepath.Join(s.dir, stateFile)); err != nil {
		os.Remove(name)
		return errors.Wrap(err, "cannot replace state file")
	}
	return nil
}

package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ntuicpc/tioj-judge/types"
)

var _ SourceStore = &sourceStore{}

type sourceStore struct {
	dir string
}

// NewSourceStore creates source storage at <dir>/<id>/<file name>
func NewSourceStore(dir string) (SourceStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &sourceStore{dir: filepath.Clean(dir)}, nil
}

// Store writes the submission code as <id>/source, the language decides
// the name inside the box
func (s *sourceStore) Store(sub *types.Submission) error {
	d := filepath.Join(s.dir, strconv.FormatInt(sub.ID, 10))
	if err := os.MkdirAll(d, 0755); err != nil {
		return fmt.Errorf("store source %d: %w", sub.ID, err)
	}
	p := filepath.Join(d, "source")
	if err := os.WriteFile(p, []byte(sub.Code), 0644); err != nil {
		return fmt.Errorf("store source %d: %w", sub.ID, err)
	}
	sub.SourcePath = p
	return nil
}

func (s *sourceStore) Remove(id int64) error {
	err := os.RemoveAll(filepath.Join(s.dir, strconv.FormatInt(id, 10)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *sourceStore) List() ([]int64, error) {
	fi, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(fi))
	for _, f := range fi {
		if !f.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(f.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

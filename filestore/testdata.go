package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var _ TestdataStore = &testdataStore{}

type testdataStore struct {
	root       string
	downloader Downloader
	group      singleflight.Group
	logger     *zap.Logger
}

// NewTestdataStore creates the cache at <root>/<tid>/{input,output}
func NewTestdataStore(root string, d Downloader, logger *zap.Logger) (TestdataStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &testdataStore{
		root:       filepath.Clean(root),
		downloader: d,
		logger:     logger,
	}, nil
}

func (s *testdataStore) paths(tid int64) Testdata {
	dir := filepath.Join(s.root, strconv.FormatInt(tid, 10))
	return Testdata{
		Input:  filepath.Join(dir, string(KindInput)),
		Output: filepath.Join(dir, string(KindOutput)),
	}
}

// Get returns the cached testdata. Concurrent calls for the same testdata
// share one download.
func (s *testdataStore) Get(ctx context.Context, tid int64, updatedAt time.Time) (Testdata, error) {
	td := s.paths(tid)
	if fresh(td.Input, updatedAt) && fresh(td.Output, updatedAt) {
		return td, nil
	}

	ch := s.group.DoChan(strconv.FormatInt(tid, 10), func() (any, error) {
		// the download should not be canceled by a single waiter
		dctx := context.WithoutCancel(ctx)
		for _, k := range []Kind{KindInput, KindOutput} {
			p := td.Input
			if k == KindOutput {
				p = td.Output
			}
			if fresh(p, updatedAt) {
				continue
			}
			if err := s.download(dctx, tid, k, p); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return Testdata{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Testdata{}, r.Err
		}
	}
	return td, nil
}

func (s *testdataStore) download(ctx context.Context, tid int64, kind Kind, dst string) error {
	s.logger.Info("downloading testdata", zap.Int64("tid", tid), zap.String("kind", string(kind)))
	body, compressed, err := s.downloader.DownloadTestdata(ctx, tid, kind)
	if err != nil {
		return fmt.Errorf("download testdata %d %s: %w", tid, kind, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+string(kind)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var r io.Reader = body
	if compressed {
		d, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer d.Close()
		r = d
	}
	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("write testdata %d %s: %w", tid, kind, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func fresh(p string, updatedAt time.Time) bool {
	fi, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !fi.ModTime().Before(updatedAt)
}

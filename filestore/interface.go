// Package filestore keeps the files the judge needs on local disk: the
// testdata cache under testdata_root and the stored submission sources under
// submission_root.
package filestore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ntuicpc/tioj-judge/types"
)

// ErrNotFound is returned by a Downloader when the server has no such file
var ErrNotFound = errors.New("filestore: not found")

// Kind is the kind of a testdata file
type Kind string

// Testdata file kinds
const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
)

// Downloader fetches testdata from the remote server. When compressed is
// true the content is zstd encoded.
type Downloader interface {
	DownloadTestdata(ctx context.Context, tid int64, kind Kind) (body io.ReadCloser, compressed bool, err error)
}

// Testdata is the local paths of a testdata
type Testdata struct {
	Input  string
	Output string
}

// TestdataStore provides testdata files, downloading them when missing
type TestdataStore interface {
	Get(ctx context.Context, tid int64, updatedAt time.Time) (Testdata, error)
}

// SourceStore stores submission sources
type SourceStore interface {
	// Store writes the code and sets SourcePath
	Store(*types.Submission) error
	// Remove removes the stored source of the submission
	Remove(id int64) error
	// List returns the ids with stored sources
	List() ([]int64, error)
}

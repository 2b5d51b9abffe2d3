// Package snapshot archives and restores the artifact directory of a
// sandbox, so work survives sandbox teardown and can seed a new one.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/harunnryd/daiku/internal/errors"
)

// BlobStore persists snapshot archives. The filesystem store is the only
// implementation today; the interface keeps object storage pluggable.
type BlobStore interface {
	// Put writes the blob under key and returns its location and size.
	Put(ctx context.Context, key string, r io.Reader) (string, int64, error)

	// Get opens a previously stored blob by its location.
	Get(ctx context.Context, location string) (io.ReadCloser, error)
}

// FSStore keeps blobs under a root directory, one file per key.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "create snapshot store root")
	}
	return &FSStore{root: root}, nil
}

// Put spools the blob to a temp file first and moves it into place, so a
// crash mid-write never leaves a half-written archive behind.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrInternal, "create snapshot dir")
	}

	spool, err := os.CreateTemp(filepath.Dir(dst), ".spool-*")
	if err != nil {
		return "", 0, errors.Wrap(err, errors.ErrInternal, "create spool file")
	}
	defer os.Remove(spool.Name())

	size, err := io.Copy(spool, r)
	if err != nil {
		spool.Close()
		return "", 0, errors.Wrap(err, errors.ErrInternal, "spool snapshot")
	}
	if err := spool.Close(); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrInternal, "flush spool file")
	}
	if err := atomic.ReplaceFile(spool.Name(), dst); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrInternal, fmt.Sprintf("store snapshot %s", key))
	}
	return dst, size, nil
}

// Get opens the blob at location.
func (s *FSStore) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(fmt.Sprintf("snapshot %s", location))
		}
		return nil, errors.Wrap(err, errors.ErrInternal, fmt.Sprintf("open snapshot %s", location))
	}
	return f, nil
}

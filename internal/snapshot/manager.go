package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/daiku/internal/errors"
	"github.com/harunnryd/daiku/internal/pathutil"
)

// Result describes a stored snapshot.
type Result struct {
	Location  string
	SizeBytes int64
	CreatedAt time.Time
}

// Manager archives sandbox output directories into a BlobStore and
// restores them into fresh sandboxes.
type Manager struct {
	store BlobStore
}

func NewManager(store BlobStore) *Manager {
	return &Manager{store: store}
}

// Create archives srcDir as a gzipped tarball keyed under the sandbox ID.
// Keys embed a ULID so repeated snapshots of the same sandbox never
// collide and sort by creation time.
func (m *Manager) Create(ctx context.Context, sandboxID, srcDir string) (*Result, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, errors.NotFound(fmt.Sprintf("snapshot source %s", srcDir))
	}
	if !info.IsDir() {
		return nil, errors.InvalidInput(fmt.Sprintf("snapshot source %s is not a directory", srcDir))
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArchive(pw, srcDir))
	}()

	key := fmt.Sprintf("snapshots/%s/%s.tar.gz", sandboxID, ulid.Make())
	location, size, err := m.store.Put(ctx, key, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return &Result{Location: location, SizeBytes: size, CreatedAt: time.Now().UTC()}, nil
}

// Restore unpacks the archive at location into dstDir. Entry names are
// containment-checked against the destination so a crafted archive cannot
// write outside it.
func (m *Manager) Restore(ctx context.Context, location, dstDir string) error {
	blob, err := m.store.Get(ctx, location)
	if err != nil {
		return err
	}
	defer blob.Close()

	gz, err := gzip.NewReader(blob)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "open snapshot archive")
	}
	defer gz.Close()

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create restore target")
	}

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if stderrors.Is(err, tar.ErrInsecurePath) {
			return errors.PathEscape(fmt.Sprintf("snapshot entry %q escapes the restore target", hdr.Name))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrInvalidInput, "read snapshot archive")
		}

		target, err := pathutil.ContainedJoin(dstDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return errors.Wrap(err, errors.ErrInternal, fmt.Sprintf("restore dir %s", hdr.Name))
			}
		case tar.TypeReg:
			if err := restoreFile(tr, target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return errors.Wrap(err, errors.ErrInternal, fmt.Sprintf("restore file %s", hdr.Name))
			}
		default:
			// Snapshots only ever contain dirs and regular files; drop
			// anything else rather than reproduce it.
			continue
		}
	}
}

func restoreFile(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeArchive tars srcDir with slash-separated relative entry names.
func writeArchive(w io.Writer, srcDir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeReg,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			}); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		default:
			// Symlinks point back into a sandbox that will not exist at
			// restore time; skip them along with any special files.
			return nil
		}
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

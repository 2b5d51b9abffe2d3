package layout

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/harunnryd/daiku/internal/errors"
)

// copyTree copies src into dst, following symlinks so that templates built
// around shared link farms land as real files and relative references
// inside the sandbox keep working.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("stat template %s", src))
	}
	if !info.IsDir() {
		return errors.Provision(fmt.Sprintf("template %s is not a directory", src))
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("create %s", dst))
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("read template %s", src))
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		// Stat, not Lstat: symlinks resolve to their targets.
		resolved, err := os.Stat(srcPath)
		if err != nil {
			return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("stat %s", srcPath))
		}
		if resolved.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath, resolved.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("open %s", src))
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("create %s", dst))
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("copy %s", src))
	}
	return out.Close()
}

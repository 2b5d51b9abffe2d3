package pathutil

import (
	"path/filepath"
	"strings"

	"github.com/harunnryd/daiku/internal/errors"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// ContainedJoin joins rel onto root and guarantees the result stays inside
// root. Traversal components that would lexically escape are rejected with
// ErrPathEscape rather than clamped; symlinks inside the tree are resolved
// scoped to root via securejoin.
func ContainedJoin(root, rel string) (string, error) {
	rel = strings.TrimPrefix(strings.TrimSpace(rel), "/")

	// Lexical check first: a path that climbs out of root is a caller error,
	// not something to silently re-anchor.
	cleaned := filepath.Clean(filepath.Join(root, rel))
	relToRoot, err := filepath.Rel(root, cleaned)
	if err != nil || relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", errors.PathEscape("path " + rel)
	}

	joined, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return "", errors.PathEscape("path " + rel)
	}
	return joined, nil
}

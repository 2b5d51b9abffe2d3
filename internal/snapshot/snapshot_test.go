package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/daiku/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewFSStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	return NewManager(store)
}

func writeFixtureTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "slides"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "web", "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "slides", "deck.md"), []byte("# Deck"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "web", "src", "app.tsx"), []byte("export {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "report.md"), []byte("findings"), 0o600))
	return src
}

func TestCreateAndRestore_Roundtrip(t *testing.T) {
	m := newTestManager(t)
	src := writeFixtureTree(t)

	result, err := m.Create(context.Background(), "sb_1", src)
	require.NoError(t, err)
	assert.Greater(t, result.SizeBytes, int64(0))
	assert.FileExists(t, result.Location)

	dst := t.TempDir()
	require.NoError(t, m.Restore(context.Background(), result.Location, dst))

	for _, f := range []struct {
		rel     string
		content string
	}{
		{"slides/deck.md", "# Deck"},
		{"web/src/app.tsx", "export {}"},
		{"report.md", "findings"},
	} {
		got, err := os.ReadFile(filepath.Join(dst, f.rel))
		require.NoError(t, err, f.rel)
		assert.Equal(t, f.content, string(got), f.rel)
	}

	info, err := os.Stat(filepath.Join(dst, "report.md"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCreate_RepeatedSnapshotsGetDistinctKeys(t *testing.T) {
	m := newTestManager(t)
	src := writeFixtureTree(t)

	first, err := m.Create(context.Background(), "sb_1", src)
	require.NoError(t, err)
	second, err := m.Create(context.Background(), "sb_1", src)
	require.NoError(t, err)

	assert.NotEqual(t, first.Location, second.Location)
}

func TestCreate_MissingSource(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), "sb_1", filepath.Join(t.TempDir(), "gone"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrNotFound))
}

func TestCreate_SkipsSymlinks(t *testing.T) {
	m := newTestManager(t)
	src := writeFixtureTree(t)
	require.NoError(t, os.Symlink("/etc/hosts", filepath.Join(src, "escape")))

	result, err := m.Create(context.Background(), "sb_1", src)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, m.Restore(context.Background(), result.Location, dst))
	_, statErr := os.Lstat(filepath.Join(dst, "escape"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestore_RejectsTraversalEntries(t *testing.T) {
	m := newTestManager(t)

	// Hand-build a malicious archive with an entry that climbs out of
	// the extraction root.
	evil := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(evil)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	payload := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../outside.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(payload)),
	}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	parent := t.TempDir()
	dst := filepath.Join(parent, "restore")
	err = m.Restore(context.Background(), evil, dst)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrPathEscape))

	_, statErr := os.Stat(filepath.Join(parent, "outside.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestore_MissingArchive(t *testing.T) {
	m := newTestManager(t)

	err := m.Restore(context.Background(), filepath.Join(t.TempDir(), "nope.tar.gz"), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrNotFound))
}

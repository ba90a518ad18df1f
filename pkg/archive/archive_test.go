package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T) (*Reader, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "NQZ25.ticks"), []byte("hello world"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	r, err := NewReader(root, 1024)
	require.NoError(t, err)
	return r, root
}

func TestReadRangeWithinCap(t *testing.T) {
	r, _ := newTestReader(t)
	data, err := r.ReadRange("NQZ25.ticks", 0, 5, ModeBinary)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadRangeTooLarge(t *testing.T) {
	r, _ := newTestReader(t)
	_, err := r.ReadRange("NQZ25.ticks", 0, 2048, ModeBinary)
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindTooLarge, kind)
}

func TestPathEscapeForbidden(t *testing.T) {
	r, _ := newTestReader(t)

	for _, p := range []string{"../etc/passwd", "../../etc/passwd", "sub/../../etc/passwd"} {
		_, err := r.ReadRange(p, 0, 10, ModeBinary)
		require.Error(t, err)
		kind, ok := bridgeerr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, bridgeerr.KindForbidden, kind, "path %q should be forbidden", p)
	}
}

func TestSymlinkEscapeForbidden(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))

	r, err := NewReader(root, 1024)
	require.NoError(t, err)

	_, err = r.ReadRange("link.txt", 0, 4, ModeBinary)
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindForbidden, kind)
}

func TestTailSmallerThanFile(t *testing.T) {
	r, _ := newTestReader(t)
	data, err := r.Tail("NQZ25.ticks", 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestStatNotFound(t *testing.T) {
	r, _ := newTestReader(t)
	_, err := r.Stat("missing.ticks")
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindNotFound, kind)
}

func TestListReturnsEntries(t *testing.T) {
	r, _ := newTestReader(t)
	entries, err := r.List(".")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

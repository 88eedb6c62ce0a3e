package forcepower

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesOneOnFirstAndZeroOnLastRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, attr), []byte("0"), 0o644))

	g := New()
	release1, err := g.Acquire(dir)
	require.NoError(t, err)
	assertAttr(t, dir, "1")

	release2, err := g.Acquire(dir)
	require.NoError(t, err)
	assertAttr(t, dir, "1")

	require.NoError(t, release1())
	assertAttr(t, dir, "1")

	require.NoError(t, release2())
	assertAttr(t, dir, "0")
}

func TestAcquireIsNoopWithoutAttribute(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g := New()
	release, err := g.Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, attr), []byte("0"), 0o644))

	g := New()
	release, err := g.Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, release())
	require.NoError(t, release())
	assertAttr(t, dir, "0")
}

func assertAttr(t *testing.T, dir, want string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, attr))
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}

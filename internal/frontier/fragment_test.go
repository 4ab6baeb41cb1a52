package frontier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDumpAndLoadFragments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := newTestFrontier(10)
	mustAdd(t, f, "https://a.com/", 30, 1)
	mustAdd(t, f, "https://b.com/", 20, 2)
	mustAdd(t, f, "https://c.com/", 10, 3)

	paths, err := f.Dump(dir, 2)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Equal(t, 3, f.Len(), "dump leaves the queue intact")

	oldest, ok, err := OldestFragment(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, paths[0], oldest)

	entries, corrupt, err := LoadFragment(oldest)
	require.NoError(t, err)
	require.Zero(t, corrupt)
	require.Len(t, entries, 2)
	require.Equal(t, "https://a.com/", entries[0].URL)
	require.Equal(t, int32(30), entries[0].Weight)
	require.Equal(t, uint8(1), entries[0].Depth)

	other := newTestFrontier(10)
	require.Equal(t, 2, other.Restore(entries))
	require.Equal(t, []string{"https://a.com/", "https://b.com/"}, popAll(other))
}

func TestLoadFragmentSkipsDamagedRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := newTestFrontier(10)
	mustAdd(t, f, "https://a.com/", 30, 1)
	paths, err := f.Dump(dir, 10)
	require.NoError(t, err)

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	data = append(data, []byte("!!not-base64!!\nAAAA\n")...)
	require.NoError(t, os.WriteFile(paths[0], data, 0o600))

	entries, corrupt, err := LoadFragment(paths[0])
	require.NoError(t, err)
	require.Equal(t, 2, corrupt)
	require.Len(t, entries, 1)

	_, err = LookupRecord("AAAA")
	require.ErrorIs(t, err, ErrLookup)
}

func TestOldestFragmentEmptyDir(t *testing.T) {
	t.Parallel()

	_, ok, err := OldestFragment(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "frontier.snap")
	f := newTestFrontier(10)
	mustAdd(t, f, "https://a.com/", 3, 0)
	mustAdd(t, f, "https://b.com/", 9, 0)
	require.NoError(t, f.SaveSnapshot(path))

	restored := newTestFrontier(10)
	n, err := restored.LoadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"https://b.com/", "https://a.com/"}, popAll(restored))

	n, err = restored.LoadSnapshot(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	require.Zero(t, n)
}

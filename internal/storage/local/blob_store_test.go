// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/distcrawl/internal/storage/local"
)

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()
	_, err := local.New(local.Config{})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.Error(t, err)
}

func TestPutObjectStoresArchivesAndShards(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		path string
		data string
	}{
		{"archive/1700000000/fetcher-a-000001.upload", "DCUP archive"},
		{"shards/1700000000/gen-000001.shard", "shard v1"},
		// A shard re-sealed after a restart replaces the earlier upload.
		{"shards/1700000000/gen-000001.shard", "shard v2"},
	}
	for _, tc := range cases {
		uri, err := store.PutObject(ctx, tc.path, "application/octet-stream", bytes.NewReader([]byte(tc.data)))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(base, tc.path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(base, tc.path))
		require.NoError(t, err)
		assert.Equal(t, tc.data, string(got))
	}

	_, err = store.PutObject(ctx, "", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestGetObjectAndList(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []string{"archive/7/b.upload", "archive/7/a.upload", "shards/7/gen-000001.shard"} {
		_, err := store.PutObject(ctx, p, "", bytes.NewReader([]byte(p)))
		require.NoError(t, err)
	}

	data, err := store.GetObject(ctx, "archive/7/a.upload")
	require.NoError(t, err)
	assert.Equal(t, "archive/7/a.upload", string(data))

	paths, err := store.List(ctx, "archive/7/")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive/7/a.upload", "archive/7/b.upload"}, paths)

	_, err = store.GetObject(ctx, "archive/7/missing.upload")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = store.PutObject(ctx, "../escape.txt", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
	_, err = store.GetObject(ctx, "../../etc/passwd")
	assert.Error(t, err)
}

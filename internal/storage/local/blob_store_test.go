// Package local_test tests the local filesystem object source.
package local_test

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirDoesNotExist", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: filepath.Join(t.TempDir(), "missing")})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "seeds.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestOpen(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "lists"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "lists", "seeds.txt"), []byte("https://a.com/\n"), 0o600))

	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("ValidOpen", func(t *testing.T) {
		rc, err := store.Open(context.Background(), "lists/seeds.txt")
		require.NoError(t, err)
		defer func() { require.NoError(t, rc.Close()) }()

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "https://a.com/\n", string(data))
		assert.Equal(t, "file://"+filepath.Join(tempDir, "lists/seeds.txt"), store.URI("lists/seeds.txt"))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.Open(context.Background(), "")
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.Open(context.Background(), "../../etc/passwd")
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.Open(context.Background(), "lists/none.txt")
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}

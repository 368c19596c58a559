package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSImageStorePersistCopiesFile(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "shot.png")
	require.NoError(t, os.WriteFile(src, []byte("pixels"), 0o644))

	store := FSImageStore{Root: root}
	ref, err := store.Persist(context.Background(), "sess1", "render", 0, src)
	require.NoError(t, err)
	assert.Equal(t, "render", ref.PhaseName)
	assert.Equal(t, 0, ref.Index)
	assert.Equal(t, filepath.Join(root, "sess1", "render", "image_0.png"), ref.Path)

	got, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(got))
}

func TestFSImageStorePersistDefaultsExtWhenMissing(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "noext")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	store := FSImageStore{Root: root}
	ref, err := store.Persist(context.Background(), "sess1", "render", 2, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sess1", "render", "image_2.bin"), ref.Path)
}

func TestFSImageStorePersistIsIdempotentOnExistingDest(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "shot.png")
	require.NoError(t, os.WriteFile(src, []byte("first"), 0o644))

	store := FSImageStore{Root: root}
	_, err := store.Persist(context.Background(), "sess1", "render", 0, src)
	require.NoError(t, err)

	// second Persist call with different source content must not overwrite
	// the already-persisted file.
	require.NoError(t, os.WriteFile(src, []byte("second"), 0o644))
	ref, err := store.Persist(context.Background(), "sess1", "render", 0, src)
	require.NoError(t, err)

	got, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestFSImageStorePersistMissingSourceErrors(t *testing.T) {
	store := FSImageStore{Root: t.TempDir()}
	_, err := store.Persist(context.Background(), "sess1", "render", 0, "/nonexistent/path.png")
	assert.Error(t, err)
}

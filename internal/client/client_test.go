package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmirror/syncbox/internal/config"
	"github.com/openmirror/syncbox/internal/state"
)

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	root := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Client.LocalRoot = root

	c, err := New(cfg)
	require.NoError(t, err)
	return c, root
}

func TestNew_CreatesLocalRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not", "yet", "there")

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Client.LocalRoot = root

	_, err = New(cfg)
	require.NoError(t, err)
	assert.DirExists(t, root)
}

func TestRefreshState_PersistsVersions(t *testing.T) {
	c, root := newTestClient(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("one"), 0o644))
	st, err := c.refreshState()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Get("a.txt").Version)

	// an edit bumps, and the bump survives a reload
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("two-with-longer-content"), 0o644))
	st, err = c.refreshState()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Get("a.txt").Version)

	loaded, err := state.Load(c.statePath)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Get("a.txt").Version)
	assert.Equal(t, st.ClientID, loaded.ClientID)
}

func TestRefreshState_StateFileNotScanned(t *testing.T) {
	c, root := newTestClient(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	st, err := c.refreshState()
	require.NoError(t, err)

	require.Len(t, st.Files, 1)
	assert.Nil(t, st.Get(state.ClientStateFile))

	// second refresh: the state document written by the first one is
	// still excluded
	st, err = c.refreshState()
	require.NoError(t, err)
	require.Len(t, st.Files, 1)
}

func TestRemoveLocal_PrunesEmptyDirs(t *testing.T) {
	c, root := newTestClient(t)

	path := filepath.Join(root, "a", "b", "c.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, c.removeLocal("a/b/c.txt"))

	assert.NoFileExists(t, path)
	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, root)
}

func TestRemoveLocal_KeepsNonEmptyDirs(t *testing.T) {
	c, root := newTestClient(t)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "keep.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "gone.txt"), []byte("y"), 0o644))

	require.NoError(t, c.removeLocal("a/gone.txt"))

	assert.FileExists(t, filepath.Join(root, "a", "keep.txt"))
	assert.DirExists(t, filepath.Join(root, "a"))
}

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsFreshState(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Empty(t, st.Files)
	assert.Zero(t, st.SyncVersion)
	assert.Len(t, st.ClientID, 8)
}

func TestLoad_MalformedFileYieldsFreshState(t *testing.T) {
	path := filepath.Join(t.TempDir(), ClientStateFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	st, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, st.Files)
	assert.NotEmpty(t, st.ClientID)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ClientStateFile)
	now := time.Now().UTC().Truncate(time.Second)
	deletedAt := now.Add(-time.Hour)

	st := NewState("abcd1234")
	st.SyncVersion = 7
	st.BaseVersion = 7
	st.LastSyncTime = &now
	st.Files["a.txt"] = &FileEntry{
		Path: "a.txt", Hash: "h1", Size: 5, Modified: now, Version: 3, Status: StatusActive,
	}
	st.Files["gone.txt"] = &FileEntry{
		Path: "gone.txt", Version: 4, Status: StatusDeleted, DeletedAt: &deletedAt,
	}

	require.NoError(t, Save(path, st))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", loaded.ClientID)
	assert.Equal(t, int64(7), loaded.SyncVersion)
	assert.Equal(t, int64(7), loaded.BaseVersion)
	require.Len(t, loaded.Files, 2)

	active := loaded.Get("a.txt")
	assert.Equal(t, int64(3), active.Version)
	assert.Equal(t, "h1", active.Hash)

	tomb := loaded.Get("gone.txt")
	assert.Equal(t, StatusDeleted, tomb.Status)
	require.NotNil(t, tomb.DeletedAt)
	assert.True(t, deletedAt.Equal(*tomb.DeletedAt))
}

func TestSave_FieldNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), ServerStateFile)

	st := NewState(ServerClientID)
	st.SyncVersion = 2
	st.Files["a.txt"] = &FileEntry{Path: "a.txt", Hash: "h1", Size: 5, Version: 1, Status: StatusActive}
	require.NoError(t, Save(path, st))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "files")
	assert.Contains(t, doc, "sync_version")
	assert.Contains(t, doc, "base_version")
	assert.Contains(t, doc, "client_id")

	var files map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["files"], &files))
	for _, key := range []string{"path", "hash", "size", "modified", "version", "status"} {
		assert.Contains(t, files["a.txt"], key)
	}
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ClientStateFile)

	st := NewState("c1")
	for i := 0; i < 5; i++ {
		st.SyncVersion = int64(i)
		require.NoError(t, Save(path, st))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ClientStateFile, entries[0].Name())
}

func TestClone_IsDeep(t *testing.T) {
	st := NewState("c1")
	st.Files["a.txt"] = &FileEntry{Path: "a.txt", Hash: "h1", Version: 1, Status: StatusActive}

	cp := st.Clone()
	cp.Files["a.txt"].Version = 99
	cp.SyncVersion = 99

	assert.Equal(t, int64(1), st.Files["a.txt"].Version)
	assert.Zero(t, st.SyncVersion)
}

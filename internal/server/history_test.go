package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_RecordAndRecent(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer h.Close()

	for i := 1; i <= 3; i++ {
		h.Record(&CommitRecord{
			SessionID:  "s1",
			ClientID:   "client-a",
			Mode:       "push",
			Uploaded:   i,
			Deleted:    0,
			NewVersion: int64(i),
			Digest:     "d41d8cd98f00b204e9800998ecf8427e",
			CreatedAt:  time.Now().UTC(),
		})
	}

	recs, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// newest first
	assert.Equal(t, int64(3), recs[0].NewVersion)
	assert.Equal(t, "client-a", recs[0].ClientID)
	assert.Equal(t, "push", recs[0].Mode)
}

func TestHistory_RecentLimit(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < 10; i++ {
		h.Record(&CommitRecord{
			SessionID: "s", ClientID: "c", Mode: "push",
			NewVersion: int64(i), CreatedAt: time.Now().UTC(),
		})
	}

	recs, err := h.Recent(4)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

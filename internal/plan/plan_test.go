package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmirror/syncbox/internal/state"
)

func active(path, hash string, version int64) *state.FileEntry {
	return &state.FileEntry{
		Path: path, Hash: hash, Size: int64(len(hash)), Version: version, Status: state.StatusActive,
	}
}

func tombstone(path string, version int64) *state.FileEntry {
	deletedAt := time.Unix(1700000000, 0)
	return &state.FileEntry{
		Path: path, Version: version, Status: state.StatusDeleted, DeletedAt: &deletedAt,
	}
}

func stateWith(baseVersion, syncVersion int64, entries ...*state.FileEntry) *state.SyncState {
	st := state.NewState("test")
	st.BaseVersion = baseVersion
	st.SyncVersion = syncVersion
	for _, e := range entries {
		st.Files[e.Path] = e
	}
	return st
}

func TestCompute_Push(t *testing.T) {
	cases := []struct {
		name   string
		local  *state.SyncState
		remote *state.SyncState
		expect func(t *testing.T, p *Plan)
	}{
		{
			name:   "local only uploads",
			local:  stateWith(0, 0, active("a.txt", "h1", 1)),
			remote: stateWith(0, 0),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Transfers, 1)
				assert.Equal(t, OpUpload, p.Transfers[0].Op)
				assert.Equal(t, "a.txt", p.Transfers[0].Path)
			},
		},
		{
			name:   "same hash same version is a no-op",
			local:  stateWith(1, 0, active("a.txt", "h1", 1)),
			remote: stateWith(0, 1, active("a.txt", "h1", 1)),
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Empty())
			},
		},
		{
			name:   "same hash differing versions is a no-op",
			local:  stateWith(1, 0, active("a.txt", "h1", 2)),
			remote: stateWith(0, 1, active("a.txt", "h1", 1)),
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Empty())
			},
		},
		{
			name:   "different hash not diverged uploads",
			local:  stateWith(1, 0, active("a.txt", "h2", 2)),
			remote: stateWith(0, 1, active("a.txt", "h1", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Transfers, 1)
				assert.Equal(t, OpUpload, p.Transfers[0].Op)
			},
		},
		{
			name:   "different hash diverged dominant version uploads",
			local:  stateWith(1, 0, active("a.txt", "h2", 3)),
			remote: stateWith(0, 2, active("a.txt", "h1", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Transfers, 1)
				assert.Equal(t, OpUpload, p.Transfers[0].Op)
			},
		},
		{
			name:   "different hash diverged is a conflict",
			local:  stateWith(1, 0, active("a.txt", "h2", 2)),
			remote: stateWith(0, 2, active("a.txt", "h1", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Conflicts, 1)
				assert.Equal(t, ConflictEdit, p.Conflicts[0].Kind)
				assert.Empty(t, p.Transfers)
			},
		},
		{
			name:   "dominant local delete removes remote",
			local:  stateWith(1, 0, tombstone("a.txt", 2)),
			remote: stateWith(0, 1, active("a.txt", "h1", 1)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Deletes, 1)
				assert.Equal(t, OpDeleteRemote, p.Deletes[0].Op)
				assert.Equal(t, int64(2), p.Deletes[0].Version)
			},
		},
		{
			name:   "local delete vs remote edit is a conflict",
			local:  stateWith(1, 0, tombstone("a.txt", 2)),
			remote: stateWith(0, 2, active("a.txt", "h2", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Conflicts, 1)
				assert.Equal(t, ConflictLocalDelete, p.Conflicts[0].Kind)
			},
		},
		{
			name:   "both deleted is a no-op",
			local:  stateWith(1, 0, tombstone("a.txt", 2)),
			remote: stateWith(0, 2, tombstone("a.txt", 3)),
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Empty())
			},
		},
		{
			name:   "remote only is a no-op in push",
			local:  stateWith(0, 0),
			remote: stateWith(0, 1, active("a.txt", "h1", 1)),
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Empty())
			},
		},
		{
			name:   "dominant local version resurrects remote tombstone",
			local:  stateWith(2, 0, active("a.txt", "h3", 3)),
			remote: stateWith(0, 2, tombstone("a.txt", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Transfers, 1)
				assert.Equal(t, OpUpload, p.Transfers[0].Op)
			},
		},
		{
			name:   "remote tombstone dominates local edit",
			local:  stateWith(1, 0, active("a.txt", "h2", 2)),
			remote: stateWith(0, 2, tombstone("a.txt", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Conflicts, 1)
				assert.Equal(t, ConflictRemoteDeleted, p.Conflicts[0].Kind)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.expect(t, Compute(tc.local, tc.remote, ModePush))
		})
	}
}

func TestCompute_Pull(t *testing.T) {
	cases := []struct {
		name   string
		local  *state.SyncState
		remote *state.SyncState
		expect func(t *testing.T, p *Plan)
	}{
		{
			name:   "remote only downloads",
			local:  stateWith(0, 0),
			remote: stateWith(0, 1, active("a.txt", "h1", 1)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Transfers, 1)
				assert.Equal(t, OpDownload, p.Transfers[0].Op)
			},
		},
		{
			name:   "dominant remote tombstone deletes locally",
			local:  stateWith(1, 0, active("a.txt", "h1", 1)),
			remote: stateWith(0, 2, tombstone("a.txt", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Deletes, 1)
				assert.Equal(t, OpDeleteLocal, p.Deletes[0].Op)
			},
		},
		{
			name:   "remote delete vs local edit is a conflict",
			local:  stateWith(1, 0, active("a.txt", "h2", 2)),
			remote: stateWith(0, 2, tombstone("a.txt", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Conflicts, 1)
				assert.Equal(t, ConflictRemoteDeleted, p.Conflicts[0].Kind)
			},
		},
		{
			name:   "newer remote content downloads",
			local:  stateWith(1, 0, active("a.txt", "h1", 1)),
			remote: stateWith(0, 2, active("a.txt", "h2", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Transfers, 1)
				assert.Equal(t, OpDownload, p.Transfers[0].Op)
			},
		},
		{
			name:   "concurrent edit on pull is a conflict",
			local:  stateWith(1, 0, active("a.txt", "h2", 2)),
			remote: stateWith(0, 2, active("a.txt", "h3", 2)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Conflicts, 1)
				assert.Equal(t, ConflictEdit, p.Conflicts[0].Kind)
			},
		},
		{
			name:   "local only is a no-op in pull",
			local:  stateWith(0, 0, active("a.txt", "h1", 1)),
			remote: stateWith(0, 0),
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Empty())
			},
		},
		{
			name:   "dominant remote resurrects local tombstone",
			local:  stateWith(1, 0, tombstone("a.txt", 2)),
			remote: stateWith(0, 3, active("a.txt", "h3", 3)),
			expect: func(t *testing.T, p *Plan) {
				require.Len(t, p.Transfers, 1)
				assert.Equal(t, OpDownload, p.Transfers[0].Op)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.expect(t, Compute(tc.local, tc.remote, ModePull))
		})
	}
}

func TestCompute_Deterministic(t *testing.T) {
	local := stateWith(1, 0,
		active("b.txt", "h2", 2),
		active("a.txt", "h1", 1),
		tombstone("c.txt", 3),
	)
	remote := stateWith(0, 3,
		active("a.txt", "h1", 1),
		active("c.txt", "h3", 2),
		active("d.txt", "h4", 1),
	)

	first := Compute(local, remote, ModePush)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Compute(local, remote, ModePush))
	}

	// paths come out in sorted order
	require.Len(t, first.Transfers, 1)
	assert.Equal(t, "b.txt", first.Transfers[0].Path)
}

func TestResolve_Strategies(t *testing.T) {
	local := stateWith(1, 0, active("a.txt", "h2", 2))
	remote := stateWith(0, 2, active("a.txt", "h1", 2))

	conflicted := Compute(local, remote, ModePush)
	require.Len(t, conflicted.Conflicts, 1)

	t.Run("ask leaves the plan untouched", func(t *testing.T) {
		resolved := Resolve(conflicted, local, remote, StrategyAsk, ModePush)
		assert.Len(t, resolved.Conflicts, 1)
	})

	t.Run("skip drops the conflict", func(t *testing.T) {
		resolved := Resolve(conflicted, local, remote, StrategySkip, ModePush)
		assert.Empty(t, resolved.Conflicts)
		assert.Empty(t, resolved.Transfers)
	})

	t.Run("local wins on push uploads", func(t *testing.T) {
		resolved := Resolve(conflicted, local, remote, StrategyLocal, ModePush)
		assert.Empty(t, resolved.Conflicts)
		require.Len(t, resolved.Transfers, 1)
		assert.Equal(t, OpUpload, resolved.Transfers[0].Op)
	})

	t.Run("remote wins on push skips", func(t *testing.T) {
		resolved := Resolve(conflicted, local, remote, StrategyRemote, ModePush)
		assert.Empty(t, resolved.Conflicts)
		assert.Empty(t, resolved.Transfers)
	})

	pullConflicted := Compute(local, remote, ModePull)
	require.Len(t, pullConflicted.Conflicts, 1)

	t.Run("remote wins on pull downloads", func(t *testing.T) {
		resolved := Resolve(pullConflicted, local, remote, StrategyRemote, ModePull)
		assert.Empty(t, resolved.Conflicts)
		require.Len(t, resolved.Transfers, 1)
		assert.Equal(t, OpDownload, resolved.Transfers[0].Op)
	})

	t.Run("local wins on pull skips", func(t *testing.T) {
		resolved := Resolve(pullConflicted, local, remote, StrategyLocal, ModePull)
		assert.Empty(t, resolved.Conflicts)
		assert.Empty(t, resolved.Transfers)
	})

	t.Run("local delete wins on push", func(t *testing.T) {
		delLocal := stateWith(1, 0, tombstone("a.txt", 2))
		delRemote := stateWith(0, 2, active("a.txt", "h9", 2))
		p := Compute(delLocal, delRemote, ModePush)
		require.Len(t, p.Conflicts, 1)

		resolved := Resolve(p, delLocal, delRemote, StrategyLocal, ModePush)
		require.Len(t, resolved.Deletes, 1)
		assert.Equal(t, OpDeleteRemote, resolved.Deletes[0].Op)
	})
}

package plan

import (
	"fmt"
	"sort"

	"github.com/openmirror/syncbox/internal/state"
)

// Mode is the sync direction a plan is computed for.
type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// Plan is the outcome of diffing a local against a remote state: three
// disjoint sets, ordered deterministically by path.
type Plan struct {
	Transfers []Action
	Deletes   []Action
	Conflicts []Conflict
}

// Empty reports whether the plan requires no work.
func (p *Plan) Empty() bool {
	return len(p.Transfers) == 0 && len(p.Deletes) == 0 && len(p.Conflicts) == 0
}

// HasConflicts reports whether any path could not be planned.
func (p *Plan) HasConflicts() bool {
	return len(p.Conflicts) > 0
}

// Compute diffs local against remote for the given mode. It is a pure
// function: equal inputs yield equal plans. "Diverged" means the local
// base version is behind the remote global version, signalling that
// other commits may have landed since the last session.
func Compute(local, remote *state.SyncState, mode Mode) *Plan {
	p := &Plan{}
	diverged := local.BaseVersion < remote.SyncVersion

	for _, path := range unionPaths(local, remote) {
		l := local.Get(path)
		r := remote.Get(path)

		switch mode {
		case ModePush:
			computePush(p, path, l, r, diverged)
		case ModePull:
			computePull(p, path, l, r, diverged)
		}
	}

	return p
}

// computePush decides one path of a client-to-server plan.
func computePush(p *Plan, path string, l, r *state.FileEntry, diverged bool) {
	switch {
	case l == nil:
		// only pull may touch the local side

	case l.Active() && r == nil:
		p.addUpload(l)

	case l.Active() && r.Active() && l.Hash == r.Hash:
		// in sync; version adoption happens at commit, no transfer

	case l.Active() && r.Active():
		if l.Version > r.Version || !diverged {
			p.addUpload(l)
		} else {
			p.addConflict(path, ConflictEdit, fmt.Sprintf(
				"local v%d and remote v%d both changed since base", l.Version, r.Version))
		}

	case l.Deleted() && r == nil:
		// nothing remote to delete

	case l.Deleted() && r.Active():
		if l.Version > r.Version {
			p.addDelete(OpDeleteRemote, l)
		} else {
			p.addConflict(path, ConflictLocalDelete, fmt.Sprintf(
				"deleted locally at v%d but remote has v%d", l.Version, r.Version))
		}

	case l.Deleted() && r.Deleted():
		// both tombstoned

	case l.Active() && r.Deleted():
		if l.Version > r.Version {
			p.addUpload(l) // resurrects the remote path
		} else {
			p.addConflict(path, ConflictRemoteDeleted, fmt.Sprintf(
				"remote deleted at v%d, local has v%d", r.Version, l.Version))
		}
	}
}

// computePull mirrors computePush with the roles swapped: the remote
// side drives, and only pull may delete locally.
func computePull(p *Plan, path string, l, r *state.FileEntry, diverged bool) {
	switch {
	case r == nil:
		// only push may touch the remote side

	case r.Active() && l == nil:
		p.addDownload(r)

	case r.Active() && l.Active() && l.Hash == r.Hash:
		// in sync

	case r.Active() && l.Active():
		if r.Version > l.Version || !diverged {
			p.addDownload(r)
		} else {
			p.addConflict(path, ConflictEdit, fmt.Sprintf(
				"local v%d and remote v%d both changed since base", l.Version, r.Version))
		}

	case r.Deleted() && l == nil:
		// tombstone for a path never seen locally

	case r.Deleted() && l.Active():
		if r.Version > l.Version {
			p.addDelete(OpDeleteLocal, r)
		} else {
			p.addConflict(path, ConflictRemoteDeleted, fmt.Sprintf(
				"remote deleted at v%d, local has v%d", r.Version, l.Version))
		}

	case r.Deleted() && l.Deleted():
		// both tombstoned

	case r.Active() && l.Deleted():
		if r.Version > l.Version {
			p.addDownload(r) // resurrects the local path
		} else {
			p.addConflict(path, ConflictLocalDelete, fmt.Sprintf(
				"deleted locally at v%d but remote has v%d", l.Version, r.Version))
		}
	}
}

func (p *Plan) addUpload(e *state.FileEntry) {
	p.Transfers = append(p.Transfers, Action{
		Op: OpUpload, Path: e.Path, Version: e.Version, Size: e.Size, Hash: e.Hash,
	})
}

func (p *Plan) addDownload(e *state.FileEntry) {
	p.Transfers = append(p.Transfers, Action{
		Op: OpDownload, Path: e.Path, Version: e.Version, Size: e.Size, Hash: e.Hash,
	})
}

func (p *Plan) addDelete(op Op, e *state.FileEntry) {
	p.Deletes = append(p.Deletes, Action{Op: op, Path: e.Path, Version: e.Version})
}

func (p *Plan) addConflict(path string, kind ConflictKind, explanation string) {
	p.Conflicts = append(p.Conflicts, Conflict{Path: path, Kind: kind, Explanation: explanation})
}

// unionPaths returns the sorted union of both file maps, giving the
// plan its deterministic order.
func unionPaths(local, remote *state.SyncState) []string {
	seen := make(map[string]struct{}, len(local.Files)+len(remote.Files))
	for path := range local.Files {
		seen[path] = struct{}{}
	}
	for path := range remote.Files {
		seen[path] = struct{}{}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

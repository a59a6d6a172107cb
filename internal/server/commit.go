package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmirror/syncbox/internal/plan"
	"github.com/openmirror/syncbox/internal/state"
	"github.com/openmirror/syncbox/internal/utils"
)

var ErrVersionRegression = errors.New("commit: version regression")

// commit applies a push session's staged transfers and deletions to the
// authoritative state in a single critical section, bumps the global
// version and persists atomically. On any failure the in-memory state
// is left at its pre-session snapshot and nothing is considered
// applied.
func (s *session) commit(now time.Time) (int64, error) {
	srv := s.srv
	srv.guard.Lock()
	defer srv.guard.Unlock()

	st := srv.st
	snapshot := st.Clone()
	oldVersion := st.SyncVersion

	var maxTouched int64
	mutated := false
	touch := func(v int64) {
		if v > maxTouched {
			maxTouched = v
		}
		mutated = true
	}

	// re-verify and apply uploads
	for path, staged := range s.staged {
		version, skip, err := s.commitVersion(st.Get(path), staged.header.Version, staged.header.Hash)
		if err != nil {
			srv.st = snapshot
			return 0, err
		}
		if skip {
			continue
		}

		target := filepath.Join(srv.filesRoot, filepath.FromSlash(path))
		if err := utils.EnsureParent(target); err != nil {
			srv.st = snapshot
			return 0, fmt.Errorf("commit %s: %w", path, err)
		}
		if err := os.Rename(staged.tmpPath, target); err != nil {
			srv.st = snapshot
			return 0, fmt.Errorf("commit %s: %w", path, err)
		}

		st.Files[path] = &state.FileEntry{
			Path:     path,
			Hash:     staged.header.Hash,
			Size:     staged.header.Size,
			Modified: now,
			Version:  version,
			Status:   state.StatusActive,
		}
		touch(version)
	}

	// apply deletions as tombstones
	for _, del := range s.pendingDeletes {
		existing := st.Get(del.Path)
		if existing == nil || existing.Deleted() {
			continue
		}

		version := del.Version
		if version <= existing.Version {
			if s.strategy != plan.StrategyLocal {
				srv.st = snapshot
				return 0, fmt.Errorf("%w: delete %s at v%d over v%d",
					ErrVersionRegression, del.Path, version, existing.Version)
			}
			version = existing.Version + 1
		}

		target := filepath.Join(srv.filesRoot, filepath.FromSlash(del.Path))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			srv.st = snapshot
			return 0, fmt.Errorf("commit delete %s: %w", del.Path, err)
		}

		deletedAt := now
		st.Files[del.Path] = &state.FileEntry{
			Path:      del.Path,
			Hash:      "",
			Size:      0,
			Modified:  existing.Modified,
			Version:   version,
			Status:    state.StatusDeleted,
			DeletedAt: &deletedAt,
		}
		touch(version)
	}

	// adopt the higher version where both sides carry identical content
	for path, remote := range s.clientState.Files {
		existing := st.Get(path)
		if existing == nil || !existing.Active() || !remote.Active() {
			continue
		}
		if existing.Hash == remote.Hash && remote.Version > existing.Version {
			existing.Version = remote.Version
			touch(remote.Version)
		}
	}

	if !mutated {
		return st.SyncVersion, nil
	}

	// strictly increasing, and never behind the highest committed file
	// version
	if next := st.SyncVersion + 1; maxTouched > next {
		st.SyncVersion = maxTouched
	} else {
		st.SyncVersion = next
	}

	if err := state.Save(srv.statePath, st); err != nil {
		// state persistence failure is fatal for the session: roll the
		// in-memory mirror back to the pre-session snapshot
		srv.st = snapshot
		return 0, fmt.Errorf("commit persist: %w", err)
	}

	slog.Info("committed",
		"session", s.id,
		"client", s.clientID,
		"uploads", len(s.staged),
		"deletes", len(s.pendingDeletes),
		"oldVersion", oldVersion,
		"syncVersion", st.SyncVersion,
	)
	return st.SyncVersion, nil
}

// commitVersion decides the committed version for an uploaded entry.
// An equal version with identical content is an idempotent retry and
// skipped; a lower or equal version with different content is a
// regression unless the session's strategy forces the local side.
func (s *session) commitVersion(existing *state.FileEntry, pushed int64, hash string) (int64, bool, error) {
	if existing == nil || pushed > existing.Version {
		return pushed, false, nil
	}
	if pushed == existing.Version && existing.Hash == hash {
		return 0, true, nil
	}
	if s.strategy == plan.StrategyLocal {
		return existing.Version + 1, false, nil
	}
	return 0, false, fmt.Errorf("%w: upload at v%d over v%d", ErrVersionRegression, pushed, existing.Version)
}

package state

import "time"

// Reconcile folds a fresh scan into a previous state document and
// returns the updated document. Versions only ever move forward:
//
//   - unchanged fingerprint: entry carried forward, version untouched
//   - changed fingerprint: version bumped, metadata refreshed
//   - new path: inserted at version 1
//   - active path missing from the scan: transitioned to a tombstone
//   - tombstone still missing: carried unchanged
func Reconcile(prev *SyncState, scanned map[string]*ScannedFile, now time.Time) *SyncState {
	next := &SyncState{
		Files:        make(map[string]*FileEntry, len(scanned)),
		SyncVersion:  prev.SyncVersion,
		BaseVersion:  prev.BaseVersion,
		ClientID:     prev.ClientID,
		LastSyncTime: prev.LastSyncTime,
	}

	for path, file := range scanned {
		old := prev.Get(path)
		switch {
		case old == nil:
			next.Files[path] = &FileEntry{
				Path:     path,
				Hash:     file.Hash,
				Size:     file.Size,
				Modified: file.Modified,
				Version:  1,
				Status:   StatusActive,
			}
		case old.Active() && old.Hash == file.Hash:
			next.Files[path] = old.Clone()
		default:
			// content changed, or the path came back over a tombstone
			next.Files[path] = &FileEntry{
				Path:     path,
				Hash:     file.Hash,
				Size:     file.Size,
				Modified: file.Modified,
				Version:  old.Version + 1,
				Status:   StatusActive,
			}
		}
	}

	for path, old := range prev.Files {
		if _, present := scanned[path]; present {
			continue
		}
		if old.Deleted() {
			next.Files[path] = old.Clone()
			continue
		}
		deletedAt := now
		next.Files[path] = &FileEntry{
			Path:      path,
			Hash:      "",
			Size:      0,
			Modified:  old.Modified,
			Version:   old.Version + 1,
			Status:    StatusDeleted,
			DeletedAt: &deletedAt,
		}
	}

	return next
}

// LocalChanges summarizes a scan against a state document without
// mutating either. Used by the client's `changes` and `status` modes.
type LocalChanges struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// DiffScan computes which paths a Reconcile over the same inputs would
// touch.
func DiffScan(prev *SyncState, scanned map[string]*ScannedFile) *LocalChanges {
	changes := &LocalChanges{}

	for path, file := range scanned {
		old := prev.Get(path)
		switch {
		case old == nil || old.Deleted():
			changes.Added = append(changes.Added, path)
		case old.Hash != file.Hash:
			changes.Modified = append(changes.Modified, path)
		}
	}

	for path, old := range prev.Files {
		if !old.Active() {
			continue
		}
		if _, present := scanned[path]; !present {
			changes.Deleted = append(changes.Deleted, path)
		}
	}

	return changes
}

// Empty reports whether no change was detected.
func (c *LocalChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

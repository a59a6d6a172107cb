// Package state holds the versioned sync state model: per-path file
// entries with tombstones, the persisted state document, the directory
// scanner, and the scan/state reconciler.
package state

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStatus is the lifecycle state of a path.
type FileStatus string

const (
	StatusActive  FileStatus = "active"
	StatusDeleted FileStatus = "deleted"
)

// ServerClientID marks the server's own state document.
const ServerClientID = "server"

// FileEntry is one record per path ever observed under the sync root.
// Deleted paths stay as tombstones so deletions propagate.
type FileEntry struct {
	Path      string     `json:"path"`
	Hash      string     `json:"hash"`
	Size      int64      `json:"size"`
	Modified  time.Time  `json:"modified"`
	Version   int64      `json:"version"`
	Status    FileStatus `json:"status"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the entry is a live file.
func (e *FileEntry) Active() bool {
	return e.Status == StatusActive
}

// Deleted reports whether the entry is a tombstone.
func (e *FileEntry) Deleted() bool {
	return e.Status == StatusDeleted
}

// Clone returns a deep copy.
func (e *FileEntry) Clone() *FileEntry {
	cp := *e
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// SyncState is the persisted state document for one side.
type SyncState struct {
	Files        map[string]*FileEntry `json:"files"`
	SyncVersion  int64                 `json:"sync_version"`
	BaseVersion  int64                 `json:"base_version"`
	ClientID     string                `json:"client_id"`
	LastSyncTime *time.Time            `json:"last_sync_time,omitempty"`
}

// NewState returns an empty state document for the given identity.
func NewState(clientID string) *SyncState {
	return &SyncState{
		Files:    make(map[string]*FileEntry),
		ClientID: clientID,
	}
}

// NewClientID generates a stable short client identifier.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Clone returns a deep copy, used for commit-time snapshots.
func (s *SyncState) Clone() *SyncState {
	cp := &SyncState{
		Files:       make(map[string]*FileEntry, len(s.Files)),
		SyncVersion: s.SyncVersion,
		BaseVersion: s.BaseVersion,
		ClientID:    s.ClientID,
	}
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		cp.LastSyncTime = &t
	}
	for path, entry := range s.Files {
		cp.Files[path] = entry.Clone()
	}
	return cp
}

// Get returns the entry for path, nil when the path was never observed.
func (s *SyncState) Get(path string) *FileEntry {
	return s.Files[path]
}

// MaxVersion returns the highest per-file version in the document.
func (s *SyncState) MaxVersion() int64 {
	var max int64
	for _, entry := range s.Files {
		if entry.Version > max {
			max = entry.Version
		}
	}
	return max
}

// ActiveCount returns the number of live files.
func (s *SyncState) ActiveCount() int {
	n := 0
	for _, entry := range s.Files {
		if entry.Active() {
			n++
		}
	}
	return n
}

// TombstoneCount returns the number of deleted entries still carried.
func (s *SyncState) TombstoneCount() int {
	return len(s.Files) - s.ActiveCount()
}

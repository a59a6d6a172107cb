// Package plan computes the deterministic set of transfers, deletions
// and conflicts between two versioned state documents.
package plan

// Op tags a planned action.
type Op string

const (
	OpUpload       Op = "Upload"
	OpDownload     Op = "Download"
	OpDeleteRemote Op = "DeleteRemote"
	OpDeleteLocal  Op = "DeleteLocal"
)

// Action is one planned transfer or deletion.
type Action struct {
	Op      Op     `json:"op"`
	Path    string `json:"path"`
	Version int64  `json:"version"`
	Size    int64  `json:"size"`
	Hash    string `json:"hash"`
}

// ConflictKind classifies why a path could not be planned.
type ConflictKind string

const (
	// ConflictEdit: both sides changed the content since the client's
	// base version.
	ConflictEdit ConflictKind = "concurrent-edit"

	// ConflictLocalDelete: the local side deleted a path the remote
	// side edited.
	ConflictLocalDelete ConflictKind = "local-delete-remote-edit"

	// ConflictRemoteDeleted: the remote side deleted a path the local
	// side edited.
	ConflictRemoteDeleted ConflictKind = "remote-deleted"
)

// Conflict is one path excluded from the plan.
type Conflict struct {
	Path        string       `json:"path"`
	Kind        ConflictKind `json:"kind"`
	Explanation string       `json:"explanation"`
}

package syncmsg

import (
	"github.com/openmirror/syncbox/internal/plan"
	"github.com/openmirror/syncbox/internal/state"
)

// SyncRequest opens plan negotiation. LocalState is the client's full
// versioned state document; the server diffs it against its own.
type SyncRequest struct {
	Mode        SyncMode         `json:"mode"`
	ClientID    string           `json:"client_id"`
	BaseVersion int64            `json:"base_version"`
	Strategy    plan.Strategy    `json:"strategy"`
	Compression bool             `json:"compression"`
	LocalState  *state.SyncState `json:"local_state"`
}

// TransferItem is one planned file transfer. Direction is implied by
// the session mode.
type TransferItem struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Hash    string `json:"hash"`
	Version int64  `json:"version"`
}

// DeleteItem is one planned deletion.
type DeleteItem struct {
	Path    string `json:"path"`
	Version int64  `json:"version"`
}

// PlanAck is the server's OK payload for a SYNC_REQUEST.
type PlanAck struct {
	ServerVersion int64          `json:"server_version"`
	Transfers     []TransferItem `json:"transfers"`
	Deletes       []DeleteItem   `json:"deletes"`
}

// ConflictSet is the CONFLICT payload, sent when the plan contains
// conflicts and the session strategy is "ask".
type ConflictSet struct {
	ServerVersion int64           `json:"server_version"`
	Conflicts     []plan.Conflict `json:"conflicts"`
}

// StateResponse is the OK payload for GET_STATE.
type StateResponse struct {
	Files   map[string]*state.FileEntry `json:"files"`
	Version int64                       `json:"version"`
}

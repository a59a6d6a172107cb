// Package syncmsg defines the typed payloads exchanged over a sync
// session. Every frame carries one of the command tokens below plus an
// optional JSON document described by the structs in this package.
package syncmsg

// Protocol command tokens.
const (
	CmdHello        = "HELLO"
	CmdOK           = "OK"
	CmdError        = "ERROR"
	CmdConflict     = "CONFLICT"
	CmdGetState     = "GET_STATE"
	CmdSyncRequest  = "SYNC_REQUEST"
	CmdFileData     = "FILE_DATA"
	CmdDeleteFile   = "DELETE_FILE"
	CmdSyncComplete = "SYNC_COMPLETE"
)

// ProtocolVersion is negotiated in HELLO. Peers speaking a different
// version are rejected during the handshake.
const ProtocolVersion = 2

// SyncMode selects the direction of a session.
type SyncMode string

const (
	ModePush SyncMode = "push"
	ModePull SyncMode = "pull"
)

func (m SyncMode) Valid() bool {
	return m == ModePush || m == ModePull
}

package syncmsg

// Hello is the first frame of every session, client to server.
type Hello struct {
	ClientID        string `json:"client_id"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HelloAck is the server's OK payload for a HELLO.
type HelloAck struct {
	Name            string `json:"name"`
	ProtocolVersion int    `json:"protocol_version"`
	SyncVersion     int64  `json:"sync_version"`
}

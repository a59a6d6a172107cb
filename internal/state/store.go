package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/openmirror/syncbox/internal/utils"
)

// State document file names, one per side.
const (
	ClientStateFile = "client_sync_state.json"
	ServerStateFile = "server_sync_state.json"
)

// Load reads a state document. A missing or malformed file yields an
// empty state with a freshly generated client id; an existing document
// with no client id gets one assigned.
func Load(path string) (*SyncState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(NewClientID()), nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	var st SyncState
	if err := json.Unmarshal(raw, &st); err != nil {
		slog.Warn("malformed state document, starting fresh", "path", path, "error", err)
		return NewState(NewClientID()), nil
	}
	if st.Files == nil {
		st.Files = make(map[string]*FileEntry)
	}
	if st.ClientID == "" {
		st.ClientID = NewClientID()
	}
	return &st, nil
}

// Save persists the document with an atomic sibling-temp-then-rename
// replace.
func Save(path string, st *SyncState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("persist state %s: %w", path, err)
	}
	return nil
}

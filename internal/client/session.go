package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openmirror/syncbox/internal/plan"
	"github.com/openmirror/syncbox/internal/state"
	"github.com/openmirror/syncbox/internal/syncmsg"
	"github.com/openmirror/syncbox/internal/transfer"
	"github.com/openmirror/syncbox/internal/wire"
)

// conn bundles the framed codec with its underlying socket so the
// driver can push the deadline forward between frames.
type conn struct {
	net  net.Conn
	wire *wire.Conn
}

func (c *conn) touch(timeout time.Duration) {
	c.net.SetDeadline(time.Now().Add(timeout))
}

func (c *conn) close() {
	c.net.Close()
}

// dial opens a connection and completes the HELLO exchange.
func (c *Client) dial(clientID string) (*conn, *syncmsg.HelloAck, error) {
	timeout := c.cfg.Client.Timeout
	netConn, err := net.DialTimeout("tcp", c.cfg.RemoteAddr(), timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", c.cfg.RemoteAddr(), err)
	}

	cn := &conn{net: netConn, wire: wire.NewConn(netConn, c.cipher)}
	cn.touch(timeout)

	if err := cn.wire.SendJSON(syncmsg.CmdHello, syncmsg.Hello{
		ClientID:        clientID,
		ProtocolVersion: syncmsg.ProtocolVersion,
	}); err != nil {
		cn.close()
		return nil, nil, err
	}

	cmd, data, err := cn.wire.Recv()
	if err != nil {
		cn.close()
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	if cmd != syncmsg.CmdOK {
		cn.close()
		return nil, nil, fmt.Errorf("handshake rejected: %s", peerMessage(data))
	}

	var ack syncmsg.HelloAck
	if err := wire.DecodeJSON(data, &ack); err != nil {
		cn.close()
		return nil, nil, fmt.Errorf("decode handshake ack: %w", err)
	}

	slog.Info("connected", "server", ack.Name, "serverVersion", ack.SyncVersion)
	return cn, &ack, nil
}

// negotiate sends the SYNC_REQUEST and returns the plan, or surfaces
// the conflict set under the ask strategy.
func (c *Client) negotiate(cn *conn, st *state.SyncState, mode syncmsg.SyncMode) (*syncmsg.PlanAck, error) {
	reqJSON, err := json.Marshal(syncmsg.SyncRequest{
		Mode:        mode,
		ClientID:    st.ClientID,
		BaseVersion: st.BaseVersion,
		Strategy:    c.strategy,
		Compression: c.cfg.Sync.Compression,
		LocalState:  st,
	})
	if err != nil {
		return nil, err
	}
	packed, err := wire.Pack(reqJSON, c.cfg.Sync.Compression)
	if err != nil {
		return nil, err
	}

	cn.touch(c.cfg.Client.Timeout)
	if err := cn.wire.Send(syncmsg.CmdSyncRequest, packed); err != nil {
		return nil, err
	}

	cmd, data, err := cn.wire.Recv()
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	switch cmd {
	case syncmsg.CmdOK:
		var ack syncmsg.PlanAck
		if err := wire.DecodeJSON(data, &ack); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		return &ack, nil

	case syncmsg.CmdConflict:
		var set syncmsg.ConflictSet
		if err := wire.DecodeJSON(data, &set); err != nil {
			return nil, fmt.Errorf("decode conflicts: %w", err)
		}
		printConflicts(&set)
		return nil, ErrUnresolvedConflicts

	case syncmsg.CmdError:
		return nil, fmt.Errorf("server rejected sync request: %s", peerMessage(data))

	default:
		return nil, fmt.Errorf("negotiate: unexpected reply %s", cmd)
	}
}

// Push uploads local changes to the server.
func (c *Client) Push() error {
	st, err := c.refreshState()
	if err != nil {
		return err
	}

	cn, _, err := c.dial(st.ClientID)
	if err != nil {
		return err
	}
	defer cn.close()

	ack, err := c.negotiate(cn, st, syncmsg.ModePush)
	if err != nil {
		return err
	}

	slog.Info("push plan", "uploads", len(ack.Transfers), "deletes", len(ack.Deletes))

	opts := transfer.Options{
		ChunkSize:   c.cfg.Sync.ChunkSize,
		Compression: c.cfg.Sync.Compression,
	}

	uploaded := 0
	for _, item := range ack.Transfers {
		cn.touch(c.cfg.Client.Timeout)
		err := transfer.SendFile(cn.wire, c.localPath(item.Path), item, opts)
		if errors.Is(err, transfer.ErrRejected) {
			slog.Warn("upload rejected", "path", item.Path, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("upload %s: %w", item.Path, err)
		}
		uploaded++
		slog.Info("uploaded", "path", item.Path, "size", humanize.Bytes(uint64(item.Size)))
	}

	deleted := 0
	for _, del := range ack.Deletes {
		cn.touch(c.cfg.Client.Timeout)
		if err := cn.wire.SendJSON(syncmsg.CmdDeleteFile, syncmsg.DeleteFile{
			Path:    del.Path,
			Version: del.Version,
		}); err != nil {
			return err
		}
		cmd, data, err := cn.wire.Recv()
		if err != nil {
			return err
		}
		if cmd != syncmsg.CmdOK {
			slog.Warn("remote delete rejected", "path", del.Path, "reason", peerMessage(data))
			continue
		}
		deleted++
		slog.Info("deleted remote", "path", del.Path)
	}

	newVersion, err := c.complete(cn, st, uploaded, deleted)
	if err != nil {
		return err
	}

	return c.finishSession(st, newVersion)
}

// Pull downloads remote changes from the server.
func (c *Client) Pull() error {
	st, err := c.refreshState()
	if err != nil {
		return err
	}

	cn, _, err := c.dial(st.ClientID)
	if err != nil {
		return err
	}
	defer cn.close()

	ack, err := c.negotiate(cn, st, syncmsg.ModePull)
	if err != nil {
		return err
	}

	slog.Info("pull plan", "downloads", len(ack.Transfers), "deletes", len(ack.Deletes))

	// the server streams the plan in order: every transfer, then every
	// deletion
	for range ack.Transfers {
		cn.touch(c.cfg.Client.Timeout)
		cmd, data, err := cn.wire.Recv()
		if err != nil {
			return err
		}
		if cmd != syncmsg.CmdFileData {
			return fmt.Errorf("pull: expected %s, got %s", syncmsg.CmdFileData, cmd)
		}

		var header syncmsg.FileHeader
		if err := wire.DecodeJSON(data, &header); err != nil {
			return fmt.Errorf("decode file header: %w", err)
		}

		err = transfer.RecvFile(cn.wire, &header, c.localPath(header.Path))
		var verdict *transfer.VerdictError
		if errors.As(err, &verdict) {
			slog.Warn("download discarded", "path", header.Path, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("download %s: %w", header.Path, err)
		}

		c.recordDownload(st, &header)
		slog.Info("downloaded", "path", header.Path, "size", humanize.Bytes(uint64(header.Size)))
	}

	for range ack.Deletes {
		cn.touch(c.cfg.Client.Timeout)
		cmd, data, err := cn.wire.Recv()
		if err != nil {
			return err
		}
		if cmd != syncmsg.CmdDeleteFile {
			return fmt.Errorf("pull: expected %s, got %s", syncmsg.CmdDeleteFile, cmd)
		}

		var del syncmsg.DeleteFile
		if err := wire.DecodeJSON(data, &del); err != nil {
			return fmt.Errorf("decode delete: %w", err)
		}

		if err := c.applyDelete(cn, st, &del); err != nil {
			return err
		}
	}

	newVersion, err := c.complete(cn, st, 0, 0)
	if err != nil {
		return err
	}

	return c.finishSession(st, newVersion)
}

// applyDelete removes a local file when the remote tombstone dominates
// the local entry, or unconditionally when the remote side was forced
// to win. A refused deletion is reported to the server and skipped.
func (c *Client) applyDelete(cn *conn, st *state.SyncState, del *syncmsg.DeleteFile) error {
	existing := st.Get(del.Path)
	dominated := existing == nil || existing.Deleted() || del.Version > existing.Version
	if !dominated && c.strategy != plan.StrategyRemote {
		slog.Warn("refusing local delete", "path", del.Path, "remoteVersion", del.Version, "localVersion", existing.Version)
		return cn.wire.SendJSON(syncmsg.CmdError, syncmsg.Error{
			Message: fmt.Sprintf("local version %d not dominated by %d", existing.Version, del.Version),
		})
	}

	if err := c.removeLocal(del.Path); err != nil {
		cn.wire.SendJSON(syncmsg.CmdError, syncmsg.Error{Message: err.Error()})
		return err
	}

	version := del.Version
	if existing != nil && existing.Version >= version {
		version = existing.Version + 1
	}
	deletedAt := time.Now()
	st.Files[del.Path] = &state.FileEntry{
		Path:      del.Path,
		Version:   version,
		Status:    state.StatusDeleted,
		DeletedAt: &deletedAt,
	}

	slog.Info("deleted local", "path", del.Path)
	return cn.wire.Send(syncmsg.CmdOK, nil)
}

// recordDownload folds a verified download into the state document.
func (c *Client) recordDownload(st *state.SyncState, header *syncmsg.FileHeader) {
	modified := time.Now()
	if info, err := os.Stat(c.localPath(header.Path)); err == nil {
		modified = info.ModTime()
	}
	st.Files[header.Path] = &state.FileEntry{
		Path:     header.Path,
		Hash:     header.Hash,
		Size:     header.Size,
		Modified: modified,
		Version:  header.Version,
		Status:   state.StatusActive,
	}
}

// complete closes the transfer phase and returns the server's committed
// global version.
func (c *Client) complete(cn *conn, st *state.SyncState, uploaded, deleted int) (int64, error) {
	cn.touch(c.cfg.Client.Timeout)
	if err := cn.wire.SendJSON(syncmsg.CmdSyncComplete, syncmsg.SyncComplete{
		Uploaded:       uploaded,
		Deleted:        deleted,
		NewStateDigest: st.Digest(),
	}); err != nil {
		return 0, err
	}

	cmd, data, err := cn.wire.Recv()
	if err != nil {
		return 0, fmt.Errorf("complete: %w", err)
	}
	if cmd != syncmsg.CmdOK {
		return 0, fmt.Errorf("commit rejected: %s", peerMessage(data))
	}

	var ack syncmsg.SyncCompleteAck
	if err := wire.DecodeJSON(data, &ack); err != nil {
		return 0, fmt.Errorf("decode commit ack: %w", err)
	}
	return ack.NewSyncVersion, nil
}

// finishSession records the committed version and persists the state.
func (c *Client) finishSession(st *state.SyncState, newVersion int64) error {
	now := time.Now()
	st.SyncVersion = newVersion
	st.BaseVersion = newVersion
	st.LastSyncTime = &now

	if err := state.Save(c.statePath, st); err != nil {
		return err
	}
	slog.Info("sync complete", "syncVersion", newVersion)
	return nil
}

// fetchServerState asks for the authoritative view, used by the status
// mode.
func (c *Client) fetchServerState() (*syncmsg.StateResponse, error) {
	st, err := state.Load(c.statePath)
	if err != nil {
		return nil, err
	}

	cn, _, err := c.dial(st.ClientID)
	if err != nil {
		return nil, err
	}
	defer cn.close()

	cn.touch(c.cfg.Client.Timeout)
	if err := cn.wire.Send(syncmsg.CmdGetState, nil); err != nil {
		return nil, err
	}

	cmd, data, err := cn.wire.Recv()
	if err != nil {
		return nil, err
	}
	if cmd != syncmsg.CmdOK {
		return nil, fmt.Errorf("get state rejected: %s", peerMessage(data))
	}

	raw, err := wire.Unpack(data)
	if err != nil {
		return nil, err
	}
	var resp syncmsg.StateResponse
	if err := wire.DecodeJSON(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func printConflicts(set *syncmsg.ConflictSet) {
	fmt.Printf("conflicts against server version %d:\n", set.ServerVersion)
	for _, c := range set.Conflicts {
		fmt.Printf("  %s (%s): %s\n", c.Path, c.Kind, c.Explanation)
	}
	fmt.Println("resolve with --conflict {local|remote|skip}, or pull first")
}

func peerMessage(data []byte) string {
	var e syncmsg.Error
	if err := wire.DecodeJSON(data, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return "unknown error"
}

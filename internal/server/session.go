package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openmirror/syncbox/internal/plan"
	"github.com/openmirror/syncbox/internal/state"
	"github.com/openmirror/syncbox/internal/syncmsg"
	"github.com/openmirror/syncbox/internal/transfer"
	"github.com/openmirror/syncbox/internal/utils"
	"github.com/openmirror/syncbox/internal/wire"
)

// sessionPhase tracks a session through its state machine.
type sessionPhase string

const (
	phaseListen         sessionPhase = "LISTEN"
	phaseHelloReceived  sessionPhase = "HELLO_RECEIVED"
	phasePlanNegotiated sessionPhase = "PLAN_NEGOTIATED"
	phaseCompleted      sessionPhase = "COMPLETED"
	phaseFailed         sessionPhase = "FAILED"
)

var (
	errUnexpectedCmd   = errors.New("unexpected command")
	errBadProtocol     = errors.New("protocol version mismatch")
	errUnplannedAction = errors.New("action not in negotiated plan")
)

// stagedFile is an upload parked in the session staging dir until
// commit.
type stagedFile struct {
	header  syncmsg.FileHeader
	tmpPath string
}

// session is one client exchange over a single connection, culminating
// in at most one commit.
type session struct {
	srv     *Server
	netConn net.Conn
	conn    *wire.Conn

	id       string
	clientID string
	phase    sessionPhase

	mode        syncmsg.SyncMode
	strategy    plan.Strategy
	compression bool

	clientState *state.SyncState
	negotiated  *plan.Plan
	planned     map[string]syncmsg.TransferItem

	stagingDir     string
	staged         map[string]*stagedFile
	pendingDeletes []syncmsg.DeleteFile
}

func newSession(srv *Server, netConn net.Conn) *session {
	return &session{
		srv:     srv,
		netConn: netConn,
		conn:    wire.NewConn(netConn, srv.cipher),
		id:      utils.TokenHex(4),
		phase:   phaseListen,
		staged:  make(map[string]*stagedFile),
		planned: make(map[string]syncmsg.TransferItem),
	}
}

// run drives the session state machine. Any error closes the
// connection; staged files are discarded unless the commit took them.
func (s *session) run(ctx context.Context) error {
	defer s.discardStaging()

	for {
		if ctx.Err() != nil {
			s.phase = phaseFailed
			return ctx.Err()
		}

		s.netConn.SetDeadline(time.Now().Add(idleTimeout))
		cmd, data, err := s.conn.Recv()
		if err != nil {
			if s.phase == phaseCompleted {
				return nil
			}
			s.phase = phaseFailed
			return fmt.Errorf("recv: %w", err)
		}

		done, err := s.dispatch(cmd, data)
		if err != nil {
			s.phase = phaseFailed
			s.sendError(err.Error())
			return err
		}
		if done {
			return nil
		}
		s.srv.updateSessionInfo(s)
	}
}

func (s *session) dispatch(cmd string, data []byte) (bool, error) {
	switch cmd {
	case syncmsg.CmdHello:
		if s.phase != phaseListen {
			return false, errUnexpectedCmd
		}
		return false, s.handleHello(data)

	case syncmsg.CmdGetState:
		if s.phase != phaseHelloReceived {
			return false, errUnexpectedCmd
		}
		return false, s.handleGetState()

	case syncmsg.CmdSyncRequest:
		if s.phase != phaseHelloReceived {
			return false, errUnexpectedCmd
		}
		return s.handleSyncRequest(data)

	case syncmsg.CmdFileData:
		if s.phase != phasePlanNegotiated || s.mode != syncmsg.ModePush {
			return false, errUnexpectedCmd
		}
		return false, s.handleFileData(data)

	case syncmsg.CmdDeleteFile:
		if s.phase != phasePlanNegotiated || s.mode != syncmsg.ModePush {
			return false, errUnexpectedCmd
		}
		return false, s.handleDeleteFile(data)

	case syncmsg.CmdSyncComplete:
		if s.phase != phasePlanNegotiated {
			return false, errUnexpectedCmd
		}
		return true, s.handleSyncComplete(data)

	case syncmsg.CmdError:
		var e syncmsg.Error
		wire.DecodeJSON(data, &e)
		return false, fmt.Errorf("client error: %s", e.Message)

	default:
		return false, fmt.Errorf("%w: %s", errUnexpectedCmd, cmd)
	}
}

func (s *session) handleHello(data []byte) error {
	var hello syncmsg.Hello
	if err := wire.DecodeJSON(data, &hello); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	if hello.ProtocolVersion != syncmsg.ProtocolVersion {
		return fmt.Errorf("%w: client speaks v%d, server speaks v%d",
			errBadProtocol, hello.ProtocolVersion, syncmsg.ProtocolVersion)
	}

	s.clientID = hello.ClientID
	s.phase = phaseHelloReceived
	slog.Info("handshake", "session", s.id, "client", s.clientID)

	return s.conn.SendJSON(syncmsg.CmdOK, syncmsg.HelloAck{
		Name:            ServerName,
		ProtocolVersion: syncmsg.ProtocolVersion,
		SyncVersion:     s.srv.syncVersion(),
	})
}

func (s *session) handleGetState() error {
	snap := s.srv.snapshot()
	resp, err := wire.Pack(mustJSON(syncmsg.StateResponse{
		Files:   snap.Files,
		Version: snap.SyncVersion,
	}), s.srv.cfg.Sync.Compression)
	if err != nil {
		return err
	}
	return s.conn.Send(syncmsg.CmdOK, resp)
}

func (s *session) handleSyncRequest(data []byte) (bool, error) {
	raw, err := wire.Unpack(data)
	if err != nil {
		return false, fmt.Errorf("unpack sync request: %w", err)
	}
	var req syncmsg.SyncRequest
	if err := wire.DecodeJSON(raw, &req); err != nil {
		return false, fmt.Errorf("decode sync request: %w", err)
	}
	if !req.Mode.Valid() {
		return false, fmt.Errorf("invalid sync mode %q", req.Mode)
	}
	if !req.Strategy.Valid() {
		return false, fmt.Errorf("invalid conflict strategy %q", req.Strategy)
	}
	if req.LocalState == nil {
		return false, errors.New("sync request carries no state")
	}
	for path := range req.LocalState.Files {
		if !utils.SafeRelPath(path) {
			return false, fmt.Errorf("unsafe path in client state: %q", path)
		}
	}

	s.mode = req.Mode
	s.strategy = req.Strategy
	s.compression = req.Compression
	s.clientState = req.LocalState
	s.clientState.BaseVersion = req.BaseVersion

	snap := s.srv.snapshot()
	p := plan.Compute(s.clientState, snap, plan.Mode(req.Mode))

	slog.Info("plan negotiated",
		"session", s.id,
		"client", s.clientID,
		"mode", s.mode,
		"baseVersion", req.BaseVersion,
		"serverVersion", snap.SyncVersion,
		"transfers", len(p.Transfers),
		"deletes", len(p.Deletes),
		"conflicts", len(p.Conflicts),
	)

	if p.HasConflicts() && s.strategy == plan.StrategyAsk {
		s.phase = phaseFailed
		err := s.conn.SendJSON(syncmsg.CmdConflict, syncmsg.ConflictSet{
			ServerVersion: snap.SyncVersion,
			Conflicts:     p.Conflicts,
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}

	p = plan.Resolve(p, s.clientState, snap, s.strategy, plan.Mode(req.Mode))
	s.negotiated = p

	ack := syncmsg.PlanAck{ServerVersion: snap.SyncVersion}
	for _, t := range p.Transfers {
		item := syncmsg.TransferItem{Path: t.Path, Size: t.Size, Hash: t.Hash, Version: t.Version}
		ack.Transfers = append(ack.Transfers, item)
		s.planned[t.Path] = item
	}
	for _, d := range p.Deletes {
		ack.Deletes = append(ack.Deletes, syncmsg.DeleteItem{Path: d.Path, Version: d.Version})
	}

	if err := s.conn.SendJSON(syncmsg.CmdOK, ack); err != nil {
		return false, err
	}
	s.phase = phasePlanNegotiated

	if s.mode == syncmsg.ModePull {
		if err := s.streamPullPlan(ack); err != nil {
			return false, err
		}
	}
	return false, nil
}

// streamPullPlan sends the planned transfers and deletions to the
// client in plan order. Per-file verification failures on the client
// side are logged and skipped; the session continues.
func (s *session) streamPullPlan(ack syncmsg.PlanAck) error {
	opts := transfer.Options{
		ChunkSize:   s.srv.cfg.Sync.ChunkSize,
		Compression: s.compression,
	}

	for _, item := range ack.Transfers {
		s.netConn.SetDeadline(time.Now().Add(idleTimeout))
		src := filepath.Join(s.srv.filesRoot, filepath.FromSlash(item.Path))
		err := transfer.SendFile(s.conn, src, item, opts)
		if errors.Is(err, transfer.ErrRejected) {
			slog.Warn("pull transfer rejected", "session", s.id, "path", item.Path, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("send %s: %w", item.Path, err)
		}
		slog.Info("sent", "session", s.id, "path", item.Path, "size", humanize.Bytes(uint64(item.Size)))
	}

	for _, del := range ack.Deletes {
		s.netConn.SetDeadline(time.Now().Add(idleTimeout))
		if err := s.conn.SendJSON(syncmsg.CmdDeleteFile, syncmsg.DeleteFile{
			Path:    del.Path,
			Version: del.Version,
		}); err != nil {
			return err
		}
		cmd, data, err := s.conn.Recv()
		if err != nil {
			return err
		}
		if cmd != syncmsg.CmdOK {
			var e syncmsg.Error
			wire.DecodeJSON(data, &e)
			slog.Warn("pull delete rejected", "session", s.id, "path", del.Path, "reason", e.Message)
		}
	}

	return nil
}

func (s *session) handleFileData(data []byte) error {
	var header syncmsg.FileHeader
	if err := wire.DecodeJSON(data, &header); err != nil {
		return fmt.Errorf("decode file header: %w", err)
	}
	if !utils.SafeRelPath(header.Path) {
		return fmt.Errorf("unsafe path: %q", header.Path)
	}
	if _, ok := s.planned[header.Path]; !ok {
		return fmt.Errorf("%w: %s", errUnplannedAction, header.Path)
	}

	if err := s.ensureStaging(); err != nil {
		return err
	}

	target := filepath.Join(s.stagingDir, filepath.FromSlash(header.Path))
	if err := transfer.RecvFile(s.conn, &header, target); err != nil {
		// per-file failures were already reported to the sender;
		// discard the file and keep the session alive
		var verdict *transfer.VerdictError
		if errors.As(err, &verdict) {
			slog.Warn("transfer discarded", "session", s.id, "path", header.Path, "error", err)
			return nil
		}
		return err
	}

	s.staged[header.Path] = &stagedFile{header: header, tmpPath: target}
	slog.Info("staged", "session", s.id, "path", header.Path, "size", humanize.Bytes(uint64(header.Size)))
	return nil
}

func (s *session) handleDeleteFile(data []byte) error {
	var del syncmsg.DeleteFile
	if err := wire.DecodeJSON(data, &del); err != nil {
		return fmt.Errorf("decode delete: %w", err)
	}
	if !utils.SafeRelPath(del.Path) {
		return fmt.Errorf("unsafe path: %q", del.Path)
	}

	planned := false
	for _, d := range s.negotiated.Deletes {
		if d.Path == del.Path {
			planned = true
			break
		}
	}
	if !planned {
		return fmt.Errorf("%w: delete %s", errUnplannedAction, del.Path)
	}

	s.pendingDeletes = append(s.pendingDeletes, del)
	return s.conn.Send(syncmsg.CmdOK, nil)
}

func (s *session) handleSyncComplete(data []byte) error {
	var complete syncmsg.SyncComplete
	if err := wire.DecodeJSON(data, &complete); err != nil {
		return fmt.Errorf("decode sync complete: %w", err)
	}

	var newVersion int64
	if s.mode == syncmsg.ModePush {
		committed, err := s.commit(time.Now())
		if err != nil {
			return err
		}
		newVersion = committed
	} else {
		newVersion = s.srv.syncVersion()
	}

	s.srv.history.Record(&CommitRecord{
		SessionID:  s.id,
		ClientID:   s.clientID,
		Mode:       string(s.mode),
		Uploaded:   complete.Uploaded,
		Deleted:    complete.Deleted,
		NewVersion: newVersion,
		Digest:     complete.NewStateDigest,
		CreatedAt:  time.Now().UTC(),
	})

	s.phase = phaseCompleted
	return s.conn.SendJSON(syncmsg.CmdOK, syncmsg.SyncCompleteAck{NewSyncVersion: newVersion})
}

func (s *session) ensureStaging() error {
	if s.stagingDir != "" {
		return nil
	}
	dir := filepath.Join(s.srv.stagingRoot, s.id)
	if err := utils.EnsureDir(dir); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	s.stagingDir = dir
	return nil
}

// discardStaging removes any files the commit did not take.
func (s *session) discardStaging() {
	if s.stagingDir == "" {
		return
	}
	os.RemoveAll(s.stagingDir)
	s.stagingDir = ""
}

func (s *session) sendError(msg string) {
	s.netConn.SetDeadline(time.Now().Add(5 * time.Second))
	s.conn.SendJSON(syncmsg.CmdError, syncmsg.Error{Message: msg})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Package server implements the authoritative side of a sync session:
// the accept loop, the per-connection session state machine, and the
// serialized commit that advances the global version.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/openmirror/syncbox/internal/config"
	"github.com/openmirror/syncbox/internal/state"
	"github.com/openmirror/syncbox/internal/utils"
	"github.com/openmirror/syncbox/internal/wire"
)

const (
	// ServerName is announced in the HELLO exchange.
	ServerName = "syncbox-server"

	// idleTimeout terminates sessions with no frame traffic.
	idleTimeout = 60 * time.Second
)

var ErrDataRootLocked = errors.New("server: data root is locked by another process")

// Server owns the authoritative state. All mutation happens in a
// session's commit phase under the state guard.
type Server struct {
	cfg    *config.Config
	cipher *wire.Cipher

	dataRoot    string
	filesRoot   string
	statePath   string
	stagingRoot string

	lock    *flock.Flock
	history *History

	guard sync.Mutex
	st    *state.SyncState

	sessionsMu sync.Mutex
	sessions   map[string]*sessionInfo

	addrMu    sync.Mutex
	boundAddr string

	startedAt time.Time
}

// sessionInfo is the status-API view of a live session.
type sessionInfo struct {
	ClientID  string    `json:"client_id"`
	Mode      string    `json:"mode"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at"`
}

// New builds a server from config. The encryption key is loaded here so
// a missing key file fails startup, not the first session.
func New(cfg *config.Config) (*Server, error) {
	dataRoot, err := utils.ResolvePath(cfg.Server.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}

	var cipher *wire.Cipher
	if cfg.Encryption.Enabled {
		key, err := cfg.ReadKey()
		if err != nil {
			return nil, err
		}
		cipher, err = wire.NewCipher(key)
		if err != nil {
			return nil, err
		}
	}

	return &Server{
		cfg:         cfg,
		cipher:      cipher,
		dataRoot:    dataRoot,
		filesRoot:   filepath.Join(dataRoot, "files"),
		statePath:   filepath.Join(dataRoot, state.ServerStateFile),
		stagingRoot: filepath.Join(dataRoot, ".staging"),
		lock:        flock.New(filepath.Join(dataRoot, ".lock")),
		sessions:    make(map[string]*sessionInfo),
	}, nil
}

// Start loads the authoritative state, binds the listener and serves
// sessions until ctx is cancelled. State is flushed on shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := utils.EnsureDir(s.filesRoot); err != nil {
		return fmt.Errorf("create files root: %w", err)
	}
	if err := utils.EnsureDir(s.stagingRoot); err != nil {
		return fmt.Errorf("create staging root: %w", err)
	}

	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data root: %w", err)
	}
	if !locked {
		return ErrDataRootLocked
	}
	defer s.lock.Unlock()

	if err := s.loadState(); err != nil {
		return err
	}

	history, err := OpenHistory(filepath.Join(s.dataRoot, "history.db"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	s.history = history
	defer s.history.Close()

	listener, err := net.Listen("tcp", s.cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.BindAddr(), err)
	}

	s.addrMu.Lock()
	s.boundAddr = listener.Addr().String()
	s.addrMu.Unlock()

	s.startedAt = time.Now()
	slog.Info("server listening",
		"addr", s.cfg.BindAddr(),
		"dataRoot", s.dataRoot,
		"syncVersion", s.st.SyncVersion,
		"files", s.st.ActiveCount(),
		"tombstones", s.st.TombstoneCount(),
		"encrypted", s.cipher != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		return nil
	})

	if s.cfg.Server.StatusAddr != "" {
		g.Go(func() error {
			return s.runStatusAPI(gctx)
		})
	}

	g.Go(func() error {
		return s.acceptLoop(gctx, listener)
	})

	err = g.Wait()
	s.flushState()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadState reads the persisted document and folds in anything that
// changed on disk while the server was down.
func (s *Server) loadState() error {
	st, err := state.Load(s.statePath)
	if err != nil {
		return err
	}
	st.ClientID = state.ServerClientID
	st.BaseVersion = 0

	scanner := state.NewScanner(s.filesRoot, state.NewIgnoreList(s.cfg.Sync.IgnorePatterns))
	scanned, err := scanner.Scan()
	if err != nil {
		return err
	}

	st = state.Reconcile(st, scanned, time.Now())
	if max := st.MaxVersion(); st.SyncVersion < max {
		st.SyncVersion = max
	}
	if err := state.Save(s.statePath, st); err != nil {
		return err
	}

	s.st = st
	return nil
}

// flushState persists the in-memory state on graceful shutdown.
func (s *Server) flushState() {
	s.guard.Lock()
	defer s.guard.Unlock()
	if s.st == nil {
		return
	}
	if err := state.Save(s.statePath, s.st); err != nil {
		slog.Error("failed to flush state", "error", err)
	}
}

// snapshot returns a deep copy of the authoritative state taken under
// the guard, for plan computation.
func (s *Server) snapshot() *state.SyncState {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.st.Clone()
}

// Addr returns the bound listen address, empty until Start has bound.
func (s *Server) Addr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.boundAddr
}

// syncVersion returns the current global version.
func (s *Server) syncVersion() int64 {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.st.SyncVersion
}

// acceptLoop serves connections until the listener closes. The number
// of concurrent sessions is bounded by server.max_connections.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	slots := make(chan struct{}, s.cfg.Server.MaxConnections)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	sess := newSession(s, netConn)
	s.trackSession(sess)
	defer s.untrackSession(sess)

	slog.Info("connection accepted", "remote", netConn.RemoteAddr(), "session", sess.id)
	if err := sess.run(ctx); err != nil {
		slog.Warn("session ended", "session", sess.id, "client", sess.clientID, "phase", sess.phase, "error", err)
		return
	}
	slog.Info("session closed", "session", sess.id, "client", sess.clientID, "phase", sess.phase)
}

func (s *Server) trackSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.id] = &sessionInfo{StartedAt: time.Now()}
}

func (s *Server) untrackSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess.id)
}

func (s *Server) updateSessionInfo(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if info, ok := s.sessions[sess.id]; ok {
		info.ClientID = sess.clientID
		info.Mode = string(sess.mode)
		info.Phase = string(sess.phase)
	}
}

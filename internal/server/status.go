package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openmirror/syncbox/internal/version"
)

// runStatusAPI serves the read-only ops endpoint when
// server.status_addr is configured.
func (s *Server) runStatusAPI(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	v1 := router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/history", s.handleHistory)

	srv := &http.Server{
		Addr:    s.cfg.Server.StatusAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	s.guard.Lock()
	syncVersion := s.st.SyncVersion
	active := s.st.ActiveCount()
	tombstones := s.st.TombstoneCount()
	s.guard.Unlock()

	s.sessionsMu.Lock()
	sessions := make([]*sessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		sessions = append(sessions, info)
	}
	s.sessionsMu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"name":         ServerName,
		"version":      version.Version,
		"sync_version": syncVersion,
		"files":        active,
		"tombstones":   tombstones,
		"sessions":     sessions,
		"uptime":       time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := s.history.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": recs})
}

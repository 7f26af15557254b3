// Package server exposes the pipeline over HTTP: trigger submission, run
// history, stage logs, and a metrics snapshot.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caravelhq/caravel/interfaces"
	"github.com/caravelhq/caravel/observability"
	"github.com/caravelhq/caravel/services/pipeline"
)

type Server struct {
	ctrl    *pipeline.Controller
	store   interfaces.Store
	metrics *observability.Registry
	http    *http.Server
}

func New(addr string, ctrl *pipeline.Controller, store interfaces.Store, metrics *observability.Registry) *Server {
	s := &Server{ctrl: ctrl, store: store, metrics: metrics}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", s.handleMetrics)

	v1 := router.Group("/api/v1")
	v1.POST("/triggers", s.handleTrigger)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/logs", s.handleRunLogs)
	v1.POST("/runs/:id/cancel", s.handleCancel)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// ListenAndServe blocks until the context is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type triggerRequest struct {
	Ref string `json:"ref" binding:"required"`
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.ctrl.Trigger(req.Ref)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID.String()})
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.ListRuns(50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleRunLogs(c *gin.Context) {
	logs, err := s.store.RunLogs(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.ctrl.Cancel(c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrCancelRejected) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

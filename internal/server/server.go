// Package server exposes the HTTP trigger surface: endpoints to start
// per-symbol incremental runs and full fleet runs, inspect instances, and
// read or correct tracking watermarks.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cryptodatalake/kline-ingestor/internal/fleet"
	"github.com/cryptodatalake/kline-ingestor/internal/ingest"
	"github.com/cryptodatalake/kline-ingestor/internal/models"
	"github.com/cryptodatalake/kline-ingestor/internal/tracking"
)

// Server is the HTTP API over the ingestion registry, fleet controller, and
// tracking store.
type Server struct {
	registry   *ingest.Registry
	controller *fleet.Controller
	tracking   tracking.Store
	symbols    []string
	logger     *slog.Logger

	httpServer *http.Server

	mu           sync.Mutex
	fleetRunning bool
	lastFleet    *fleet.FleetResult
	lastFleetErr string
}

// New creates the server. The symbol list is the fleet used by start-fleet
// requests.
func New(registry *ingest.Registry, controller *fleet.Controller, store tracking.Store, symbols []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:   registry,
		controller: controller,
		tracking:   store,
		symbols:    symbols,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)

	router.POST("/start-incremental", s.startIncremental)
	router.POST("/start-fleet", s.startFleet)
	router.GET("/fleet", s.fleetStatus)

	router.GET("/instances", s.listInstances)
	router.GET("/instances/:id", s.getInstance)
	router.POST("/instances/:id/terminate", s.terminateInstance)

	router.GET("/tracking", s.listWatermarks)
	router.GET("/tracking/:stage/:symbol", s.getWatermark)
	router.POST("/tracking", s.putWatermark)
	router.DELETE("/tracking/:stage/:symbol", s.deleteWatermark)

	return router
}

// Run serves the API at addr until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type startRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

// startIncremental launches an asynchronous run for one symbol. A symbol with
// an active instance yields 409 Conflict.
func (s *Server) startIncremental(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := s.registry.Start(req.Symbol)
	if err != nil {
		var conflict *ingest.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error":       conflict.Error(),
				"instance_id": conflict.InstanceID,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, inst)
}

// startFleet launches an asynchronous fleet run over the configured symbols.
func (s *Server) startFleet(c *gin.Context) {
	s.mu.Lock()
	if s.fleetRunning {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "fleet run already in progress"})
		return
	}
	s.fleetRunning = true
	s.mu.Unlock()

	go func() {
		result, err := s.controller.Run(context.Background(), s.symbols)

		s.mu.Lock()
		s.fleetRunning = false
		s.lastFleet = result
		if err != nil {
			s.lastFleetErr = err.Error()
		} else {
			s.lastFleetErr = ""
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("fleet run finished with errors", "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "started",
		"symbols": s.symbols,
	})
}

func (s *Server) fleetStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"running":    s.fleetRunning,
		"last_run":   s.lastFleet,
		"last_error": s.lastFleetErr,
	})
}

func (s *Server) listInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.registry.List()})
}

func (s *Server) getInstance(c *gin.Context) {
	inst := s.registry.Get(c.Param("id"))
	if inst == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("instance %s not found", c.Param("id"))})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) terminateInstance(c *gin.Context) {
	if err := s.registry.Terminate(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminating"})
}

func (s *Server) listWatermarks(c *gin.Context) {
	watermarks, err := s.tracking.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watermarks": watermarks})
}

func (s *Server) getWatermark(c *gin.Context) {
	stage, err := models.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := s.tracking.Get(c.Request.Context(), stage, c.Param("symbol"))
	if errors.Is(err, tracking.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, w)
}

type putWatermarkRequest struct {
	Stage         string    `json:"stage" binding:"required"`
	Symbol        string    `json:"symbol" binding:"required"`
	LastProcessed time.Time `json:"last_processed" binding:"required"`
}

// putWatermark overwrites a watermark. This is the manual lever for replaying
// history: setting a symbol's watermark back causes the next run to rebuild
// from that month forward.
func (s *Server) putWatermark(c *gin.Context) {
	var req putWatermarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stage, err := models.ParseStage(req.Stage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	put := tracking.PutRequest{
		Stage:         stage,
		Symbol:        req.Symbol,
		LastProcessed: req.LastProcessed,
	}
	if err := s.tracking.Put(c.Request.Context(), put); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("watermark overwritten",
		"stage", stage, "symbol", req.Symbol, "last_processed", req.LastProcessed)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) deleteWatermark(c *gin.Context) {
	stage, err := models.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.tracking.Delete(c.Request.Context(), stage, c.Param("symbol")); err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marduk/internal/coordinator"
	"marduk/internal/health"
	"marduk/internal/logging"
	"marduk/internal/mardukerr"
)

// Options configures the HTTP host.
type Options struct {
	Host   string
	Port   int
	Debug  bool
	Logger logging.Logger
}

// Server hosts the worker WebSocket endpoint plus the query, health, and
// metrics routes.
type Server struct {
	hub      *Hub
	coord    *coordinator.Coordinator
	monitor  *health.Monitor
	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// New wires the routes. The coordinator and monitor may be nil, in which
// case the corresponding routes report unavailable.
func New(hub *Hub, coord *coordinator.Coordinator, monitor *health.Monitor, opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		hub:     hub,
		coord:   coord,
		monitor: monitor,
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.OrNop(opts.Logger),
	}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", s.handleWorker)
	engine.POST("/query", s.handleQuery)
	engine.GET("/stats", s.handleStats)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	status := s.monitor.OverallStatus()
	code := http.StatusOK
	if status == health.StatusUnhealthy || status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"components": gin.H{
			health.ComponentAI:     s.monitor.ComponentStatus(health.ComponentAI),
			health.ComponentMemory: s.monitor.ComponentStatus(health.ComponentMemory),
			health.ComponentAPI:    s.monitor.ComponentStatus(health.ComponentAPI),
		},
		"alerts": len(s.monitor.Alerts()),
	})
}

func (s *Server) handleWorker(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	if err := s.hub.ServeConn(c.Request.Context(), conn); err != nil {
		s.logger.Warn("worker connection rejected: %v", err)
	}
}

type queryRequest struct {
	Query        string `json:"query" binding:"required"`
	Context      string `json:"context"`
	SystemPrompt string `json:"systemPrompt"`
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.coord == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordinator not available"})
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record := func(fn func() error) error { return fn() }
	if s.monitor != nil {
		record = func(fn func() error) error {
			return s.monitor.MeasureResponseTime(health.ComponentAPI, "/query", fn)
		}
	}

	opts := coordinator.QueryOptions{SystemPrompt: req.SystemPrompt}
	if req.Context != "" {
		opts.Context = []string{req.Context}
	}
	var result *coordinator.Result
	err := record(func() error {
		var innerErr error
		result, innerErr = s.coord.ProcessQuery(c.Request.Context(), req.Query, opts)
		return innerErr
	})
	if err != nil {
		status := http.StatusInternalServerError
		if mardukerr.IsValidation(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{"workers": gin.H{}}
	if s.hub != nil {
		workers := gin.H{}
		for _, name := range s.hub.Subsystems() {
			workers[name] = s.hub.WorkerCount(name)
		}
		stats["workers"] = workers
	}
	if s.coord != nil {
		stats["coordinator"] = s.coord.CacheStats()
	}
	if s.monitor != nil {
		stats["health"] = gin.H{
			"status":    s.monitor.OverallStatus(),
			"snapshots": len(s.monitor.Snapshots()),
		}
	}
	c.JSON(http.StatusOK, stats)
}

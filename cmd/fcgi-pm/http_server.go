package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

// poolView is the part of the pool manager the admin server needs
type poolView interface {
	Health() procmgr.HealthCheck
	Post(msg procmgr.Message) error
}

// AdminServer serves metrics, health and a signal endpoint over HTTP
type AdminServer struct {
	pool   poolView
	router *gin.Engine
	server *http.Server
	logger *slog.Logger
}

// signalBody is the JSON form of a signal message
type signalBody struct {
	Op          string `json:"op" binding:"required"`
	Path        string `json:"path" binding:"required"`
	User        string `json:"user"`
	Group       string `json:"group"`
	QueueMicros int64  `json:"queue_us"`
	RunMicros   int64  `json:"run_us"`
}

// NewAdminServer creates the admin server listening on addr
func NewAdminServer(addr string, pool poolView, gatherer prometheus.Gatherer, logger *slog.Logger) *AdminServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	as := &AdminServer{
		pool:   pool,
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "admin"),
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/healthz", as.handleHealth)
	router.GET("/classes/*path", as.handleClass)
	router.POST("/signal", as.handleSignal)

	return as
}

// Run serves until ctx is done
func (as *AdminServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		as.logger.Info("admin server listening", "addr", as.server.Addr)
		if err := as.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := as.server.Shutdown(shutdownCtx); err != nil {
		as.logger.Error("failed to shutdown admin server", "error", err)
	}
	return nil
}

// handleHealth returns the pool snapshot, with 503 while any class is bad
func (as *AdminServer) handleHealth(c *gin.Context) {
	h := as.pool.Health()
	status := http.StatusOK
	if h.BadClasses > 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// handleClass returns one class, addressed by its executable path with
// optional user and group query parameters
func (as *AdminServer) handleClass(c *gin.Context) {
	id := procmgr.ClassID{Path: c.Param("path"), User: c.Query("user"), Group: c.Query("group")}
	ch, ok := as.pool.Health().Classes[id.String()]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown class", "class": id.String()})
		return
	}
	c.JSON(http.StatusOK, ch)
}

// handleSignal posts a signal message on behalf of an HTTP caller
func (as *AdminServer) handleSignal(c *gin.Context) {
	var body signalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := procmgr.ParseOpcode(body.Op)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := procmgr.Message{
		Op:          op,
		Class:       procmgr.ClassID{Path: body.Path, User: body.User, Group: body.Group},
		QueueMicros: body.QueueMicros,
		RunMicros:   body.RunMicros,
	}
	if _, err := msg.Encode(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := as.pool.Post(msg); err != nil {
		as.logger.Warn("signal rejected", "class", body.Path, "op", op.String(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"op": op.String(), "class": msg.Class.String()})
}

// Package api serves the HTTP admin surface: a public banner and health
// check, and an API-key-guarded group exposing server status, metrics,
// and room listings.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/keystore"
	"github.com/opd-ai/adatp/metrics"
	"github.com/opd-ai/adatp/room"
	"github.com/opd-ai/adatp/server"
)

const shutdownTimeout = 10 * time.Second

// Options configure the admin API listener.
type Options struct {
	// Addr is the listen address, e.g. ":3000".
	Addr string

	// Version is reported by the status endpoint.
	Version string
}

// Server is the admin HTTP server.
type Server struct {
	opts    Options
	engine  *gin.Engine
	httpSrv *http.Server

	core    *server.Server
	stats   *metrics.Collector
	rooms   *room.Registry
	keys    *keystore.Store
	started time.Time
}

// New assembles the admin server. It does not listen until Run or Serve.
func New(opts Options, core *server.Server, stats *metrics.Collector, rooms *room.Registry, keys *keystore.Store) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		opts:    opts,
		engine:  engine,
		core:    core,
		stats:   stats,
		rooms:   rooms,
		keys:    keys,
		started: time.Now(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleBanner)
	s.engine.GET("/healthz", s.handleHealthz)

	guarded := s.engine.Group("/", s.apiKeyAuth())
	{
		guarded.GET("/api/status", s.handleStatus)
		guarded.GET("/api/metrics", s.handleMetrics)
		guarded.GET("/api/rooms", s.handleRooms)
		guarded.GET("/api/rooms/:name", s.handleRoom)
		guarded.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.stats.Registry(), promhttp.HandlerOpts{})))
	}
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
	}).Info("Admin API listening")

	errCh := make(chan error, 1)
	go func() {
		err := s.httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// apiKeyAuth validates the x-api-key header against the keystore.
func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("x-api-key")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		ok, err := s.keys.Validate(c.Request.Context(), token)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "apiKeyAuth",
				"error":    err,
			}).Error("Key validation failed")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "key validation unavailable"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logrus.WithFields(logrus.Fields{
			"function": "requestLogger",
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start),
			"client":   c.ClientIP(),
		}).Debug("Request served")
	}
}

// Package server exposes the health and status surface over HTTP. The
// platform's public API layer lives elsewhere; this server only aggregates
// component status for health checks and scrapes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource is any component exposing observable state.
type StatusSource interface {
	Status() map[string]interface{}
}

// Config configures the status server.
type Config struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	return nil
}

// Server serves /healthz, /status and /metrics.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	sources map[string]StatusSource
	httpSrv *http.Server
}

// New creates the status server over the named component sources.
func New(cfg Config, gatherer prometheus.Gatherer, sources map[string]StatusSource, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		sources: sources,
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down within the given grace period.
func (s *Server) Stop(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(c *gin.Context) {
	out := make(gin.H, len(s.sources))
	for name, src := range s.sources {
		out[name] = src.Status()
	}
	c.JSON(http.StatusOK, out)
}

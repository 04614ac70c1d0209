package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rwa-market/pricesync/internal/dedup"
	"github.com/rwa-market/pricesync/internal/engine"
	"github.com/rwa-market/pricesync/internal/model"
)

// Service is the engine surface the API exposes.
type Service interface {
	Status() engine.Status
	Quotes() []model.Quote
	GetQuote(key model.InstrumentKey) (model.Quote, bool)
	Refresh(ctx context.Context) dedup.Result
	Reconnect() error
	WatchSet() []model.InstrumentKey
	Watch(keys ...model.InstrumentKey) int
	Unwatch(keys ...model.InstrumentKey) int
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	Mode            string // gin mode
	ShutdownTimeout time.Duration
}

// Server hosts the gin router.
type Server struct {
	cfg    Config
	svc    Service
	logger *slog.Logger
	router *gin.Engine
}

// NewServer creates a server for svc.
func NewServer(cfg Config, svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{cfg: cfg, svc: svc, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("http server stopped")
		return nil
	case err, ok := <-errCh:
		if ok && err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/status", s.status)
	r.GET("/quotes", s.listQuotes)
	r.GET("/quotes/:chain/:id", s.getQuote)
	r.POST("/quotes/refresh", s.refresh)
	r.POST("/reconnect", s.reconnect)
	r.GET("/watch", s.watchSet)
	r.POST("/watch", s.watch)
	r.DELETE("/watch", s.unwatch)

	return r
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

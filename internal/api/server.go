package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr            string
	Production      bool
	ShutdownTimeout time.Duration
	// AllowedOrigins may open the event stream besides same-origin pages.
	AllowedOrigins []string
}

// Server wraps the gin engine with graceful shutdown helpers.
type Server struct {
	cfg     Config
	engine  *gin.Engine
	log     zerolog.Logger
	handler *Handler
}

func New(cfg Config, handler *Handler, httpMetrics *HTTPMetrics, log zerolog.Logger) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	if httpMetrics != nil {
		engine.Use(httpMetrics.Middleware())
		engine.GET("/metrics", gin.WrapH(httpMetrics.Handler()))
	}
	handler.upgrader = newUpgrader(cfg.AllowedOrigins)
	registerRoutes(engine, handler)

	return &Server{
		cfg:     cfg,
		engine:  engine,
		log:     log.With().Str("component", "http").Logger(),
		handler: handler,
	}
}

func registerRoutes(engine *gin.Engine, h *Handler) {
	engine.GET("/health", h.Health)

	v1 := engine.Group("/api/v1")

	sessions := v1.Group("/sessions")
	sessions.POST("", h.CreateSession)
	sessions.GET("", h.ListSessions)
	sessions.GET("/:id", h.GetSession)
	sessions.DELETE("/:id", h.CloseSession)
	sessions.POST("/:id/accept", h.AcceptSession)
	sessions.POST("/:id/generate", h.Generate)
	sessions.POST("/:id/refine", h.Refine)
	sessions.PUT("/:id/prompt", h.UpdatePrompt)
	sessions.POST("/:id/cancel", h.Cancel)
	sessions.PUT("/:id/auto-refine", h.SetAutoRefine)
	sessions.GET("/:id/events", h.StreamEvents)

	history := v1.Group("/history")
	history.GET("/sessions", h.HistorySessions)
	history.GET("/sessions/:id", h.HistorySession)
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP listener and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("Context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

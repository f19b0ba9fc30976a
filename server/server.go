// Package server exposes the facilitator over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	facilitator "github.com/openx402/facilitator"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/types"
)

// requestIDHeader carries the per-request correlation id.
const requestIDHeader = "X-Request-Id"

// Server is the HTTP front end. All protocol responses are JSON.
type Server struct {
	facilitator *facilitator.Facilitator
	log         logger.Logger
	engine      *gin.Engine
	http        *http.Server
}

// metricsProvider is implemented by recorders that expose a scrape
// endpoint.
type metricsProvider interface {
	Handler() http.Handler
}

// New builds the router. metrics may be nil when no scrape endpoint is
// wanted.
func New(f *facilitator.Facilitator, log logger.Logger, metrics metricsProvider) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{facilitator: f, log: log, engine: engine}
	engine.Use(s.requestID(), s.accessLog())

	engine.GET("/", s.handleRoot)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/health", s.handleHealth)
	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.log.Info("http server listening", map[string]any{"addr": addr})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.log.Debug("request", map[string]any{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  time.Since(started).String(),
			"requestId": c.GetString("requestID"),
		})
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "x402 facilitator"})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.Supported())
}

func (s *Server) handleHealth(c *gin.Context) {
	networks := s.facilitator.Health(c.Request.Context())

	healthy := true
	for _, up := range networks {
		if !up {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "networks": networks})
}

func (s *Server) handleVerify(c *gin.Context) {
	var req types.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.Invalid(types.ReasonInvalidPayload))
		return
	}
	c.JSON(http.StatusOK, s.facilitator.Verify(c.Request.Context(), &req))
}

func (s *Server) handleSettle(c *gin.Context) {
	var req types.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.SettlementResult{
			Success:     false,
			ErrorReason: types.ReasonInvalidPayload,
		})
		return
	}
	c.JSON(http.StatusOK, s.facilitator.Settle(c.Request.Context(), &req))
}

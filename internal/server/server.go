// Package server exposes the colorization service over HTTP with gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"photo-colorizer/internal/core"
	"photo-colorizer/internal/grading"
	"photo-colorizer/internal/model"
	"photo-colorizer/internal/scratch"
	"photo-colorizer/internal/service"
	"photo-colorizer/internal/telemetry"
)

// Version is reported by / and /health
const Version = "1.0.0"

// Options tunes the HTTP boundary
type Options struct {
	// RequestTimeout bounds a colorize call; 0 means no limit
	RequestTimeout time.Duration
	// RateLimit is the sustained /colorize rate per second; 0 disables limiting
	RateLimit float64
	RateBurst int
}

// Server routes HTTP requests to the colorization service
type Server struct {
	svc       *service.Service
	manager   *model.Manager
	telemetry *telemetry.Collectors
	logger    logrus.FieldLogger
	opts      Options
	limiter   *rate.Limiter
	engine    *gin.Engine
}

// New builds the router. collectors may be nil.
func New(svc *service.Service, manager *model.Manager, collectors *telemetry.Collectors, logger logrus.FieldLogger, opts Options) *Server {
	s := &Server{
		svc:       svc,
		manager:   manager,
		telemetry: collectors,
		logger:    logger,
		opts:      opts,
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.RateBurst, 1))
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLogger(logger))
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/models", s.handleModels)
	s.engine.GET("/parameters", s.handleParameters)
	s.engine.POST("/colorize", rateLimit(s.limiter), s.handleColorize)
	if s.telemetry != nil {
		s.engine.GET("/metrics", gin.WrapH(s.telemetry.Handler()))
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// statusFor maps a colorize error onto an HTTP status
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, scratch.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrInvalidImage),
		errors.Is(err, core.ErrEmptyImage),
		errors.Is(err, grading.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func failure(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{
		"success":    false,
		"error":      err.Error(),
		"request_id": c.GetString(requestIDKey),
	})
}

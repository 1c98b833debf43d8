// Package httpapi is the HTTP boundary of the transcription service.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	// multipartOverhead is allowed on top of the audio ceiling for form
	// boundaries and the small text fields.
	multipartOverhead = 1 << 20
	defaultRetryAfter = 2 * time.Second
)

// Transcriber is the pipeline as seen by the handlers.
type Transcriber interface {
	Transcribe(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Options struct {
	Transcriber Transcriber
	// Tiers reports usable and unavailable tiers for /v1/tiers.
	Tiers func() []TierStatus
	// Ready returns nil once the service can accept work.
	Ready          func() error
	Metrics        http.Handler
	MaxUploadBytes int64
	RetryAfter     time.Duration
	Logger         *zap.Logger
	Debug          bool
}

type TierStatus struct {
	Tier      string `json:"tier"`
	Available bool   `json:"available"`
	Accuracy  int    `json:"accuracy"`
	Latency   int    `json:"latency"`
}

// NewRouter builds the gin engine with recovery, request IDs and access
// logging.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Transcriber == nil {
		return nil, errors.New("http router requires a transcriber")
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, errors.New("http router requires a positive upload limit")
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaultRetryAfter
	}
	logger := logging.OrNop(opts.Logger)

	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(loggingMiddleware(logger))

	h := &handlers{opts: opts, logger: logger}

	engine.GET("/", h.live)
	engine.GET("/healthz", h.health)
	engine.GET("/readyz", h.ready)
	engine.GET("/v1/tiers", h.tiers)
	engine.POST("/v1/transcribe", h.transcribe)
	engine.POST("/transcribe", h.transcribe)
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	return engine, nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String(requestIDKey, c.GetString(requestIDKey)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Warn("http request", fields...)
		case c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/readyz" || c.Request.URL.Path == "/metrics":
			logger.Debug("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}

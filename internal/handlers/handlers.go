package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/logging"
	"github.com/example/tumorscan/internal/usecase"
)

// MaxRequestSize is the default request body limit. Images arrive as base64
// data URIs, roughly a third larger than the file.
const MaxRequestSize = 25 << 20

const requestIDHeader = "X-Request-ID"

// Predictor runs the prediction flow.
type Predictor interface {
	Predict(ctx context.Context, req usecase.AnalysisRequest) (*usecase.PredictionResponse, error)
}

// Analyzer runs the explanation flow.
type Analyzer interface {
	Analyze(ctx context.Context, req usecase.ExplanationRequest) (*usecase.ExplanationResult, error)
}

// MetricsReporter summarizes the audit log.
type MetricsReporter interface {
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options carries the optional pieces of the HTTP surface.
type Options struct {
	// Protect guards the engine-backed routes, e.g. JWT auth and rate limiting.
	Protect      []gin.HandlerFunc
	Metrics      MetricsReporter
	MaxBodyBytes int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, predictor Predictor, analyzer Analyzer, opts Options) {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = MaxRequestSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	predict := func(c *gin.Context) {
		var req usecase.AnalysisRequest
		if !bindJSON(c, &req) {
			return
		}
		resp, err := predictor.Predict(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}

	analyze := func(c *gin.Context) {
		var req usecase.ExplanationRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := analyzer.Analyze(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}

	engineRoutes := router.Group("/", append([]gin.HandlerFunc{limitBody(maxBody)}, opts.Protect...)...)
	engineRoutes.POST("/predict", predict)
	engineRoutes.POST("/analysis", analyze)
	// Paths used by the original browser client.
	engineRoutes.POST("/api/predict", predict)
	engineRoutes.POST("/api/gpt-analysis", analyze)

	if opts.Metrics != nil {
		metrics := router.Group("/", opts.Protect...)
		metrics.GET("/metrics", func(c *gin.Context) {
			summary, err := opts.Metrics.GetMetricsSummary(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
				return
			}
			c.JSON(http.StatusOK, summary)
		})
	}
}

// RequestID assigns every request an identifier, reusing a well-formed
// incoming X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.Writer.Header().Get(requestIDHeader)),
		)
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "kind": engine.KindClient.String()})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error(), "kind": engine.KindClient.String()})
	return false
}

func writeError(c *gin.Context, err error) {
	message := err.Error()
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		message = engErr.Error()
	}
	kind := engine.KindOf(err)
	c.JSON(StatusFor(kind), gin.H{"error": message, "kind": kind.String()})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindClient:
		return http.StatusBadRequest
	case engine.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

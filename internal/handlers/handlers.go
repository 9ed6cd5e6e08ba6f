package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/sketch-match/internal/catalogue"
	"github.com/example/sketch-match/internal/domain"
	"github.com/example/sketch-match/internal/usecase"
)

const (
	// DefaultMaxBodyBytes bounds the request body when Options leaves it unset.
	DefaultMaxBodyBytes int64 = 8 << 20

	defaultReadyTimeout = 2 * time.Second

	messageNoMatch      = "No matching shapes found in the registry."
	messageBodyTooLarge = "Request body too large."
)

// Recognizer runs the recognition pipeline.
type Recognizer interface {
	Recognize(ctx context.Context, sketch domain.SketchImage) domain.Outcome
	GetMetricsSummary() *usecase.MetricsSummary
}

// ReadinessChecker reports whether the catalogue can serve queries.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
	Leases() catalogue.LeaseStats
}

// Options tunes the routes.
type Options struct {
	MaxBodyBytes int64
	ReadyTimeout time.Duration
	// Guards run before the recognize handler, e.g. bearer-token auth.
	Guards []gin.HandlerFunc
}

type recognizeRequest struct {
	Image string `json:"image"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc Recognizer, ready ReadinessChecker, opts Options) {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), opts.ReadyTimeout)
		defer cancel()

		if err := ready.Ping(ctx); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "catalogue_leases": ready.Leases()})
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.GetMetricsSummary())
	})

	chain := append([]gin.HandlerFunc{}, opts.Guards...)
	chain = append(chain, recognizeHandler(uc, opts.MaxBodyBytes))
	router.POST("/api/shapes/recognize", chain...)
}

func recognizeHandler(uc Recognizer, maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

		var req recognizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": messageBodyTooLarge})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": usecase.MessageInvalidImage})
			return
		}
		if req.Image == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": usecase.MessageInvalidImage})
			return
		}

		outcome := uc.Recognize(c.Request.Context(), domain.SketchImage{DataURI: req.Image})
		switch outcome.Status {
		case domain.StatusSuccess:
			c.JSON(http.StatusOK, outcome.Match)
		case domain.StatusNoMatch:
			c.JSON(http.StatusNotFound, gin.H{"error": messageNoMatch})
		default:
			if outcome.Err != nil {
				_ = c.Error(outcome.Err)
			}
			c.JSON(statusForKind(outcome.Kind), gin.H{"error": outcome.Detail})
		}
	}
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

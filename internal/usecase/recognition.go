package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/sketch-match/internal/domain"
	"github.com/example/sketch-match/internal/extractor"
	"github.com/example/sketch-match/internal/logging"
)

const (
	// MessageInvalidImage is returned for any sketch the normalizer rejects.
	MessageInvalidImage = "Invalid or missing image data."
	// MessageNoFeatures is returned when the extractor finds nothing to describe.
	MessageNoFeatures = "Could not extract features from shape."
	// MessageExtractorUnavailable is returned when the extractor cannot be reached.
	MessageExtractorUnavailable = "Feature extraction service unavailable."
	// MessageMatchFailed is returned when the catalogue query fails.
	MessageMatchFailed = "Shape lookup failed."

	operationRecognize = "usecase.recognize"
)

// Normalizer turns an inbound sketch into an opaque PNG.
type Normalizer interface {
	Normalize(img domain.SketchImage) (domain.NormalizedImage, error)
}

// Extractor computes a feature vector for a normalized image.
type Extractor interface {
	Extract(ctx context.Context, img domain.NormalizedImage) (domain.FeatureVector, error)
}

// Matcher finds the closest catalogued shape.
type Matcher interface {
	FindNearest(ctx context.Context, vec domain.FeatureVector) (domain.MatchResult, error)
}

// RecognitionUseCase runs normalize, extract and match for a single sketch.
type RecognitionUseCase struct {
	normalizer Normalizer
	extractor  Extractor
	matcher    Matcher
	stats      *RecognitionStats
	logger     *zap.Logger
	now        func() time.Time
}

// NewRecognitionUseCase constructs a new use case instance.
func NewRecognitionUseCase(norm Normalizer, ext Extractor, matcher Matcher, logger *zap.Logger) *RecognitionUseCase {
	return &RecognitionUseCase{
		normalizer: norm,
		extractor:  ext,
		matcher:    matcher,
		stats:      &RecognitionStats{},
		logger:     logger.Named("recognition_usecase"),
		now:        time.Now,
	}
}

// Recognize never returns partial results: exactly one of success, no match or
// failure is reported, and the first failing stage ends the request.
func (uc *RecognitionUseCase) Recognize(ctx context.Context, sketch domain.SketchImage) domain.Outcome {
	start := uc.now()
	outcome := uc.recognize(ctx, sketch)
	uc.stats.record(outcome, uc.now().Sub(start))
	return outcome
}

func (uc *RecognitionUseCase) recognize(ctx context.Context, sketch domain.SketchImage) domain.Outcome {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, operationRecognize, requestID)

	normalized, err := uc.normalizer.Normalize(sketch)
	if err != nil {
		opLogger.Info("sketch rejected", zap.Error(err))
		return domain.Failure(domain.KindInvalidInput, MessageInvalidImage, err)
	}
	opLogger.Debug("sketch normalized", zap.Int("width", normalized.Width), zap.Int("height", normalized.Height))

	vec, err := uc.extractor.Extract(ctx, normalized)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.extract_features", requestID, err)
		if extractor.IsTransient(err) {
			opLogger.Error("feature extraction unavailable", zap.Error(wrapped))
			return domain.Failure(domain.KindUpstreamUnavailable, MessageExtractorUnavailable, wrapped)
		}
		opLogger.Info("no features extracted", zap.Error(wrapped))
		return domain.Failure(domain.KindInvalidInput, MessageNoFeatures, wrapped)
	}
	opLogger.Debug("features extracted", zap.Int("dimension", len(vec)))

	match, err := uc.matcher.FindNearest(ctx, vec)
	if errors.Is(err, domain.ErrNoMatch) {
		opLogger.Info("catalogue has no shapes")
		return domain.NoMatch()
	}
	if err != nil {
		wrapped := logging.NewOperationError("usecase.find_nearest", requestID, err)
		opLogger.Error("catalogue lookup failed", zap.Error(wrapped))
		return domain.Failure(domain.KindInternal, MessageMatchFailed, wrapped)
	}

	opLogger.Info("shape recognized",
		zap.String("shape_id", match.MatchedShapeID),
		zap.Float64("similarity", match.SimilarityScore),
	)
	return domain.Success(match)
}

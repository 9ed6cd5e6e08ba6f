package catalogue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/sketch-match/internal/domain"
	"github.com/example/sketch-match/internal/logging"
	"github.com/example/sketch-match/internal/resilience"
)

const defaultQueryTimeout = 5 * time.Second

// MatcherOptions configures a Matcher.
type MatcherOptions struct {
	Metric       Metric
	QueryTimeout time.Duration
	Retry        resilience.RetryPolicy
}

// Matcher turns the store's nearest candidate into a scored MatchResult.
type Matcher struct {
	store        Store
	pool         *LeasePool
	metric       Metric
	queryTimeout time.Duration
	retry        resilience.RetryPolicy
	logger       *zap.Logger
}

// NewMatcher builds a Matcher. Every store call runs under a lease from pool.
func NewMatcher(store Store, pool *LeasePool, opts MatcherOptions, logger *zap.Logger) *Matcher {
	if opts.Metric.MaxDistance == 0 {
		opts.Metric = Cosine
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return &Matcher{
		store:        store,
		pool:         pool,
		metric:       opts.Metric,
		queryTimeout: opts.QueryTimeout,
		retry:        opts.Retry,
		logger:       logger.Named("matcher"),
	}
}

// FindNearest returns the closest shape, domain.ErrNoMatch for an empty catalogue,
// or an error wrapping *StoreError.
func (m *Matcher) FindNearest(ctx context.Context, vec domain.FeatureVector) (domain.MatchResult, error) {
	if err := vec.Validate(); err != nil {
		return domain.MatchResult{}, &StoreError{Reason: "invalid query vector", Err: err}
	}

	var (
		candidate Candidate
		noMatch   bool
	)
	err := resilience.Retry(ctx, m.retry, m.logger, "catalogue.find_nearest", IsTransient, func(ctx context.Context) error {
		c, err := m.query(ctx, vec)
		if errors.Is(err, domain.ErrNoMatch) {
			noMatch = true
			return nil
		}
		if err != nil {
			return err
		}
		candidate = c
		return nil
	})
	if err != nil {
		return domain.MatchResult{}, err
	}
	if noMatch {
		return domain.MatchResult{}, domain.ErrNoMatch
	}

	score, err := Similarity(candidate.Distance, m.metric.MaxDistance)
	if err != nil {
		logging.WithOperation(m.logger, "catalogue.find_nearest", logging.RequestIDFromContext(ctx)).
			Error("store returned unusable distance", zap.String("shape_id", candidate.ID), zap.Float64("distance", candidate.Distance))
		return domain.MatchResult{}, &StoreError{Reason: "unusable distance", Err: err}
	}

	metadata := candidate.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return domain.MatchResult{
		MatchedShapeID:  candidate.ID,
		SimilarityScore: score,
		PreviewImageURL: candidate.PreviewImageURL,
		Metadata:        metadata,
	}, nil
}

// Leases reports how many catalogue leases exist and how many are held.
func (m *Matcher) Leases() LeaseStats { return m.pool.Stats() }

// Ping checks the store is reachable.
func (m *Matcher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	return m.pool.Do(ctx, m.store.Ping)
}

func (m *Matcher) query(ctx context.Context, vec domain.FeatureVector) (Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	var candidate Candidate
	err := m.pool.Do(ctx, func(ctx context.Context) error {
		c, err := m.store.Nearest(ctx, vec)
		if err != nil {
			return err
		}
		candidate = c
		return nil
	})
	if err == nil || errors.Is(err, domain.ErrNoMatch) {
		return candidate, err
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return Candidate{}, err
	}
	return Candidate{}, &StoreError{Transient: resilience.IsTransient(err), Reason: "query", Err: err}
}

package usecase

import (
	"sync/atomic"
	"time"

	"github.com/example/sketch-match/internal/domain"
)

// MetricsSummary represents aggregated recognition insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	NoMatchRequests            int64   `json:"no_match_requests"`
	InvalidInputRequests       int64   `json:"invalid_input_requests"`
	UpstreamFailures           int64   `json:"upstream_failures"`
	InternalFailures           int64   `json:"internal_failures"`
	SuccessRate                float64 `json:"success_rate"`
	AverageSimilarity          float64 `json:"average_similarity"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// RecognitionStats counts outcomes since process start.
type RecognitionStats struct {
	total      atomic.Int64
	success    atomic.Int64
	noMatch    atomic.Int64
	invalid    atomic.Int64
	upstream   atomic.Int64
	internal   atomic.Int64
	similarity atomic.Int64 // sum of scores in units of 1e-4
	latency    atomic.Int64 // sum of latencies in microseconds
}

func (s *RecognitionStats) record(outcome domain.Outcome, elapsed time.Duration) {
	s.total.Add(1)
	s.latency.Add(elapsed.Microseconds())

	switch outcome.Status {
	case domain.StatusSuccess:
		s.success.Add(1)
		s.similarity.Add(int64(outcome.Match.SimilarityScore*1e4 + 0.5))
	case domain.StatusNoMatch:
		s.noMatch.Add(1)
	case domain.StatusFailure:
		switch outcome.Kind {
		case domain.KindInvalidInput:
			s.invalid.Add(1)
		case domain.KindUpstreamUnavailable:
			s.upstream.Add(1)
		default:
			s.internal.Add(1)
		}
	}
}

func (s *RecognitionStats) summary() *MetricsSummary {
	summary := &MetricsSummary{
		TotalRequests:        s.total.Load(),
		SuccessfulRequests:   s.success.Load(),
		NoMatchRequests:      s.noMatch.Load(),
		InvalidInputRequests: s.invalid.Load(),
		UpstreamFailures:     s.upstream.Load(),
		InternalFailures:     s.internal.Load(),
	}

	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.SuccessfulRequests) / float64(summary.TotalRequests)
		summary.AverageProcessingLatencyMs = float64(s.latency.Load()) / 1e3 / float64(summary.TotalRequests)
	}
	if summary.SuccessfulRequests > 0 {
		summary.AverageSimilarity = float64(s.similarity.Load()) / 1e4 / float64(summary.SuccessfulRequests)
	}

	return summary
}

// GetMetricsSummary aggregates recognition counters.
func (uc *RecognitionUseCase) GetMetricsSummary() *MetricsSummary {
	return uc.stats.summary()
}

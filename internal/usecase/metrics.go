package usecase

import (
	"context"

	"github.com/example/tumorscan/internal/repository"
)

// MetricsSource aggregates the audit log.
type MetricsSource interface {
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// MetricsSummary represents aggregated inference insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	TumorDetections    int64   `json:"tumor_detections"`
	ToleratedWarnings  int64   `json:"tolerated_warnings"`
	AverageConfidence  float64 `json:"average_confidence"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// MetricsUseCase exposes summary statistics over the audit log.
type MetricsUseCase struct {
	source MetricsSource
}

// NewMetricsUseCase constructs a new use case instance.
func NewMetricsUseCase(source MetricsSource) *MetricsUseCase {
	return &MetricsUseCase{source: source}
}

// GetMetricsSummary aggregates metrics from persisted audit entries.
func (uc *MetricsUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.source.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		TumorDetections:    aggregation.TumorCount,
		ToleratedWarnings:  aggregation.ToleratedCount,
		AverageConfidence:  aggregation.AverageConfidence,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

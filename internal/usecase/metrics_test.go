package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/example/tumorscan/internal/repository"
)

type stubMetricsSource struct {
	agg *repository.MetricsAggregation
	err error
}

func (s stubMetricsSource) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.agg, s.err
}

func TestGetMetricsSummary(t *testing.T) {
	uc := NewMetricsUseCase(stubMetricsSource{agg: &repository.MetricsAggregation{
		TotalCount:        4,
		SuccessCount:      3,
		TumorCount:        2,
		AverageConfidence: 0.8,
		AverageLatencyMs:  120,
	}})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SuccessRate != 0.75 || summary.TumorDetections != 2 || summary.AverageLatencyMs != 120 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGetMetricsSummaryEmpty(t *testing.T) {
	summary, err := NewMetricsUseCase(stubMetricsSource{agg: &repository.MetricsAggregation{}}).GetMetricsSummary(context.Background())
	if err != nil || summary.SuccessRate != 0 {
		t.Fatalf("unexpected result %+v %v", summary, err)
	}
}

func TestGetMetricsSummaryError(t *testing.T) {
	want := errors.New("db down")
	if _, err := NewMetricsUseCase(stubMetricsSource{err: want}).GetMetricsSummary(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

package usecase

import "context"

// MetricsSummary represents aggregated liveness insights.
type MetricsSummary struct {
	TotalAttempts     int64   `json:"total_attempts"`
	LiveAttempts      int64   `json:"live_attempts"`
	LiveRate          float64 `json:"live_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageFrameCount float64 `json:"average_frame_count"`
}

// GetMetricsSummary aggregates verdict metrics from persisted attempt logs.
func (uc *AttemptUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAttempts:     aggregation.TotalCount,
		LiveAttempts:      aggregation.LiveCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageFrameCount: aggregation.AverageFrameCount,
	}

	if aggregation.TotalCount > 0 {
		summary.LiveRate = float64(aggregation.LiveCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

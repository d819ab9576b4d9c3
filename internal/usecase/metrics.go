package usecase

import "context"

// MetricsSummary represents aggregated processing insights.
type MetricsSummary struct {
	Model                      string  `json:"model"`
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	SuccessRate                float64 `json:"success_rate"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
	TotalInputBytes            int64   `json:"total_input_bytes"`
}

// GetMetricsSummary aggregates processing metrics from persisted job logs.
func (uc *RemovalUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.jobs == nil {
		return nil, ErrMetricsDisabled
	}
	aggregation, err := uc.jobs.AggregateMetrics(ctx)
	if err != nil {
		return nil, processingError("usecase.metrics_summary", "", err)
	}

	summary := &MetricsSummary{
		Model:                      uc.remover.Model(),
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		AverageProcessingLatencyMs: aggregation.AverageDurationMs,
		TotalInputBytes:            aggregation.TotalInputBytes,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

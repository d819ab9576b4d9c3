package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/pixelforge/internal/logging"
)

// JobLog is one processed file.
type JobLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;index;size:64"`
	ArtifactID string    `gorm:"column:artifact_id;size:32"`
	Source     string    `gorm:"column:source;size:16"`
	Filename   string    `gorm:"column:filename;size:255"`
	Model      string    `gorm:"column:model;size:32"`
	Success    bool      `gorm:"column:success"`
	Error      string    `gorm:"column:error;type:text"`
	InputBytes int64     `gorm:"column:input_bytes"`
	DurationMs int64     `gorm:"column:duration_ms"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (JobLog) TableName() string {
	return "job_logs"
}

// MetricsAggregation is the raw aggregate behind /stats.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageDurationMs float64
	TotalInputBytes   int64
}

// JobRepository persists job logs.
type JobRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewJobRepository creates a new repository instance.
func NewJobRepository(db *gorm.DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:             db,
		logger:         logger.Named("job_repository"),
		retryAttempts:  3,
		initialBackoff: 25 * time.Millisecond,
		maxBackoff:     500 * time.Millisecond,
	}
}

// AutoMigrate ensures the schema is available.
func (r *JobRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&JobLog{})
}

// SaveLog persists a job log entry.
func (r *JobRepository) SaveLog(ctx context.Context, log *JobLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics summarizes every stored job.
func (r *JobRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		Total      int64
		Successful int64
		AvgMs      float64
		Bytes      int64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&JobLog{}).
			Select("COUNT(*) AS total, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successful, " +
				"COALESCE(AVG(duration_ms), 0) AS avg_ms, " +
				"COALESCE(SUM(input_bytes), 0) AS bytes").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:        row.Total,
		SuccessCount:      row.Successful,
		AverageDurationMs: row.AvgMs,
		TotalInputBytes:   row.Bytes,
	}, nil
}

func (r *JobRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !isTransientError(err) {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}

	opLogger.Error("database operation failed", zap.Error(err))
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}

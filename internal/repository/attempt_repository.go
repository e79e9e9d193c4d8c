package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/livecapture/internal/logging"
)

// AttemptLog is one persisted terminal verdict.
type AttemptLog struct {
	ID            uint      `gorm:"primaryKey"`
	AttemptID     string    `gorm:"column:attempt_id;uniqueIndex;size:64"`
	Identifier    string    `gorm:"column:identifier;size:16"`
	Method        string    `gorm:"column:method;size:16"`
	SessionID     string    `gorm:"column:session_id;size:64"`
	IsLive        bool      `gorm:"column:is_live"`
	Confidence    float64   `gorm:"column:confidence"`
	FaceImageRef  string    `gorm:"column:face_image_ref;type:text"`
	FailureReason string    `gorm:"column:failure_reason;type:text"`
	ErrorCode     string    `gorm:"column:error_code;size:64"`
	FrameCount    int       `gorm:"column:frame_count"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AttemptLog) TableName() string {
	return "attempt_logs"
}

// MetricsAggregation is the raw aggregate used for the metrics summary.
type MetricsAggregation struct {
	TotalCount        int64   `gorm:"column:total_count"`
	LiveCount         int64   `gorm:"column:live_count"`
	AverageConfidence float64 `gorm:"column:average_confidence"`
	AverageFrameCount float64 `gorm:"column:average_frame_count"`
}

// AttemptRepository provides persistence for attempt logs.
type AttemptRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:             db,
		logger:         logger.Named("attempt_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AttemptRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AttemptLog{})
}

// SaveLog persists an attempt log entry.
func (r *AttemptRepository) SaveLog(ctx context.Context, log *AttemptLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.AttemptID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByAttemptID retrieves the attempt log for an attempt identifier.
func (r *AttemptRepository) FindByAttemptID(ctx context.Context, attemptID string) (*AttemptLog, error) {
	var log AttemptLog
	if err := r.db.WithContext(ctx).First(&log, "attempt_id = ?", attemptID).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes process-wide verdict aggregates.
func (r *AttemptRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.db.WithContext(ctx).
		Model(&AttemptLog{}).
		Select("COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN is_live THEN 1 ELSE 0 END), 0) AS live_count, " +
			"COALESCE(AVG(confidence), 0) AS average_confidence, " +
			"COALESCE(AVG(frame_count), 0) AS average_frame_count").
		Scan(&aggregation).Error
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

func (r *AttemptRepository) executeWithRetry(ctx context.Context, operation, attemptID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, attemptID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, attemptID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, attemptID, ctx.Err())
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

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, attemptID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, attemptID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

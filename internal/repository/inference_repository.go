package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/tumorscan/internal/logging"
)

// Operation names stored in InferenceLog.Operation.
const (
	OperationPredict  = "predict"
	OperationAnalysis = "analysis"
)

// Outcome values stored in InferenceLog.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// InferenceLog is one audited call to an engine-backed endpoint. It is written
// after the response is decided and never read back by request handling.
type InferenceLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Operation      string    `gorm:"column:operation;size:32;index"`
	ClientID       string    `gorm:"column:client_id;size:128"`
	Outcome        string    `gorm:"column:outcome;size:16"`
	ErrorKind      string    `gorm:"column:error_kind;size:32"`
	ErrorMessage   string    `gorm:"column:error_message;type:text"`
	Result         string    `gorm:"column:result;size:32"`
	PredictedClass string    `gorm:"column:predicted_class;size:64"`
	Confidence     float64   `gorm:"column:confidence"`
	ImageSHA1      string    `gorm:"column:image_sha1;size:40;index"`
	Tolerated      bool      `gorm:"column:tolerated"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (InferenceLog) TableName() string {
	return "inference_logs"
}

// MetricsAggregation holds raw aggregates over InferenceLog rows.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	TumorCount        int64
	ToleratedCount    int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// InferenceRepository persists audit entries with retries on transient errors.
type InferenceRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewInferenceRepository creates a new repository instance.
func NewInferenceRepository(db *gorm.DB, logger *zap.Logger) *InferenceRepository {
	return &InferenceRepository{
		db:             db,
		logger:         logger.Named("inference_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *InferenceRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&InferenceLog{})
	})
}

// SaveLog persists an audit entry.
func (r *InferenceRepository) SaveLog(ctx context.Context, log *InferenceLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics summarizes every stored entry.
func (r *InferenceRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&InferenceLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN result = ? THEN 1 ELSE 0 END), 0) AS tumor_count,
				COALESCE(SUM(CASE WHEN tolerated THEN 1 ELSE 0 END), 0) AS tolerated_count,
				COALESCE(AVG(CASE WHEN operation = ? AND outcome = ? THEN confidence END), 0) AS average_confidence,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`,
				OutcomeSuccess, "Tumor Detected", OperationPredict, OutcomeSuccess).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *InferenceRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
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

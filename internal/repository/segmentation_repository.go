package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/sam-web/internal/retry"
)

// Operation names recorded in the log.
const (
	OperationGenerateMasks = "generate_masks"
	OperationSegment       = "segment"
)

// SegmentationLog records one mask request.
type SegmentationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SessionID  string    `gorm:"column:session_id;index;size:64"`
	Operation  string    `gorm:"column:operation;size:32"`
	ImageID    string    `gorm:"column:image_id;size:40"`
	PointCount int       `gorm:"column:point_count"`
	MaskCount  int       `gorm:"column:mask_count"`
	BestScore  float64   `gorm:"column:best_score"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	Success    bool      `gorm:"column:success"`
	Error      string    `gorm:"column:error;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SegmentationLog) TableName() string {
	return "segmentation_logs"
}

// MetricsAggregation is the raw aggregate over all logged requests.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	TotalMasks       int64
	AverageScore     float64
	AverageLatencyMs float64
}

// SegmentationRepository provides persistence APIs for segmentation logs.
type SegmentationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSegmentationRepository creates a new repository instance.
func NewSegmentationRepository(db *gorm.DB, logger *zap.Logger) *SegmentationRepository {
	return &SegmentationRepository{
		db:             db,
		logger:         logger.Named("segmentation_repository"),
		retryAttempts:  retry.Default.Attempts,
		initialBackoff: retry.Default.InitialBackoff,
		maxBackoff:     retry.Default.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SegmentationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SegmentationLog{})
}

// SaveLog persists a segmentation log entry.
func (r *SegmentationRepository) SaveLog(ctx context.Context, log *SegmentationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log entry of one request.
func (r *SegmentationRepository) FindByRequestID(ctx context.Context, requestID string) (*SegmentationLog, error) {
	var log SegmentationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises every logged request. Scores are averaged over
// successful requests only.
func (r *SegmentationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&SegmentationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(mask_count), 0) AS total_masks,
				COALESCE(AVG(CASE WHEN success THEN best_score END), 0) AS average_score,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *SegmentationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return policy.Do(ctx, r.logger, operation, requestID, fn)
}

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/sam-web/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func newTestRepository(t *testing.T) *SegmentationRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := NewSegmentationRepository(db, zap.NewNop())
	if err := repo.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return repo
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &SegmentationRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &SegmentationRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestSaveAndFindLog(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	log := &SegmentationLog{
		RequestID:  "req-1",
		SessionID:  "s1",
		Operation:  OperationSegment,
		PointCount: 1,
		MaskCount:  1,
		BestScore:  0.75,
		Success:    true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.SaveLog(ctx, log); err != nil {
		t.Fatalf("SaveLog failed: %v", err)
	}

	found, err := repo.FindByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("FindByRequestID failed: %v", err)
	}
	if found.SessionID != "s1" || found.BestScore != 0.75 {
		t.Fatalf("unexpected log: %+v", found)
	}

	if _, err := repo.FindByRequestID(ctx, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestAggregateMetrics(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	entries := []*SegmentationLog{
		{RequestID: "a", Operation: OperationSegment, MaskCount: 1, BestScore: 0.8, LatencyMs: 100, Success: true},
		{RequestID: "b", Operation: OperationGenerateMasks, MaskCount: 9, BestScore: 0.6, LatencyMs: 300, Success: true},
		{RequestID: "c", Operation: OperationSegment, LatencyMs: 200, Success: false, Error: "no image uploaded"},
	}
	for _, e := range entries {
		if err := repo.SaveLog(ctx, e); err != nil {
			t.Fatalf("SaveLog failed: %v", err)
		}
	}

	agg, err := repo.AggregateMetrics(ctx)
	if err != nil {
		t.Fatalf("AggregateMetrics failed: %v", err)
	}
	if agg.TotalCount != 3 || agg.SuccessCount != 2 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.TotalMasks != 10 {
		t.Fatalf("expected 10 masks, got %d", agg.TotalMasks)
	}
	if agg.AverageScore < 0.699 || agg.AverageScore > 0.701 {
		t.Fatalf("expected average score 0.7, got %f", agg.AverageScore)
	}
	if agg.AverageLatencyMs != 200 {
		t.Fatalf("expected average latency 200, got %f", agg.AverageLatencyMs)
	}
}

func TestAggregateMetricsEmpty(t *testing.T) {
	repo := newTestRepository(t)

	agg, err := repo.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("AggregateMetrics failed: %v", err)
	}
	if agg.TotalCount != 0 || agg.AverageScore != 0 {
		t.Fatalf("expected empty aggregation, got %+v", agg)
	}
}

package usecase

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/sam-web/internal/grid"
	"github.com/example/sam-web/internal/imagestore"
	"github.com/example/sam-web/internal/logging"
	"github.com/example/sam-web/internal/repository"
	"github.com/example/sam-web/internal/retry"
	"github.com/example/sam-web/internal/segmenter"
)

// SegmentationRepository defines the persistence operations needed by the use case.
type SegmentationRepository interface {
	SaveLog(ctx context.Context, log *repository.SegmentationLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options are the tunables of the segmentation flow.
type Options struct {
	// MaxSize bounds the longer side of uploaded images. Zero keeps them as is.
	MaxSize int
	// MaxPixels rejects uploads declaring more pixels than this. Zero selects
	// imagestore.DefaultMaxPixels.
	MaxPixels int
	// GridStride is the spacing of the generate-all sampling grid.
	GridStride int
	// Multimask asks the model for several candidates per prompt.
	Multimask bool
	// SaveDir, when set, receives a PNG copy of every upload.
	SaveDir string
}

// SegmentationUseCase composes the image store, the model and the audit log.
type SegmentationUseCase struct {
	store  imagestore.Store
	model  segmenter.Segmenter
	repo   SegmentationRepository
	logger *zap.Logger
	opts   Options
	retry  retry.Policy
	now    func() time.Time
}

// NewSegmentationUseCase constructs a new use case instance. A nil repo
// disables the audit log.
func NewSegmentationUseCase(store imagestore.Store, model segmenter.Segmenter, repo SegmentationRepository, opts Options, logger *zap.Logger) *SegmentationUseCase {
	if repo == nil {
		repo = noopRepository{}
	}
	return &SegmentationUseCase{
		store:  store,
		model:  model,
		repo:   repo,
		logger: logger.Named("segmentation_usecase"),
		opts:   opts,
		retry:  retry.Default,
		now:    time.Now,
	}
}

// Upload decodes an image, shrinks it to the configured maximum and makes it
// the session's current image.
func (uc *SegmentationUseCase) Upload(ctx context.Context, sessionID string, r io.Reader) (*imagestore.Image, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithSession(logging.WithOperation(uc.logger, "usecase.upload", requestID), sessionID)

	img, err := imagestore.Decode(r, uc.opts.MaxSize, uc.opts.MaxPixels)
	if err != nil {
		return nil, logging.NewOperationError("usecase.decode_image", requestID, err)
	}

	if uc.opts.SaveDir != "" {
		if path, err := imagestore.WriteFile(uc.opts.SaveDir, img); err != nil {
			opLogger.Warn("failed to save uploaded image", zap.Error(err))
		} else {
			opLogger.Debug("uploaded image saved", zap.String("path", path))
		}
	}

	if err := uc.retry.Do(ctx, uc.logger, "store.put", requestID, func() error {
		return uc.store.Put(ctx, sessionID, img)
	}); err != nil {
		opLogger.Error("failed to store image", zap.Error(err))
		return nil, err
	}

	opLogger.Info("image uploaded",
		zap.String("image_id", img.ID),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height))
	return img, nil
}

// GenerateMasks prompts the model once per grid point of the session's image
// and returns every candidate it proposes. Overlapping and duplicate masks are
// kept as they are.
func (uc *SegmentationUseCase) GenerateMasks(ctx context.Context, sessionID string) ([]segmenter.Candidate, error) {
	requestID := uuid.NewString()
	start := uc.now()
	opLogger := logging.WithSession(logging.WithOperation(uc.logger, "usecase.generate_masks", requestID), sessionID)
	entry := &repository.SegmentationLog{
		RequestID: requestID,
		SessionID: sessionID,
		Operation: repository.OperationGenerateMasks,
	}

	candidates, err := uc.generateMasks(ctx, requestID, entry)
	uc.record(ctx, opLogger, entry, start, candidates, err)
	if err != nil {
		return nil, err
	}

	opLogger.Info("masks generated",
		zap.Int("points", entry.PointCount),
		zap.Int("masks", len(candidates)))
	return candidates, nil
}

func (uc *SegmentationUseCase) generateMasks(ctx context.Context, requestID string, entry *repository.SegmentationLog) ([]segmenter.Candidate, error) {
	img, err := uc.loadImage(ctx, requestID, entry.SessionID)
	if err != nil {
		return nil, err
	}
	entry.ImageID = img.ID

	points := grid.Points(img.Height, img.Width, uc.opts.GridStride)
	entry.PointCount = len(points)
	if len(points) == 0 {
		return nil, logging.NewOperationError("usecase.grid_points", requestID, ErrNoPoints)
	}

	var candidates []segmenter.Candidate
	for _, p := range points {
		cands, err := uc.predict(ctx, requestID, img, segmenter.Foreground(p), uc.opts.Multimask)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cands...)
	}
	return candidates, nil
}

// Segment prompts the model with caller-supplied points and returns the best
// scoring candidate. multimask overrides the configured default when non-nil.
func (uc *SegmentationUseCase) Segment(ctx context.Context, sessionID string, prompts []segmenter.Prompt, multimask *bool) (segmenter.Candidate, error) {
	requestID := uuid.NewString()
	start := uc.now()
	opLogger := logging.WithSession(logging.WithOperation(uc.logger, "usecase.segment", requestID), sessionID)
	entry := &repository.SegmentationLog{
		RequestID:  requestID,
		SessionID:  sessionID,
		Operation:  repository.OperationSegment,
		PointCount: len(prompts),
	}

	best, candidates, err := uc.segment(ctx, requestID, entry, prompts, multimask)
	uc.record(ctx, opLogger, entry, start, candidates, err)
	if err != nil {
		return segmenter.Candidate{}, err
	}

	opLogger.Info("segmented",
		zap.Int("points", len(prompts)),
		zap.Int("candidates", len(candidates)),
		zap.Float64("score", best.Score))
	return best, nil
}

func (uc *SegmentationUseCase) segment(ctx context.Context, requestID string, entry *repository.SegmentationLog, prompts []segmenter.Prompt, multimask *bool) (segmenter.Candidate, []segmenter.Candidate, error) {
	img, err := uc.loadImage(ctx, requestID, entry.SessionID)
	if err != nil {
		return segmenter.Candidate{}, nil, err
	}
	entry.ImageID = img.ID

	if len(prompts) == 0 {
		return segmenter.Candidate{}, nil, logging.NewOperationError("usecase.segment", requestID, segmenter.ErrNoPrompts)
	}

	mm := uc.opts.Multimask
	if multimask != nil {
		mm = *multimask
	}
	candidates, err := uc.predict(ctx, requestID, img, prompts, mm)
	if err != nil {
		return segmenter.Candidate{}, nil, err
	}

	best, err := SelectBest(candidates)
	if err != nil {
		return segmenter.Candidate{}, candidates, logging.NewOperationError("usecase.select_best", requestID, err)
	}
	return best, []segmenter.Candidate{best}, nil
}

// SelectBest returns the highest scoring candidate. Ties go to the earliest.
func SelectBest(candidates []segmenter.Candidate) (segmenter.Candidate, error) {
	if len(candidates) == 0 {
		return segmenter.Candidate{}, ErrNoCandidates
	}
	best := 0
	for i, c := range candidates {
		if c.Score > candidates[best].Score {
			best = i
		}
	}
	return candidates[best], nil
}

func (uc *SegmentationUseCase) loadImage(ctx context.Context, requestID, sessionID string) (*imagestore.Image, error) {
	var img *imagestore.Image
	err := uc.retry.Do(ctx, uc.logger, "store.get", requestID, func() error {
		var err error
		img, err = uc.store.Get(ctx, sessionID)
		return err
	})
	if errors.Is(err, imagestore.ErrNotFound) {
		return nil, logging.NewOperationError("usecase.load_image", requestID, ErrNoImage)
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// predict prepares img if needed and prompts the model. When the model has
// lost the prepared image it is prepared again once.
func (uc *SegmentationUseCase) predict(ctx context.Context, requestID string, img *imagestore.Image, prompts []segmenter.Prompt, multimask bool) ([]segmenter.Candidate, error) {
	if err := uc.model.Prepare(ctx, img); err != nil {
		return nil, logging.NewOperationError("usecase.prepare", requestID, err)
	}

	candidates, err := uc.model.Predict(ctx, img.ID, prompts, multimask)
	if errors.Is(err, segmenter.ErrNotPrepared) {
		if err := uc.model.Prepare(ctx, img); err != nil {
			return nil, logging.NewOperationError("usecase.prepare", requestID, err)
		}
		candidates, err = uc.model.Predict(ctx, img.ID, prompts, multimask)
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.predict", requestID, err)
	}
	return candidates, nil
}

// record writes the audit entry. A failing audit log never fails the request.
func (uc *SegmentationUseCase) record(ctx context.Context, opLogger *zap.Logger, entry *repository.SegmentationLog, start time.Time, candidates []segmenter.Candidate, err error) {
	entry.LatencyMs = uc.now().Sub(start).Milliseconds()
	entry.CreatedAt = start.UTC()
	entry.Success = err == nil
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.MaskCount = len(candidates)
		if best, selErr := SelectBest(candidates); selErr == nil {
			entry.BestScore = best.Score
		}
	}

	// The entry is written even when the client went away mid-request.
	if saveErr := uc.repo.SaveLog(context.WithoutCancel(ctx), entry); saveErr != nil {
		opLogger.Warn("failed to persist segmentation log", zap.Error(saveErr))
	}
}

type noopRepository struct{}

func (noopRepository) SaveLog(context.Context, *repository.SegmentationLog) error {
	return nil
}

func (noopRepository) AggregateMetrics(context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{}, nil
}

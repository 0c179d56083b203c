package handlers

import (
	"errors"
	"fmt"
	"image"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/sam-web/internal/auth"
	"github.com/example/sam-web/internal/logging"
	"github.com/example/sam-web/internal/maskcodec"
	"github.com/example/sam-web/internal/segmenter"
	"github.com/example/sam-web/internal/usecase"
)

// MaxUploadSize is the default cap on an upload request body.
const MaxUploadSize = 10 << 20

// Handler serves the segmentation API.
type Handler struct {
	uc             *usecase.SegmentationUseCase
	logger         *zap.Logger
	maxUploadBytes int64
}

// NewHandler builds the API handler. maxUploadBytes <= 0 selects MaxUploadSize.
func NewHandler(uc *usecase.SegmentationUseCase, logger *zap.Logger, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = MaxUploadSize
	}
	return &Handler{uc: uc, logger: logger.Named("handlers"), maxUploadBytes: maxUploadBytes}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, sessionMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", h.Metrics)

	api := router.Group("/", sessionMiddleware)
	api.POST("/upload", h.Upload)
	api.POST("/generate_masks", h.GenerateMasks)
	api.POST("/segment", h.Segment)
}

// Upload stores the multipart "image" file as the session's current image.
func (h *Handler) Upload(c *gin.Context) {
	if c.Request.ContentLength > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image uploaded"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image selected"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	sessionID := auth.EnsureSession(c)
	img, err := h.uc.Upload(c.Request.Context(), sessionID, src)
	if err != nil {
		h.fail(c, "upload", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"image":      img.Base64(),
		"width":      img.Width,
		"height":     img.Height,
		"session_id": sessionID,
	})
}

type maskResponse struct {
	Mask  string  `json:"mask"`
	Score float64 `json:"score"`
}

// GenerateMasks returns every mask proposed for the sampling grid.
func (h *Handler) GenerateMasks(c *gin.Context) {
	sessionID, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": usecase.ErrNoImage.Error()})
		return
	}

	candidates, err := h.uc.GenerateMasks(c.Request.Context(), sessionID)
	if err != nil {
		h.fail(c, "generate_masks", err)
		return
	}

	masks := make([]maskResponse, 0, len(candidates))
	for _, cand := range candidates {
		encoded, err := maskcodec.Encode(cand.Mask)
		if err != nil {
			h.fail(c, "generate_masks", err)
			return
		}
		masks = append(masks, maskResponse{Mask: encoded, Score: cand.Score})
	}

	c.JSON(http.StatusOK, gin.H{"masks": masks, "count": len(masks)})
}

type segmentRequest struct {
	Points     [][]float64            `json:"points"`
	Labels     []float64              `json:"labels"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Segment returns the best mask for the caller's points.
func (h *Handler) Segment(c *gin.Context) {
	sessionID, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": usecase.ErrNoImage.Error()})
		return
	}

	var req segmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	points := make([]image.Point, len(req.Points))
	for i, p := range req.Points {
		if len(p) != 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "each point must be [x, y]"})
			return
		}
		points[i] = image.Point{X: int(math.Round(p[0])), Y: int(math.Round(p[1]))}
	}
	labels := make([]segmenter.Label, len(req.Labels))
	for i, l := range req.Labels {
		label, err := labelFrom(l)
		if err != nil {
			h.fail(c, "segment", fmt.Errorf("%w at index %d", err, i))
			return
		}
		labels[i] = label
	}

	prompts, err := segmenter.PromptsFrom(points, labels)
	if err != nil {
		h.fail(c, "segment", err)
		return
	}

	var multimask *bool
	if v, ok := req.Parameters["multimask_output"].(bool); ok {
		multimask = &v
	}

	best, err := h.uc.Segment(c.Request.Context(), sessionID, prompts, multimask)
	if err != nil {
		h.fail(c, "segment", err)
		return
	}

	encoded, err := maskcodec.Encode(best.Mask)
	if err != nil {
		h.fail(c, "segment", err)
		return
	}
	c.JSON(http.StatusOK, maskResponse{Mask: encoded, Score: best.Score})
}

// labelFrom accepts whole numbers in any JSON spelling, so 1 and 1.0 are the
// same label.
func labelFrom(v float64) (segmenter.Label, error) {
	if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: got %v", segmenter.ErrInvalidLabel, v)
	}
	return segmenter.Label(int(v)), nil
}

// Metrics reports aggregates over the segmentation log.
func (h *Handler) Metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.fail(c, "metrics", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// fail answers client mistakes with 400 and the cause, and anything else with
// 500 after logging it with a stack trace.
func (h *Handler) fail(c *gin.Context, operation string, err error) {
	if usecase.IsClientError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": logging.Cause(err).Error()})
		return
	}

	h.logger.Error("request failed",
		zap.String("operation", operation),
		zap.String("failed_at", logging.RootOperation(err)),
		zap.Error(err),
		zap.Stack("stack"))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

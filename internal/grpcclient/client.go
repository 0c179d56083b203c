package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/sam-web/internal/imagestore"
	"github.com/example/sam-web/internal/logging"
	"github.com/example/sam-web/internal/maskcodec"
	"github.com/example/sam-web/internal/segmenter"
)

// The model server speaks google.protobuf.Struct in both directions.
const (
	ServiceName = "sam.v1.Segmenter"

	MethodLoadModel = "/" + ServiceName + "/LoadModel"
	MethodSetImage  = "/" + ServiceName + "/SetImage"
	MethodPredict   = "/" + ServiceName + "/Predict"
)

const defaultMaxPrepared = 64

// DialSegmenter returns a ready-to-use client for the model server.
func DialSegmenter(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_segmenter", "", err)
		logger.Error("failed to dial segmenter", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, logger), conn, nil
}

type preparedImage struct {
	width, height int
}

// Client implements segmenter.Segmenter over gRPC. It remembers which images
// the server already holds so repeated requests on one upload skip SetImage.
type Client struct {
	conn        grpc.ClientConnInterface
	logger      *zap.Logger
	maxPrepared int

	mu       sync.Mutex
	prepared map[string]preparedImage
	order    []string
}

var _ segmenter.Segmenter = (*Client)(nil)

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	return &Client{
		conn:        conn,
		logger:      logger.Named("segmenter_client"),
		maxPrepared: defaultMaxPrepared,
		prepared:    make(map[string]preparedImage),
	}
}

// LoadModel asks the server to load a checkpoint. It is called once at start.
// checkpointPath is opened by the model server, so it must name a file on the
// server's filesystem, not necessarily this host's.
func (c *Client) LoadModel(ctx context.Context, modelType, checkpointPath, device string) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"model_type":      modelType,
		"checkpoint_path": checkpointPath,
		"device":          device,
	})
	if err != nil {
		return logging.NewOperationError("grpcclient.load_model", "", err)
	}
	if err := c.conn.Invoke(ctx, MethodLoadModel, req, &structpb.Struct{}); err != nil {
		wrapped := logging.NewOperationError("grpcclient.load_model", "", err)
		c.logger.Error("model load failed", zap.Error(wrapped), zap.String("model_type", modelType))
		return wrapped
	}
	return nil
}

// Prepare uploads img to the server unless it is already there.
func (c *Client) Prepare(ctx context.Context, img *imagestore.Image) error {
	if c.isPrepared(img.ID) {
		return nil
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image_id": img.ID,
		"width":    img.Width,
		"height":   img.Height,
		"png":      img.Base64(),
	})
	if err != nil {
		return logging.NewOperationError("grpcclient.set_image", img.ID, err)
	}

	start := time.Now()
	if err := c.conn.Invoke(ctx, MethodSetImage, req, &structpb.Struct{}); err != nil {
		wrapped := logging.NewOperationError("grpcclient.set_image", img.ID, err)
		c.logger.Error("set image failed", zap.Error(wrapped), zap.String("image_id", img.ID))
		return wrapped
	}
	c.logger.Debug("image prepared",
		zap.String("image_id", img.ID),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Duration("cost", time.Since(start)))

	c.remember(img.ID, preparedImage{width: img.Width, height: img.Height})
	return nil
}

// Predict returns the candidate masks the model proposes for prompts.
func (c *Client) Predict(ctx context.Context, imageID string, prompts []segmenter.Prompt, multimask bool) ([]segmenter.Candidate, error) {
	if len(prompts) == 0 {
		return nil, segmenter.ErrNoPrompts
	}
	dims, ok := c.lookup(imageID)
	if !ok {
		return nil, logging.NewOperationError("grpcclient.predict", imageID, segmenter.ErrNotPrepared)
	}

	points := make([]interface{}, len(prompts))
	labels := make([]interface{}, len(prompts))
	for i, p := range prompts {
		points[i] = []interface{}{p.X, p.Y}
		labels[i] = int(p.Label)
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"image_id":         imageID,
		"points":           points,
		"labels":           labels,
		"multimask_output": multimask,
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.predict", imageID, err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodPredict, req, resp); err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			// The server dropped the image, e.g. after a restart.
			c.forget(imageID)
			err = fmt.Errorf("%w: %v", segmenter.ErrNotPrepared, err)
		}
		wrapped := logging.NewOperationError("grpcclient.predict", imageID, err)
		c.logger.Error("predict failed", zap.Error(wrapped), zap.String("image_id", imageID))
		return nil, wrapped
	}

	candidates, err := decodeCandidates(resp, dims)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.predict", imageID, err)
	}
	return candidates, nil
}

func decodeCandidates(resp *structpb.Struct, dims preparedImage) ([]segmenter.Candidate, error) {
	masks := resp.GetFields()["masks"].GetListValue().GetValues()
	if len(masks) == 0 {
		return nil, errors.New("model returned no masks")
	}

	candidates := make([]segmenter.Candidate, 0, len(masks))
	for i, v := range masks {
		fields := v.GetStructValue().GetFields()
		mask, err := maskcodec.Decode(fields["png"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("mask %d: %w", i, err)
		}
		if mask.Width != dims.width || mask.Height != dims.height {
			return nil, fmt.Errorf("%w: mask %d is %dx%d, image is %dx%d",
				segmenter.ErrMaskSize, i, mask.Width, mask.Height, dims.width, dims.height)
		}
		candidates = append(candidates, segmenter.Candidate{
			Mask:  mask,
			Score: fields["score"].GetNumberValue(),
		})
	}
	return candidates, nil
}

func (c *Client) isPrepared(id string) bool {
	_, ok := c.lookup(id)
	return ok
}

func (c *Client) lookup(id string) (preparedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dims, ok := c.prepared[id]
	return dims, ok
}

func (c *Client) remember(id string, dims preparedImage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.prepared[id]; ok {
		return
	}
	c.prepared[id] = dims
	c.order = append(c.order, id)
	for len(c.order) > c.maxPrepared {
		delete(c.prepared, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.prepared, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

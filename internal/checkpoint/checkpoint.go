// Package checkpoint locates the SAM model weights on disk and fetches them
// when they are missing.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBaseURL hosts the published checkpoints.
const DefaultBaseURL = "https://dl.fbaipublicfiles.com/segment_anything/"

var files = map[string]string{
	"vit_h": "sam_vit_h_4b8939.pth",
	"vit_l": "sam_vit_l_0b3195.pth",
	"vit_b": "sam_vit_b_01ec64.pth",
}

var (
	// ErrUnknownModel is returned for a model type without a published checkpoint.
	ErrUnknownModel = errors.New("unknown model type")
	// ErrMissing is returned when the checkpoint is absent and downloads are off.
	ErrMissing = errors.New("checkpoint not found")
)

// FileName returns the checkpoint file name for modelType.
func FileName(modelType string) (string, error) {
	name, ok := files[modelType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, modelType)
	}
	return name, nil
}

// Manager resolves checkpoint paths under Dir.
type Manager struct {
	Dir      string
	BaseURL  string
	Download bool

	client *resty.Client
	logger *zap.Logger
}

// NewManager builds a Manager. An empty baseURL selects DefaultBaseURL.
func NewManager(dir, baseURL string, download bool, logger *zap.Logger) *Manager {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Manager{
		Dir:      dir,
		BaseURL:  baseURL,
		Download: download,
		client:   resty.New(),
		logger:   logger.Named("checkpoint"),
	}
}

// Ensure returns the local path of modelType's checkpoint, downloading it
// first when it is missing and downloads are enabled.
func (m *Manager) Ensure(ctx context.Context, modelType string) (string, error) {
	name, err := FileName(modelType)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.Dir, name)

	if _, err := os.Stat(path); err == nil {
		m.logger.Info("checkpoint found", zap.String("path", path))
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat checkpoint: %w", err)
	}

	if !m.Download {
		return "", fmt.Errorf("%w: %s", ErrMissing, path)
	}
	if err := m.download(ctx, m.BaseURL+name, path); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) download(ctx context.Context, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	m.logger.Info("downloading checkpoint", zap.String("url", url), zap.String("path", path))
	resp, err := m.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("download checkpoint: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("download checkpoint: unexpected status %d", resp.StatusCode())
	}

	partPath := path + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}

	progress := &progressReader{r: body, total: resp.RawResponse.ContentLength, step: progressStep, logger: m.logger}
	written, err := io.Copy(out, progress)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		return fmt.Errorf("write checkpoint: %w", err)
	}

	if err := os.Rename(partPath, path); err != nil {
		os.Remove(partPath)
		return fmt.Errorf("finalize checkpoint: %w", err)
	}
	m.logger.Info("checkpoint downloaded", zap.String("path", path), zap.Int64("bytes", written))
	return nil
}

// progressStep is how often a download of unknown size reports the bytes read.
const progressStep = 16 << 20

// progressReader logs every ten percent of a download of known size, or every
// step bytes when the server sent no length.
type progressReader struct {
	r      io.Reader
	total  int64
	step   int64
	read   int64
	logged int64
	logger *zap.Logger
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	switch {
	case p.total > 0:
		pct := p.read * 100 / p.total
		if pct/10 > p.logged/10 {
			p.logged = pct
			p.logger.Info("download progress", zap.Int64("percent", pct))
		}
	case p.step > 0:
		if p.read/p.step > p.logged/p.step {
			p.logged = p.read
			p.logger.Info("download progress", zap.Int64("bytes", p.read))
		}
	}
	return n, err
}

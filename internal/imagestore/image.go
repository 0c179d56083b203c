package imagestore

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// ErrDecode is returned when uploaded bytes are not a supported image.
var ErrDecode = errors.New("failed to read image")

// DefaultMaxPixels caps the declared size of an image that Decode will expand.
const DefaultMaxPixels = 50_000_000

// Image is an uploaded picture with three opaque 8-bit colour channels.
// PNG holds the lossless encoding the image is stored and transported as, and
// ID is the sha1 of those bytes.
type Image struct {
	ID     string
	Width  int
	Height int
	Pix    *image.NRGBA
	PNG    []byte
}

// Bounds returns the image rectangle anchored at the origin.
func (img *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, img.Width, img.Height)
}

// Base64 returns the PNG encoding as standard base64 text.
func (img *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(img.PNG)
}

// Decode reads a PNG, JPEG or GIF image and, when maxSize is positive, shrinks
// it so that its longer side does not exceed maxSize. Images whose header
// declares more than maxPixels pixels are rejected before any pixel data is
// decoded; maxPixels <= 0 selects DefaultMaxPixels.
func Decode(r io.Reader, maxSize, maxPixels int) (*Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	src, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if maxSize > 0 {
		src = Resize(src, maxSize)
	}
	return New(src)
}

// Resize scales img down so its longer side equals maxSize, keeping the aspect
// ratio. Images already within bounds are returned unchanged. The shorter side
// is truncated, never rounded up.
func Resize(img image.Image, maxSize int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longSide := w
	if h > longSide {
		longSide = h
	}
	if longSide <= maxSize {
		return img
	}

	newW := w * maxSize / longSide
	newH := h * maxSize / longSide
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	return imaging.Resize(img, newW, newH, imaging.Linear)
}

// New copies src into an opaque NRGBA buffer anchored at the origin and
// computes its PNG encoding and ID.
func New(src image.Image) (*Image, error) {
	pix := imaging.Clone(src)
	for i := 3; i < len(pix.Pix); i += 4 {
		pix.Pix[i] = 0xff
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, pix); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	return newImage(pix, buf.Bytes()), nil
}

// FromPNG rebuilds an Image from the bytes produced by New.
func FromPNG(data []byte) (*Image, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return newImage(imaging.Clone(src), data), nil
}

func newImage(pix *image.NRGBA, encoded []byte) *Image {
	sum := sha1.Sum(encoded)
	b := pix.Bounds()
	return &Image{
		ID:     hex.EncodeToString(sum[:]),
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    pix,
		PNG:    encoded,
	}
}

// WriteFile saves the PNG encoding into dir as <id>.png and returns the path.
func WriteFile(dir string, img *Image) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	path := filepath.Join(dir, img.ID+".png")
	if err := os.WriteFile(path, img.PNG, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return path, nil
}

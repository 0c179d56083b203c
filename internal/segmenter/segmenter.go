// Package segmenter describes the external segmentation model the service
// delegates to.
//
// A model is used in two steps. Prepare hands it an image once, which is the
// expensive part (the image encoder runs over every pixel). Predict then turns
// point prompts into candidate masks cheaply and may be called many times for
// the same prepared image.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/example/sam-web/internal/imagestore"
)

var (
	// ErrNotPrepared is returned by Predict for an image Prepare never saw.
	ErrNotPrepared = errors.New("image not prepared")
	// ErrPromptMismatch is returned when points and labels differ in length.
	ErrPromptMismatch = errors.New("points and labels must have the same length")
	// ErrNoPrompts is returned by Predict for an empty prompt list.
	ErrNoPrompts = errors.New("at least one point is required")
	// ErrInvalidLabel is returned for labels other than 0 and 1.
	ErrInvalidLabel = errors.New("labels must be 0 or 1")
	// ErrMaskSize is returned when the model answers with a mask whose size
	// differs from the prepared image.
	ErrMaskSize = errors.New("mask size does not match image")
)

// Label marks a prompt as part of the object or part of the background.
type Label int

const (
	LabelBackground Label = 0
	LabelForeground Label = 1
)

// Prompt is a pixel coordinate with its label.
type Prompt struct {
	X, Y  int
	Label Label
}

// PromptsFrom zips points and labels into prompts.
func PromptsFrom(points []image.Point, labels []Label) ([]Prompt, error) {
	if len(points) != len(labels) {
		return nil, fmt.Errorf("%w: %d points, %d labels", ErrPromptMismatch, len(points), len(labels))
	}
	prompts := make([]Prompt, len(points))
	for i, p := range points {
		if labels[i] != LabelBackground && labels[i] != LabelForeground {
			return nil, fmt.Errorf("%w: got %d at index %d", ErrInvalidLabel, labels[i], i)
		}
		prompts[i] = Prompt{X: p.X, Y: p.Y, Label: labels[i]}
	}
	return prompts, nil
}

// Foreground returns one foreground prompt for p.
func Foreground(p image.Point) []Prompt {
	return []Prompt{{X: p.X, Y: p.Y, Label: LabelForeground}}
}

// Mask is a binary mask in row-major order.
type Mask struct {
	Width  int
	Height int
	Pix    []bool
}

// NewMask returns an all-false mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]bool, width*height)}
}

// At reports whether (x, y) belongs to the mask.
func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x]
}

// Set marks (x, y).
func (m *Mask) Set(x, y int, v bool) {
	m.Pix[y*m.Width+x] = v
}

// Area counts the pixels set in the mask.
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

// Candidate is one mask proposed by the model with its confidence in [0, 1].
type Candidate struct {
	Mask  *Mask
	Score float64
}

// Segmenter is the model seen by the rest of the service.
type Segmenter interface {
	Prepare(ctx context.Context, img *imagestore.Image) error
	Predict(ctx context.Context, imageID string, prompts []Prompt, multimask bool) ([]Candidate, error)
}

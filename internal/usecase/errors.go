package usecase

import (
	"errors"

	"github.com/example/sam-web/internal/imagestore"
	"github.com/example/sam-web/internal/segmenter"
)

var (
	// ErrNoImage is returned by mask operations before the session uploaded an image.
	ErrNoImage = errors.New("no image set")
	// ErrNoPoints is returned when the image is too small for the sampling grid.
	ErrNoPoints = errors.New("no points generated")
	// ErrNoCandidates is returned when the model proposes nothing to choose from.
	ErrNoCandidates = errors.New("no candidate masks")
)

// clientErrors are caused by the request rather than by the service.
var clientErrors = []error{
	ErrNoImage,
	ErrNoPoints,
	imagestore.ErrDecode,
	segmenter.ErrPromptMismatch,
	segmenter.ErrNoPrompts,
	segmenter.ErrInvalidLabel,
}

// IsClientError reports whether err should be answered with 400.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Package maskcodec turns binary masks into text-safe PNG payloads and back.
package maskcodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/example/sam-web/internal/segmenter"
)

// Encode renders m as an 8-bit grayscale PNG (0 outside, 255 inside) and
// returns it as standard base64.
func Encode(m *segmenter.Mask) (string, error) {
	data, err := EncodePNG(m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodePNG renders m as an 8-bit grayscale PNG.
func EncodePNG(m *segmenter.Mask) ([]byte, error) {
	if len(m.Pix) != m.Width*m.Height {
		return nil, fmt.Errorf("mask has %d pixels, want %dx%d", len(m.Pix), m.Width, m.Height)
	}
	gray := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Pix {
		if v {
			gray.Pix[(i/m.Width)*gray.Stride+i%m.Width] = 0xff
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("failed to encode mask: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a base64 PNG produced by Encode, or by the model server.
func Decode(s string) (*segmenter.Mask, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid mask encoding: %w", err)
	}
	return DecodePNG(data)
}

// DecodePNG parses a PNG mask. Any pixel brighter than mid-gray counts as set.
func DecodePNG(data []byte) (*segmenter.Mask, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid mask image: %w", err)
	}

	b := img.Bounds()
	m := segmenter.NewMask(b.Dx(), b.Dy())
	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < m.Height; y++ {
			row := gray.Pix[y*gray.Stride : y*gray.Stride+m.Width]
			for x, v := range row {
				m.Pix[y*m.Width+x] = v > 127
			}
		}
		return m, nil
	}

	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := (299*r + 587*g + 114*bl) / 1000
			m.Pix[y*m.Width+x] = lum>>8 > 127
		}
	}
	return m, nil
}

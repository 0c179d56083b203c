package maskcodec

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/example/sam-web/internal/segmenter"
)

func checkerMask(w, h int) *segmenter.Mask {
	m := segmenter.NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, (x/3+y/2)%2 == 0)
		}
	}
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := checkerMask(37, 23)

	encoded, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Width != original.Width || decoded.Height != original.Height {
		t.Fatalf("expected %dx%d, got %dx%d", original.Width, original.Height, decoded.Width, decoded.Height)
	}
	for i := range original.Pix {
		if decoded.Pix[i] != original.Pix[i] {
			t.Fatalf("pixel %d differs after round trip", i)
		}
	}
}

func TestEncodeUsesIntensityExtremes(t *testing.T) {
	m := segmenter.NewMask(2, 1)
	m.Set(1, 0, true)

	data, err := EncodePNG(m)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode failed: %v", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("expected *image.Gray, got %T", img)
	}
	if gray.GrayAt(0, 0).Y != 0 || gray.GrayAt(1, 0).Y != 255 {
		t.Fatalf("expected 0 and 255, got %d and %d", gray.GrayAt(0, 0).Y, gray.GrayAt(1, 0).Y)
	}
}

func TestDecodeAcceptsColourPNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	img.Set(1, 1, color.RGBA{200, 200, 200, 255})
	img.Set(1, 0, color.Black)
	img.Set(0, 1, color.RGBA{40, 40, 40, 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	m, err := Decode(base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !m.At(0, 0) || !m.At(1, 1) || m.At(1, 0) || m.At(0, 1) {
		t.Fatalf("unexpected mask: %v", m.Pix)
	}
}

func TestDecodeRejectsInvalidInput(t *testing.T) {
	if _, err := Decode("%%%"); err == nil {
		t.Fatal("expected base64 error, got nil")
	}
	if _, err := Decode(base64.StdEncoding.EncodeToString([]byte("nope"))); err == nil {
		t.Fatal("expected png error, got nil")
	}
}

func TestEncodeRejectsInconsistentMask(t *testing.T) {
	if _, err := EncodePNG(&segmenter.Mask{Width: 3, Height: 3, Pix: make([]bool, 4)}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Package grid builds the evenly spaced sample points used to query the
// segmentation model across a whole image.
package grid

import "image"

// Points returns the sample points for an image of the given height and
// width. Rows and columns start at stride and stop before the bound, so the
// border strip narrower than one stride is never sampled. Points are ordered
// row by row. The result is empty when stride is not smaller than both sides.
func Points(height, width, stride int) []image.Point {
	n := Count(height, width, stride)
	if n == 0 {
		return nil
	}

	points := make([]image.Point, 0, n)
	for y := stride; y < height; y += stride {
		for x := stride; x < width; x += stride {
			points = append(points, image.Point{X: x, Y: y})
		}
	}
	return points
}

// Count returns len(Points(height, width, stride)) without allocating.
func Count(height, width, stride int) int {
	if stride <= 0 || stride >= height || stride >= width {
		return 0
	}
	return ((height - 1) / stride) * ((width - 1) / stride)
}

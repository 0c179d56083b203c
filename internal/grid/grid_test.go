package grid

import (
	"image"
	"testing"
)

func TestPointsCountMatchesFormula(t *testing.T) {
	cases := []struct {
		h, w, s int
	}{
		{640, 480, 64},
		{480, 640, 64},
		{65, 65, 64},
		{128, 128, 64},
		{129, 129, 64},
		{100, 37, 7},
		{2, 2, 1},
		{426, 640, 64},
	}

	for _, tc := range cases {
		points := Points(tc.h, tc.w, tc.s)
		want := ((tc.h - 1) / tc.s) * ((tc.w - 1) / tc.s)
		if len(points) != want {
			t.Errorf("Points(%d,%d,%d): got %d points, want %d", tc.h, tc.w, tc.s, len(points), want)
		}
		if Count(tc.h, tc.w, tc.s) != want {
			t.Errorf("Count(%d,%d,%d): got %d, want %d", tc.h, tc.w, tc.s, Count(tc.h, tc.w, tc.s), want)
		}
		for _, p := range points {
			if p.X <= 0 || p.X >= tc.w || p.Y <= 0 || p.Y >= tc.h {
				t.Errorf("Points(%d,%d,%d): point %v outside bounds", tc.h, tc.w, tc.s, p)
			}
			if p.X%tc.s != 0 || p.Y%tc.s != 0 {
				t.Errorf("Points(%d,%d,%d): point %v not on stride", tc.h, tc.w, tc.s, p)
			}
		}
	}
}

func TestPointsRowMajorOrder(t *testing.T) {
	got := Points(130, 200, 64)
	want := []image.Point{
		{X: 64, Y: 64}, {X: 128, Y: 64}, {X: 192, Y: 64},
		{X: 64, Y: 128}, {X: 128, Y: 128}, {X: 192, Y: 128},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("point %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestPointsDeterministic(t *testing.T) {
	a := Points(300, 500, 50)
	b := Points(300, 500, 50)
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("point %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestPointsEmptyWhenStrideTooLarge(t *testing.T) {
	cases := []struct {
		h, w, s int
	}{
		{64, 640, 64},
		{640, 64, 64},
		{50, 50, 64},
		{100, 100, 0},
		{100, 100, -4},
	}
	for _, tc := range cases {
		if points := Points(tc.h, tc.w, tc.s); len(points) != 0 {
			t.Errorf("Points(%d,%d,%d): expected no points, got %d", tc.h, tc.w, tc.s, len(points))
		}
	}
}

package rle

import "fmt"

// Point is a pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FromPolygon rasterizes a closed polygon into a mask of the given size.
// A pixel is set when its centre lies inside the polygon (even-odd rule).
func FromPolygon(points []Point, height, width int) (*Mask, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("polygon needs at least 3 points, got %d", len(points))
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid mask size %dx%d", height, width)
	}

	m := NewMask(height, width)
	n := len(points)
	xs := make([]float64, 0, n)
	for y := 0; y < height; y++ {
		cy := float64(y) + 0.5
		xs = xs[:0]
		for i := 0; i < n; i++ {
			a, b := points[i], points[(i+1)%n]
			if (a.Y <= cy) == (b.Y <= cy) {
				continue
			}
			xs = append(xs, a.X+(cy-a.Y)*(b.X-a.X)/(b.Y-a.Y))
		}
		sortFloats(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			for x := 0; x < width; x++ {
				cx := float64(x) + 0.5
				if cx >= xs[i] && cx < xs[i+1] {
					m.Set(x, y, true)
				}
			}
		}
	}
	return m, nil
}

// insertion sort; crossing lists are tiny
func sortFloats(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

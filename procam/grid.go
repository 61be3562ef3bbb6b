package procam

import "sort"

// OrderGrid sorts unordered blob centres into the shape's row-major order:
// rows by y, then points within a row by x. It needs a roughly upright board
// and exactly Count() points.
func OrderGrid(points []Point2, shape *PatternShape) ([]Point2, bool) {
	if len(points) != shape.Count() {
		return nil, false
	}
	out := append([]Point2(nil), points...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Y < out[j].Y })

	w := shape.Width
	for r := 0; r < shape.Height; r++ {
		row := out[r*w : (r+1)*w]
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
	}

	// Rows must be further apart than either row is tilted
	for r := 1; r < shape.Height; r++ {
		prev, cur := out[(r-1)*w:r*w], out[r*w:(r+1)*w]
		gap := minY(cur) - maxY(prev)
		if gap <= maxY(prev)-minY(prev) || gap <= maxY(cur)-minY(cur) {
			return nil, false
		}
	}
	return out, true
}

func maxY(pts []Point2) float64 {
	m := pts[0].Y
	for _, p := range pts[1:] {
		if p.Y > m {
			m = p.Y
		}
	}
	return m
}

func minY(pts []Point2) float64 {
	m := pts[0].Y
	for _, p := range pts[1:] {
		if p.Y < m {
			m = p.Y
		}
	}
	return m
}

package procam

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Coverage describes how much of a device's image the stored boards span
type Coverage struct {
	Device        Device    `json:"device"`
	Boards        int       `json:"boards"`
	Bound         orb.Bound `json:"-"`
	Fraction      float64   `json:"fraction"`      // union bound area / image area
	MeanBoardArea float64   `json:"meanBoardArea"` // mean outline area / image area
}

// BoardOutline returns the closed ring through the outer points of a board
func BoardOutline(obs Observation, shape *PatternShape) orb.Ring {
	w, h := shape.Width, shape.Height
	if len(obs.ImagePoints) != w*h {
		return nil
	}
	corners := []int{0, w - 1, w*h - 1, w * (h - 1)}
	ring := make(orb.Ring, 0, len(corners)+1)
	for _, idx := range corners {
		p := obs.ImagePoints[idx]
		ring = append(ring, orb.Point{p.X, p.Y})
	}
	return append(ring, ring[0])
}

// ComputeCoverage measures the image-plane spread of a set of boards
func ComputeCoverage(device Device, boards []Observation, shape *PatternShape, size ImageSize) Coverage {
	cov := Coverage{Device: device, Boards: len(boards)}
	if len(boards) == 0 || size.Area() == 0 {
		return cov
	}

	var all orb.MultiPoint
	var areaSum float64
	for _, b := range boards {
		for _, p := range b.ImagePoints {
			all = append(all, orb.Point{p.X, p.Y})
		}
		if ring := BoardOutline(b, shape); ring != nil {
			areaSum += math.Abs(planar.Area(orb.Polygon{ring}))
		}
	}
	if len(all) == 0 {
		return cov
	}

	image := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(size.Width), float64(size.Height)}}
	cov.Bound = clipBound(all.Bound(), image)
	cov.Fraction = boundArea(cov.Bound) / size.Area()
	cov.MeanBoardArea = areaSum / float64(len(boards)) / size.Area()
	return cov
}

func clipBound(b, to orb.Bound) orb.Bound {
	out := orb.Bound{
		Min: orb.Point{math.Max(b.Min[0], to.Min[0]), math.Max(b.Min[1], to.Min[1])},
		Max: orb.Point{math.Min(b.Max[0], to.Max[0]), math.Min(b.Max[1], to.Max[1])},
	}
	if out.Min[0] > out.Max[0] || out.Min[1] > out.Max[1] {
		return orb.Bound{}
	}
	return out
}

func boundArea(b orb.Bound) float64 {
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1])
}

package node

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMinSide is the smallest zone side a node will agree to split.
const DefaultMinSide = 1e-6

// ErrZoneTooSmall is returned when a zone is too small to be subdivided
var ErrZoneTooSmall = errors.New("zone too small to subdivide")

// Point represents a point in the two-dimensional torus [0,1)x[0,1)
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.X, p.Y)
}

// Axis identifies one of the two coordinate axes
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

// Other returns the perpendicular axis
func (a Axis) Other() Axis {
	if a == AxisX {
		return AxisY
	}
	return AxisX
}

func (a Axis) String() string {
	if a == AxisX {
		return "x"
	}
	return "y"
}

// Zone represents an axis-aligned rectangle of the coordinate space.
// The lower bounds are inclusive and the upper bounds exclusive.
type Zone struct {
	XMin float64 `json:"xmin"`
	XMax float64 `json:"xmax"`
	YMin float64 `json:"ymin"`
	YMax float64 `json:"ymax"`
}

// NewZone creates a new zone with the given bounds
func NewZone(xmin, xmax, ymin, ymax float64) (Zone, error) {
	z := Zone{XMin: xmin, XMax: xmax, YMin: ymin, YMax: ymax}
	if err := z.Validate(); err != nil {
		return Zone{}, err
	}
	return z, nil
}

// FullZone returns the zone covering the entire coordinate space
func FullZone() Zone {
	return Zone{XMin: 0, XMax: 1, YMin: 0, YMax: 1}
}

// ZoneFromBounds rebuilds a zone from its serialized form
func ZoneFromBounds(b [4]float64) (Zone, error) {
	return NewZone(b[0], b[1], b[2], b[3])
}

// Validate checks the bounds invariants
func (z Zone) Validate() error {
	for _, v := range z.Serialize() {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("zone bound %v outside [0,1]", v)
		}
	}
	if z.XMin >= z.XMax || z.YMin >= z.YMax {
		return fmt.Errorf("zone %v has empty extent", z)
	}
	return nil
}

// Serialize returns the bounds as (xmin, xmax, ymin, ymax)
func (z Zone) Serialize() [4]float64 {
	return [4]float64{z.XMin, z.XMax, z.YMin, z.YMax}
}

func (z Zone) String() string {
	return fmt.Sprintf("[%.6f,%.6f)x[%.6f,%.6f)", z.XMin, z.XMax, z.YMin, z.YMax)
}

// Contains checks if a point is contained within the zone
func (z Zone) Contains(p Point) bool {
	return z.XMin <= p.X && p.X < z.XMax && z.YMin <= p.Y && p.Y < z.YMax
}

// Width is the extent along the x axis
func (z Zone) Width() float64 { return z.XMax - z.XMin }

// Height is the extent along the y axis
func (z Zone) Height() float64 { return z.YMax - z.YMin }

// Extent returns the side length along the given axis
func (z Zone) Extent(a Axis) float64 {
	if a == AxisX {
		return z.Width()
	}
	return z.Height()
}

// Area returns the area of the zone
func (z Zone) Area() float64 { return z.Width() * z.Height() }

// Center returns the midpoint of the zone
func (z Zone) Center() Point {
	return Point{X: (z.XMin + z.XMax) / 2, Y: (z.YMin + z.YMax) / 2}
}

// Overlaps reports whether the interiors of two zones intersect
func (z Zone) Overlaps(o Zone) bool {
	return z.XMin < o.XMax && o.XMin < z.XMax && z.YMin < o.YMax && o.YMin < z.YMax
}

// SpansAxis reports whether the zone covers the whole space along an axis,
// in which case its two halves also touch through the wraparound.
func (z Zone) SpansAxis(a Axis) bool {
	if a == AxisX {
		return z.XMin == 0 && z.XMax == 1
	}
	return z.YMin == 0 && z.YMax == 1
}

// Subdivide bisects the zone along its longer axis. When both sides are
// equal the split happens along tie. The lower half comes first.
func (z Zone) Subdivide(tie Axis, minSide float64) (lower, upper Zone, axis Axis, err error) {
	w, h := z.Width(), z.Height()
	switch {
	case w > h:
		axis = AxisX
	case h > w:
		axis = AxisY
	default:
		axis = tie
	}

	if math.Min(w, h) < minSide || z.Extent(axis)/2 < minSide {
		return Zone{}, Zone{}, axis, fmt.Errorf("%w: %v", ErrZoneTooSmall, z)
	}

	lower, upper = z, z
	if axis == AxisX {
		mid := (z.XMin + z.XMax) / 2
		lower.XMax = mid
		upper.XMin = mid
	} else {
		mid := (z.YMin + z.YMax) / 2
		lower.YMax = mid
		upper.YMin = mid
	}
	return lower, upper, axis, nil
}

// circular returns the distance between two coordinates on the unit circle
func circular(a, b float64) float64 {
	d := math.Abs(a - b)
	return math.Min(d, 1-d)
}

// axisDistance is the wrapped distance from v to the half-open interval [lo, hi)
func axisDistance(v, lo, hi float64) float64 {
	if lo <= v && v < hi {
		return 0
	}
	return math.Min(circular(v, lo), circular(v, hi))
}

// Distance calculates the Euclidean distance between two points on the torus
func Distance(p1, p2 Point) float64 {
	dx := circular(p1.X, p2.X)
	dy := circular(p1.Y, p2.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// DistanceToZone calculates the minimum torus distance from a point to any
// point in a zone
func DistanceToZone(p Point, z Zone) float64 {
	dx := axisDistance(p.X, z.XMin, z.XMax)
	dy := axisDistance(p.Y, z.YMin, z.YMax)
	return math.Sqrt(dx*dx + dy*dy)
}

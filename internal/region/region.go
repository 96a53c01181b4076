// Package region partitions the frame plane into named regions and maps
// points onto them.
package region

import (
	"fmt"
	"math"
	"strings"
)

// Point is a 2-D position in frame pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Region is a named partition of the frame plane.
type Region uint8

const (
	// Unknown is the zero value and is never returned by Classify.
	Unknown Region = iota
	Left
	Right
	TopLeft
	TopRight
	BottomLeft
	BottomRight
)

var regionNames = map[Region]string{
	Unknown:     "UNKNOWN",
	Left:        "LEFT",
	Right:       "RIGHT",
	TopLeft:     "TOP_LEFT",
	TopRight:    "TOP_RIGHT",
	BottomLeft:  "BOTTOM_LEFT",
	BottomRight: "BOTTOM_RIGHT",
}

// String returns the upper-case region name used in logs, config and storage.
func (r Region) String() string {
	if name, ok := regionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Region(%d)", uint8(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Region) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Region) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Parse converts a region name (case-insensitive) back into a Region.
func Parse(name string) (Region, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for r, n := range regionNames {
		if r != Unknown && n == upper {
			return r, nil
		}
	}
	return Unknown, fmt.Errorf("unknown region %q", name)
}

// Scheme selects how the frame is partitioned.
type Scheme string

const (
	// Binary splits the frame into a left and a right half.
	Binary Scheme = "binary"
	// Quadrant splits the frame into four quadrants.
	Quadrant Scheme = "quadrant"
)

// ParseScheme validates a scheme name.
func ParseScheme(name string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(name))) {
	case Binary:
		return Binary, nil
	case Quadrant:
		return Quadrant, nil
	default:
		return "", fmt.Errorf("unknown region scheme %q", name)
	}
}

// Regions returns the regions of the scheme in table order.
func (s Scheme) Regions() []Region {
	switch s {
	case Quadrant:
		return []Region{TopLeft, BottomLeft, TopRight, BottomRight}
	default:
		return []Region{Left, Right}
	}
}

// Classify maps a point to its region. It is total: NaN coordinates and
// degenerate frame sizes still resolve to a fixed region, and a point lying
// exactly on a split line belongs to the right (or bottom) side.
func Classify(p Point, frameWidth, frameHeight float64, scheme Scheme) Region {
	left := p.X < frameWidth/2
	if scheme != Quadrant {
		if left {
			return Left
		}
		return Right
	}

	top := p.Y < frameHeight/2
	switch {
	case left && top:
		return TopLeft
	case left:
		return BottomLeft
	case top:
		return TopRight
	default:
		return BottomRight
	}
}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

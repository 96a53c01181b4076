package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/smartpantry/internal/motion"
	"github.com/ayusman/smartpantry/internal/region"
)

// ErrMalformed marks a detection that is missing a field or carries values
// that cannot be placed on the frame.
var ErrMalformed = errors.New("malformed detection")

// Detector defines the interface for object detection implementations.
type Detector interface {
	// Detect analyzes a video frame and returns the detected objects.
	// Returns an empty slice if nothing is detected.
	Detect(frame *gocv.Mat) ([]Detection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Box is an axis-aligned bounding box in frame pixels. It is encoded on the
// wire as [x1, y1, x2, y2].
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Centroid returns the centre of the box.
func (b Box) Centroid() region.Point {
	return region.Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// MarshalJSON implements json.Marshaler.
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Box) UnmarshalJSON(data []byte) error {
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return err
	}
	if len(coords) != 4 {
		return fmt.Errorf("box needs 4 coordinates, got %d", len(coords))
	}
	*b = Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	return nil
}

// Detection is one object reported by the detector for a single frame.
type Detection struct {
	Box        Box     `json:"box"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`

	// undecodable holds why the wire form could not be read.
	undecodable error
}

// UnmarshalJSON decodes a detection. Missing numeric fields decode as NaN so
// Validate can tell them apart from a legitimate zero. A detection whose
// fields have the wrong shape still decodes, and Validate rejects it, so one
// bad entry never costs the rest of the frame.
func (d *Detection) UnmarshalJSON(data []byte) error {
	var wire struct {
		Box        *Box     `json:"box"`
		Class      string   `json:"class"`
		Confidence *float64 `json:"confidence"`
	}

	nan := math.NaN()
	*d = Detection{
		Box:        Box{X1: nan, Y1: nan, X2: nan, Y2: nan},
		Confidence: nan,
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		d.undecodable = err
		return nil
	}

	d.Class = wire.Class
	if wire.Box != nil {
		d.Box = *wire.Box
	}
	if wire.Confidence != nil {
		d.Confidence = *wire.Confidence
	}
	return nil
}

// Validate reports why a detection cannot be used, wrapping ErrMalformed.
func (d Detection) Validate() error {
	if d.undecodable != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, d.undecodable)
	}
	if d.Class == "" {
		return fmt.Errorf("%w: missing class", ErrMalformed)
	}
	for _, v := range []float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s box is missing or not finite", ErrMalformed, d.Class)
		}
	}
	if d.Box.X2 < d.Box.X1 || d.Box.Y2 < d.Box.Y1 {
		return fmt.Errorf("%w: %s box is inverted", ErrMalformed, d.Class)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: %s confidence %v outside [0,1]", ErrMalformed, d.Class, d.Confidence)
	}
	return nil
}

// Frame is the detector output for one video frame plus its metadata.
type Frame struct {
	Index      int64       `json:"index"`
	Width      float64     `json:"width"`
	Height     float64     `json:"height"`
	Detections []Detection `json:"detections"`
	// Hint is the optional predicted position of each identity tracked in
	// the previous frame.
	Hint       motion.Hint `json:"hint,omitempty"`
	CapturedAt time.Time   `json:"captured_at,omitzero"`
}

// Config holds configuration options for the subprocess detector.
type Config struct {
	// Command is the detector executable followed by its arguments.
	Command []string

	// IdleTimeout stops the subprocess after this long without a frame
	// (default: 30s).
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Command:     []string{"python3", "scripts/detector_service.py"},
		IdleTimeout: 30 * time.Second,
	}
}

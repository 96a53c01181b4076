package tracking

import (
	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/detector"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/motion"
	"github.com/ayusman/smartpantry/internal/region"
)

// Association is the current position and region of one identity.
type Association struct {
	Identity   string        `json:"identity"`
	Position   region.Point  `json:"position"`
	Region     region.Region `json:"region"`
	Confidence float64       `json:"confidence"`
	// Predicted is set when Region came from the motion hint rather than
	// the detected centroid.
	Predicted bool `json:"predicted"`
}

// Correlation is the result of matching one frame against the tracked table.
type Correlation struct {
	FrameIndex   int64
	Associations []Association

	Dropped        int // malformed detections
	BelowThreshold int
	Suppressed     int // same identity already accepted this frame

	HintUsed     bool
	HintDegraded bool

	width, height float64
	hint          motion.Hint
}

// Correlator matches per-frame detections to tracked identities.
type Correlator struct {
	Threshold float64
	Scheme    region.Scheme
	Log       logrus.FieldLogger
}

// NewCorrelator creates a correlator. A nil logger discards output.
func NewCorrelator(threshold float64, scheme region.Scheme, log logrus.FieldLogger) *Correlator {
	if log == nil {
		log = logging.Discard()
	}
	return &Correlator{Threshold: threshold, Scheme: scheme, Log: log}
}

// Correlate matches a frame against the previous tracked table, using the
// frame's own motion hint.
func (c *Correlator) Correlate(previous Table, frame detector.Frame) Correlation {
	corr := c.Prepare(frame)
	return c.Resolve(previous, corr, corr.Hint())
}

// Prepare validates, filters and classifies the detections of a frame. It
// does not look at tracking state and is safe to run for several frames in
// parallel.
func (c *Correlator) Prepare(frame detector.Frame) Correlation {
	corr := Correlation{
		FrameIndex: frame.Index,
		width:      frame.Width,
		height:     frame.Height,
		hint:       frame.Hint,
	}
	accepted := make(map[string]bool, len(frame.Detections))

	for i, d := range frame.Detections {
		if err := d.Validate(); err != nil {
			corr.Dropped++
			c.Log.WithFields(logrus.Fields{
				"frame":     frame.Index,
				"detection": i,
			}).WithError(err).Warn("dropping detection")
			continue
		}
		if d.Confidence < c.Threshold {
			corr.BelowThreshold++
			continue
		}
		if accepted[d.Class] {
			corr.Suppressed++
			continue
		}
		accepted[d.Class] = true

		pos := d.Box.Centroid()
		corr.Associations = append(corr.Associations, Association{
			Identity:   d.Class,
			Position:   pos,
			Region:     region.Classify(pos, frame.Width, frame.Height, c.Scheme),
			Confidence: d.Confidence,
		})
	}
	return corr
}

// Hint returns the motion hint carried by the prepared frame, if any.
func (c Correlation) Hint() motion.Hint {
	return c.hint
}

// Resolve applies a motion hint to a prepared correlation. For an identity
// tracked in previous that has a hint entry, the region is taken from the
// predicted point. A hint whose size differs from the accepted detections
// is ignored for the whole frame.
func (c *Correlator) Resolve(previous Table, corr Correlation, hint motion.Hint) Correlation {
	if hint.Len() == 0 {
		return corr
	}
	if hint.Len() != len(corr.Associations) {
		corr.HintDegraded = true
		c.Log.WithFields(logrus.Fields{
			"frame":      corr.FrameIndex,
			"hint":       hint.Len(),
			"detections": len(corr.Associations),
		}).Warn("motion hint does not match detections, using detected positions")
		return corr
	}

	out := corr
	out.Associations = make([]Association, len(corr.Associations))
	copy(out.Associations, corr.Associations)

	for i, a := range out.Associations {
		if _, tracked := previous[a.Identity]; !tracked {
			continue
		}
		p, ok := hint[a.Identity]
		if !ok || !p.Finite() {
			continue
		}
		out.Associations[i].Region = region.Classify(p, corr.width, corr.height, c.Scheme)
		out.Associations[i].Predicted = true
		out.HintUsed = true
	}
	return out
}

// Package motion supplies predicted positions for tracked identities.
//
// A Hint is consumed by the frame correlator; this package only provides
// reference predictors (Lucas-Kanade optical flow and a constant-velocity
// Kalman filter). Any external estimator that produces a Hint works too.
package motion

import "github.com/ayusman/smartpantry/internal/region"

// Hint holds the predicted position, for the current frame, of each
// identity that was tracked in the previous frame.
type Hint map[string]region.Point

// Len returns the number of predictions. A nil hint has length zero.
func (h Hint) Len() int {
	return len(h)
}

// Observation is the measured position of an identity in a frame.
type Observation struct {
	Identity   string
	Position   region.Point
	FrameIndex int64
}

// Predictor produces a hint for the next frame from the observations of
// the frames committed so far.
type Predictor interface {
	// Predict returns the predicted position of each identity for frameIndex.
	Predict(frameIndex int64, identities []string) Hint

	// Observe records the measured positions committed for a frame.
	Observe(observations []Observation)

	// Forget drops state for identities that are no longer tracked.
	Forget(identities []string)
}

package motion

import (
	"errors"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/smartpantry/internal/region"
)

// ErrNoBaseline is returned by OpticalFlow.Track before a first frame is seen.
var ErrNoBaseline = errors.New("optical flow has no baseline frame")

// OpticalFlow predicts where each previously tracked centroid moved to by
// running pyramidal Lucas-Kanade between consecutive grayscale frames.
type OpticalFlow struct {
	prevGray    gocv.Mat
	initialized bool
	mu          sync.Mutex
}

// NewOpticalFlow creates an optical-flow estimator with no baseline.
func NewOpticalFlow() *OpticalFlow {
	return &OpticalFlow{prevGray: gocv.NewMat()}
}

// Track computes the hint for frame given the centroids tracked in the
// previous frame, then stores frame as the new baseline. Points whose flow
// could not be found are left out of the hint.
func (o *OpticalFlow) Track(frame *gocv.Mat, previous map[string]region.Point) (Hint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if frame == nil || frame.Empty() {
		return nil, errors.New("empty frame")
	}

	gray := gocv.NewMat()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	defer func() {
		o.prevGray.Close()
		o.prevGray = gray
		o.initialized = true
	}()

	if !o.initialized {
		return nil, ErrNoBaseline
	}
	if len(previous) == 0 {
		return Hint{}, nil
	}

	ids := make([]string, 0, len(previous))
	for id := range previous {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	prevPts := gocv.NewMatWithSize(len(ids), 1, gocv.MatTypeCV32FC2)
	defer prevPts.Close()
	for i, id := range ids {
		p := previous[id]
		prevPts.SetFloatAt(i, 0, float32(p.X))
		prevPts.SetFloatAt(i, 1, float32(p.Y))
	}

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	flowErr := gocv.NewMat()
	defer flowErr.Close()

	gocv.CalcOpticalFlowPyrLK(o.prevGray, gray, prevPts, nextPts, &status, &flowErr)

	hint := make(Hint, len(ids))
	for i, id := range ids {
		if i >= status.Rows() || status.GetUCharAt(i, 0) != 1 {
			continue
		}
		hint[id] = region.Point{
			X: float64(nextPts.GetFloatAt(i, 0)),
			Y: float64(nextPts.GetFloatAt(i, 1)),
		}
	}
	return hint, nil
}

// Reset drops the baseline frame.
func (o *OpticalFlow) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.prevGray.Close()
	o.prevGray = gocv.NewMat()
	o.initialized = false
}

// Close releases the baseline frame.
func (o *OpticalFlow) Close() {
	o.Reset()
}

package capture

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/smartpantry/internal/detector"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/motion"
	"github.com/ayusman/smartpantry/internal/region"
	"github.com/ayusman/smartpantry/internal/timeutil"
	"github.com/ayusman/smartpantry/internal/tracking"
)

// SourceConfig configures a capture Source.
type SourceConfig struct {
	// MotionThreshold is the fraction of pixels that must change to wake
	// the detector.
	MotionThreshold float64

	// IdleInterval and ActiveInterval are the waits between frames while
	// nothing moves and while objects are being handled.
	IdleInterval   time.Duration
	ActiveInterval time.Duration

	// IdleTimeout is how long without motion before going back to idle
	// (default: 2s).
	IdleTimeout time.Duration

	// OpticalFlow attaches a Lucas-Kanade motion hint to each frame.
	OpticalFlow bool

	// ConfidenceThreshold is the pipeline's detection threshold. Optical
	// flow follows only the detections the pipeline will accept.
	ConfidenceThreshold float64

	Clock timeutil.Clock
	Log   logrus.FieldLogger
}

// Source turns camera frames into detector frames. It idles at a low
// frame rate until the motion gate opens, then runs the detector on every
// frame until the scene has been still for IdleTimeout.
type Source struct {
	camera   Camera
	detector detector.Detector
	gate     *MotionGate
	flow     *motion.OpticalFlow
	selector *tracking.Correlator
	cfg      SourceConfig
	log      logrus.FieldLogger

	opened     bool
	active     bool
	lastMotion time.Time
	index      int64
	previous   map[string]region.Point
}

// NewSource creates a capture source. The source owns camera and det and
// closes them in Close.
func NewSource(camera Camera, det detector.Detector, cfg SourceConfig) *Source {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Second / DefaultFPS
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = time.Second / 15
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	s := &Source{
		camera:   camera,
		detector: det,
		gate:     NewMotionGate(cfg.MotionThreshold),
		cfg:      cfg,
		log:      logging.Component(cfg.Log, "capture"),
	}
	if cfg.OpticalFlow {
		s.flow = motion.NewOpticalFlow()
		s.selector = tracking.NewCorrelator(cfg.ConfidenceThreshold, region.Binary, nil)
	}
	return s
}

// Next returns the next frame the detector ran on. It returns io.EOF when a
// video file ends.
func (s *Source) Next(ctx context.Context) (detector.Frame, error) {
	if !s.opened {
		if err := s.camera.Open(); err != nil {
			return detector.Frame{}, err
		}
		s.camera.SetFPS(fps(s.cfg.IdleInterval))
		s.lastMotion = s.cfg.Clock.Now()
		s.opened = true
	}

	for {
		interval := s.cfg.IdleInterval
		if s.active {
			interval = s.cfg.ActiveInterval
		}
		if err := timeutil.Sleep(ctx, s.cfg.Clock, interval); err != nil {
			return detector.Frame{}, err
		}

		mat, err := s.camera.ReadFrame()
		if errors.Is(err, ErrEndOfStream) {
			return detector.Frame{}, io.EOF
		}
		if err != nil {
			s.log.WithError(err).Warn("error reading frame")
			continue
		}

		frame, ok := s.process(mat)
		mat.Close()
		if ok {
			return frame, nil
		}
	}
}

func (s *Source) process(mat *gocv.Mat) (detector.Frame, bool) {
	now := s.cfg.Clock.Now()
	moved, changed := s.gate.Detect(mat)

	if moved {
		s.lastMotion = now
		if !s.active {
			s.active = true
			s.camera.SetFPS(fps(s.cfg.ActiveInterval))
			s.log.WithField("changed", changed).Debug("switched to active mode")
		}
	} else if s.active && now.Sub(s.lastMotion) > s.cfg.IdleTimeout {
		s.active = false
		s.previous = nil
		if s.flow != nil {
			s.flow.Reset()
		}
		s.camera.SetFPS(fps(s.cfg.IdleInterval))
		s.log.Debug("switched to idle mode")
	}

	if !s.active {
		return detector.Frame{}, false
	}

	detections, err := s.detector.Detect(mat)
	if err != nil {
		s.log.WithError(err).Warn("detector failed, frame skipped")
		return detector.Frame{}, false
	}

	var hint motion.Hint
	if s.flow != nil {
		h, err := s.flow.Track(mat, s.previous)
		switch {
		case errors.Is(err, motion.ErrNoBaseline):
		case err != nil:
			s.log.WithError(err).Debug("optical flow unavailable")
		case h.Len() > 0:
			hint = h
		}
	}

	s.index++
	frame := detector.Frame{
		Index:      s.index,
		Width:      float64(mat.Cols()),
		Height:     float64(mat.Rows()),
		Detections: detections,
		Hint:       hint,
		CapturedAt: now,
	}
	if s.flow != nil {
		s.previous = baseline(s.selector, frame)
	}
	return frame, true
}

// Close releases the camera, the detector and the image buffers.
func (s *Source) Close() error {
	s.gate.Close()
	if s.flow != nil {
		s.flow.Close()
	}
	camErr := s.camera.Close()
	detErr := s.detector.Close()
	return errors.Join(camErr, detErr)
}

// baseline returns the positions optical flow follows into the next frame:
// one per identity, chosen the way the correlator chooses them.
func baseline(selector *tracking.Correlator, frame detector.Frame) map[string]region.Point {
	corr := selector.Prepare(frame)
	out := make(map[string]region.Point, len(corr.Associations))
	for _, a := range corr.Associations {
		out[a.Identity] = a.Position
	}
	return out
}

func fps(interval time.Duration) int {
	if interval <= 0 {
		return DefaultFPS
	}
	n := int(time.Second / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Package app wires the smartpantry components into a running tracker: the
// correlator, crossing tracker and optional predictor in front of the
// inventory ledger, driven by a frame source.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/capture"
	"github.com/ayusman/smartpantry/internal/config"
	"github.com/ayusman/smartpantry/internal/detector"
	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/motion"
	"github.com/ayusman/smartpantry/internal/pipeline"
	"github.com/ayusman/smartpantry/internal/replay"
	"github.com/ayusman/smartpantry/internal/store"
	"github.com/ayusman/smartpantry/internal/timeutil"
	"github.com/ayusman/smartpantry/internal/tracking"
)

// Config holds what the application needs besides the tuning file.
type Config struct {
	Settings *config.Config
	Store    *store.Store
	Source   pipeline.Source

	// SourceName is recorded with the session ("replay", "capture").
	SourceName string

	// SessionID resumes an earlier session when set; otherwise a new one
	// is started.
	SessionID string

	Clock timeutil.Clock
	Log   logrus.FieldLogger
}

// App is the running inventory tracker for one session.
type App struct {
	config   Config
	log      logrus.FieldLogger
	ledger   *ledger.Ledger
	pipeline *pipeline.Pipeline
	runner   *pipeline.Runner
	session  store.Session

	mu      sync.Mutex
	started bool
}

// New builds the pipeline, records the session and restores the inventory
// from the store.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if cfg.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("app: frame source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	settings := cfg.Settings
	log := logging.Component(cfg.Log, "app")

	scheme, err := settings.Scheme()
	if err != nil {
		return nil, err
	}
	signs, err := settings.SignTable()
	if err != nil {
		return nil, err
	}

	session := store.Session{
		ID:        cfg.SessionID,
		Source:    cfg.SourceName,
		Scheme:    string(scheme),
		StartedAt: cfg.Clock.Now(),
	}
	if err := cfg.Store.Sessions().Begin(ctx, &session); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	l := ledger.New(cfg.Store.Transactions(), ledger.Config{
		SessionID:     session.ID,
		AppendTimeout: settings.Retry.AppendTimeout.Std(),
		Clock:         cfg.Clock,
		Log:           cfg.Log,
	})
	if err := l.Restore(ctx); err != nil {
		return nil, err
	}

	pcfg := pipeline.Config{
		Correlator: tracking.NewCorrelator(settings.ConfidenceThreshold, scheme, cfg.Log),
		Tracker:    tracking.NewTracker(signs, settings.GraceFrames),
		Ledger:     l,
		Log:        cfg.Log,
	}
	if settings.Predictor == "kalman" {
		pcfg.Predictor = motion.NewKalman(motion.DefaultKalmanConfig())
	}
	p := pipeline.New(pcfg)

	runner := pipeline.NewRunner(p, cfg.Source, pipeline.RunnerConfig{
		Workers:  settings.Workers,
		Attempts: settings.Retry.Attempts,
		Backoff:  settings.Retry.Backoff.Std(),
		Clock:    cfg.Clock,
		Log:      cfg.Log,
	})

	log.WithFields(logrus.Fields{
		"session":   session.ID,
		"source":    session.Source,
		"scheme":    session.Scheme,
		"predictor": settings.Predictor,
		"items":     len(l.Snapshot()),
	}).Info("session ready")

	return &App{
		config:   cfg,
		log:      log,
		ledger:   l,
		pipeline: p,
		runner:   runner,
		session:  session,
	}, nil
}

// Session returns the session this app writes under.
func (a *App) Session() store.Session {
	return a.session
}

// Ledger returns the inventory ledger.
func (a *App) Ledger() *ledger.Ledger {
	return a.ledger
}

// Pipeline returns the frame pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// SetEnabled pauses or resumes tracking.
func (a *App) SetEnabled(enabled bool) {
	a.runner.SetEnabled(enabled)
	a.log.WithField("enabled", enabled).Info("tracking toggled")
}

// IsEnabled returns whether tracking is running.
func (a *App) IsEnabled() bool {
	return a.runner.IsEnabled()
}

// Stats returns the runner counters.
func (a *App) Stats() pipeline.Stats {
	return a.runner.Stats()
}

// OnResult registers a callback for every committed frame.
func (a *App) OnResult(fn func(pipeline.Result)) {
	a.runner.OnResult(fn)
}

// Start begins consuming frames. Starting twice is a no-op.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return
	}
	a.started = true
	a.runner.Start(ctx)
	a.log.Info("tracking started")
}

// Done is closed when the source is exhausted or the app stopped.
func (a *App) Done() <-chan struct{} {
	return a.runner.Done()
}

// Err returns why tracking stopped on its own, such as a store that kept
// failing. It is nil while tracking runs and after a source ends cleanly.
func (a *App) Err() error {
	return a.runner.Err()
}

// Stop halts tracking, closes the source and returns the error that ended
// the run, if any.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return a.config.Source.Close()
	}
	err := a.runner.Stop()
	stats := a.runner.Stats()
	a.log.WithFields(logrus.Fields{
		"frames":       stats.Frames,
		"transactions": stats.Transactions,
		"retries":      stats.Retries,
		"stale":        stats.Stale,
	}).Info("tracking stopped")
	return err
}

// OpenReplay opens a JSONL frame recording; "-" reads stdin.
func OpenReplay(path string, log logrus.FieldLogger) (pipeline.Source, error) {
	src, err := replay.Open(path, log)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// OpenCapture builds the live camera source. When the detector command is
// not available the source runs with a detector that never finds anything,
// so the API and tray still come up.
func OpenCapture(settings *config.Config, log logrus.FieldLogger) pipeline.Source {
	var det detector.Detector
	sub, err := detector.NewSubprocessDetector(detector.Config{
		Command:     settings.DetectorArgs(),
		IdleTimeout: settings.Detector.IdleTimeout.Std(),
	})
	if err != nil {
		logging.Component(log, "app").WithError(err).Warn("detector not available, no objects will be seen")
		det = detector.NewMockDetector()
	} else {
		det = sub
	}

	return capture.NewSource(capture.NewCamera(settings.Capture.Device), det, capture.SourceConfig{
		MotionThreshold:     settings.Capture.MotionThreshold,
		IdleInterval:        settings.Capture.IdleInterval.Std(),
		ActiveInterval:      settings.Capture.ActiveInterval.Std(),
		OpticalFlow:         settings.Capture.OpticalFlow,
		ConfidenceThreshold: settings.ConfidenceThreshold,
		Log:                 log,
	})
}

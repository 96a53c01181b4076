// Package pipeline drives frames through correlation, crossing detection and
// the ledger.
//
// Correlation of a frame is independent of every other frame and may run on
// many goroutines (Prepare). Committing is strictly sequential in frame
// order: the tracked table only advances after every event of the frame has
// been recorded, so a frame whose append failed can be committed again
// without losing or doubling a crossing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/detector"
	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/motion"
	"github.com/ayusman/smartpantry/internal/store"
	"github.com/ayusman/smartpantry/internal/tracking"
)

// ErrStaleFrame is returned when a frame is not newer than the last
// committed frame.
var ErrStaleFrame = errors.New("frame is not newer than the last committed frame")

// Ledger records crossing events.
type Ledger interface {
	Apply(ctx context.Context, ev tracking.CrossingEvent) (store.Transaction, error)
}

// Config wires a Pipeline.
type Config struct {
	Correlator *tracking.Correlator
	Tracker    *tracking.Tracker
	Ledger     Ledger

	// Predictor, when set, supplies a hint for frames that carry none.
	Predictor motion.Predictor

	Log logrus.FieldLogger
}

// Prepared is a frame that has been validated and classified but not yet
// matched against the tracked table.
type Prepared struct {
	frame detector.Frame
	corr  tracking.Correlation
}

// FrameIndex returns the index of the prepared frame.
func (p Prepared) FrameIndex() int64 {
	return p.frame.Index
}

// Result describes a committed frame.
type Result struct {
	FrameIndex   int64
	Correlation  tracking.Correlation
	Events       []tracking.CrossingEvent
	Transactions []store.Transaction
	// Superseded lists events the ledger had already passed for their
	// identity, as when a resumed session replays old frames.
	Superseded []tracking.CrossingEvent
	Seeded     []string
	Evicted    []string
}

// Pipeline is the single writer of the tracked table.
type Pipeline struct {
	correlator *tracking.Correlator
	tracker    *tracking.Tracker
	ledger     Ledger
	predictor  motion.Predictor
	log        logrus.FieldLogger

	mu        sync.Mutex
	committed bool
	lastFrame int64
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		correlator: cfg.Correlator,
		tracker:    cfg.Tracker,
		ledger:     cfg.Ledger,
		predictor:  cfg.Predictor,
		log:        logging.Component(cfg.Log, "pipeline"),
	}
}

// Prepare validates and classifies a frame. It is safe for concurrent use.
func (p *Pipeline) Prepare(frame detector.Frame) Prepared {
	return Prepared{frame: frame, corr: p.correlator.Prepare(frame)}
}

// LastFrame returns the index of the last committed frame, and false when
// nothing has been committed.
func (p *Pipeline) LastFrame() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFrame, p.committed
}

// Commit resolves a prepared frame against the tracked table, records its
// crossing events and advances the table. When recording fails the table
// is left unchanged and the error is returned; committing the same frame
// again is safe.
func (p *Pipeline) Commit(ctx context.Context, prep Prepared) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := prep.frame.Index
	if p.committed && idx <= p.lastFrame {
		return Result{FrameIndex: idx}, fmt.Errorf("%w: frame %d, last %d", ErrStaleFrame, idx, p.lastFrame)
	}

	previous := p.tracker.Objects()
	hint := prep.corr.Hint()
	if hint.Len() == 0 && p.predictor != nil && len(previous) > 0 {
		hint = p.predictor.Predict(idx, previous.Identities())
	}
	corr := p.correlator.Resolve(previous, prep.corr, hint)
	plan := p.tracker.Plan(corr)

	res := Result{
		FrameIndex:  idx,
		Correlation: corr,
		Events:      plan.Events,
		Seeded:      plan.Seeded,
		Evicted:     plan.Evicted,
	}

	for _, ev := range plan.Events {
		tx, err := p.ledger.Apply(ctx, ev)
		switch {
		case errors.Is(err, ledger.ErrOutOfOrder):
			p.log.WithFields(logrus.Fields{
				"identity": ev.Identity,
				"frame":    idx,
			}).Warn("crossing already superseded in the ledger, skipped")
			res.Superseded = append(res.Superseded, ev)
		case err != nil:
			return res, fmt.Errorf("frame %d: %w", idx, err)
		default:
			res.Transactions = append(res.Transactions, tx)
		}
	}

	p.tracker.Commit(plan)
	p.committed = true
	p.lastFrame = idx

	if p.predictor != nil {
		obs := make([]motion.Observation, 0, len(corr.Associations))
		for _, a := range corr.Associations {
			obs = append(obs, motion.Observation{Identity: a.Identity, Position: a.Position, FrameIndex: idx})
		}
		p.predictor.Observe(obs)
		if len(plan.Evicted) > 0 {
			p.predictor.Forget(plan.Evicted)
		}
	}

	if len(plan.Seeded) > 0 || len(plan.Evicted) > 0 {
		p.log.WithFields(logrus.Fields{
			"frame":   idx,
			"seeded":  plan.Seeded,
			"evicted": plan.Evicted,
		}).Debug("tracked set changed")
	}

	return res, nil
}

// ProcessFrame prepares and commits one frame.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame detector.Frame) (Result, error) {
	return p.Commit(ctx, p.Prepare(frame))
}

// Reset forgets the tracked table and the last committed frame, as at the
// start of a new stream.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.predictor != nil {
		p.predictor.Forget(p.tracker.Objects().Identities())
	}
	p.tracker.Reset()
	p.committed = false
	p.lastFrame = 0
}

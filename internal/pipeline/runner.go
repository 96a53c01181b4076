package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/smartpantry/internal/detector"
	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/timeutil"
)

// Source yields frames in stream order. Next returns io.EOF once the
// stream is exhausted.
type Source interface {
	Next(ctx context.Context) (detector.Frame, error)
	Close() error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Workers is the number of goroutines preparing frames (default: 1).
	Workers int

	// Attempts bounds how often a frame is committed when its append keeps
	// failing (default: 3).
	Attempts int

	// Backoff is the wait before the first retry; it doubles per attempt.
	Backoff time.Duration

	Clock timeutil.Clock
	Log   logrus.FieldLogger
}

// Stats counts what a runner has done.
type Stats struct {
	Frames       int64 `json:"frames"`
	Events       int64 `json:"events"`
	Transactions int64 `json:"transactions"`
	Retries      int64 `json:"retries"`
	Stale        int64 `json:"stale"`
}

// Runner feeds frames from a Source through a Pipeline. Frames are prepared
// concurrently and committed one at a time in the order the source
// produced them.
type Runner struct {
	pipeline *Pipeline
	source   Source
	cfg      RunnerConfig
	log      logrus.FieldLogger

	mu       sync.RWMutex
	enabled  bool
	resume   chan struct{}
	stats    Stats
	onResult []func(Result)
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

// NewRunner creates an enabled runner.
func NewRunner(p *Pipeline, src Source, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Runner{
		pipeline: p,
		source:   src,
		cfg:      cfg,
		log:      logging.Component(cfg.Log, "runner"),
		enabled:  true,
		resume:   make(chan struct{}),
	}
}

// SetEnabled pauses or resumes reading from the source.
func (r *Runner) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enabled && !r.enabled {
		close(r.resume)
		r.resume = make(chan struct{})
	}
	r.enabled = enabled
}

// IsEnabled reports whether the runner is reading frames.
func (r *Runner) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// OnResult registers a callback run after each committed frame. Register
// callbacks before Run.
func (r *Runner) OnResult(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResult = append(r.onResult, fn)
}

// Stats returns a copy of the counters.
func (r *Runner) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

type job struct {
	seq   int64
	frame detector.Frame
}

type prepared struct {
	seq  int64
	prep Prepared
}

// Run processes frames until the source is exhausted, ctx is cancelled or
// a frame cannot be committed. Exhausting the source returns nil.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan job, r.cfg.Workers)
	results := make(chan prepared, r.cfg.Workers)

	g.Go(func() error {
		defer close(jobs)
		return r.read(gctx, jobs)
	})

	var workers sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for j := range jobs {
				select {
				case results <- prepared{seq: j.seq, prep: r.pipeline.Prepare(j.frame)}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		return r.commitInOrder(gctx, results)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Runner) read(ctx context.Context, jobs chan<- job) error {
	var seq int64
	for {
		if err := r.waitEnabled(ctx); err != nil {
			return err
		}

		frame, err := r.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.log.WithField("frames", seq).Info("source exhausted")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		select {
		case jobs <- job{seq: seq, frame: frame}:
			seq++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) waitEnabled(ctx context.Context) error {
	for {
		r.mu.RLock()
		enabled, resume := r.enabled, r.resume
		r.mu.RUnlock()
		if enabled {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// commitInOrder re-sequences prepared frames and commits them in the order
// they were read.
func (r *Runner) commitInOrder(ctx context.Context, results <-chan prepared) error {
	pending := make(map[int64]Prepared)
	var next int64

	for res := range results {
		pending[res.seq] = res.prep
		for {
			prep, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.commit(ctx, prep); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// commit commits one frame, retrying with exponential backoff while the
// ledger reports a retryable failure. A stop never interrupts the appends of
// a frame; each one is bounded by the ledger's append timeout, and ctx is
// only checked between attempts.
func (r *Runner) commit(ctx context.Context, prep Prepared) error {
	appendCtx := context.WithoutCancel(ctx)
	backoff := r.cfg.Backoff
	for attempt := 1; ; attempt++ {
		res, err := r.pipeline.Commit(appendCtx, prep)
		switch {
		case err == nil:
			r.record(res)
			return nil

		case errors.Is(err, ErrStaleFrame):
			r.log.WithField("frame", prep.FrameIndex()).WithError(err).Warn("stale frame dropped")
			r.mu.Lock()
			r.stats.Stale++
			r.mu.Unlock()
			return nil

		case ledger.IsRetryable(err) && attempt < r.cfg.Attempts:
			r.log.WithFields(logrus.Fields{
				"frame":   prep.FrameIndex(),
				"attempt": attempt,
				"backoff": backoff,
			}).WithError(err).Warn("commit failed, retrying frame")
			r.mu.Lock()
			r.stats.Retries++
			r.mu.Unlock()
			if err := timeutil.Sleep(ctx, r.cfg.Clock, backoff); err != nil {
				return err
			}
			backoff *= 2

		default:
			r.log.WithField("frame", prep.FrameIndex()).WithError(err).Error("giving up on frame")
			return fmt.Errorf("commit after %d attempts: %w", attempt, err)
		}
	}
}

func (r *Runner) record(res Result) {
	r.mu.Lock()
	r.stats.Frames++
	r.stats.Events += int64(len(res.Events))
	r.stats.Transactions += int64(len(res.Transactions))
	callbacks := r.onResult
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(res)
	}
}

// Start runs the runner in the background. Calling Start on a running
// runner does nothing.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	done := r.done

	go func() {
		defer close(done)
		err := r.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		if err != nil {
			r.log.WithError(err).Error("runner stopped")
		}
	}()

	r.log.Info("runner started")
}

// Done is closed when a started runner has finished.
func (r *Runner) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Err returns the error a started runner stopped with. It is nil while the
// runner is running and after a clean finish.
func (r *Runner) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runErr
}

// Stop cancels a started runner, waits for it and closes the source. It
// returns the error the runner stopped with, if any.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if err := r.source.Close(); err != nil {
		r.log.WithError(err).Warn("error closing source")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	r.log.Info("runner stopped")
	return r.runErr
}

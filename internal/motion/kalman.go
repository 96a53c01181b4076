package motion

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/ayusman/smartpantry/internal/region"
)

// KalmanConfig holds the noise parameters of the constant-velocity filter.
type KalmanConfig struct {
	ProcessNoise     float64 // σ² added to position and velocity per frame
	MeasurementNoise float64 // σ² of a centroid measurement, in pixels²
	InitialVariance  float64 // σ² of the first velocity estimate
}

// DefaultKalmanConfig returns parameters tuned for 640x480 pantry footage.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoise:     4,
		MeasurementNoise: 25,
		InitialVariance:  400,
	}
}

// kalmanTrack is the [x, y, vx, vy] state of one identity.
type kalmanTrack struct {
	x         *mat.VecDense
	p         *mat.Dense
	lastFrame int64
}

// Kalman predicts positions with one constant-velocity Kalman filter per
// identity. Time is measured in frames.
type Kalman struct {
	cfg    KalmanConfig
	tracks map[string]*kalmanTrack
	h      *mat.Dense
	r      *mat.Dense
	mu     sync.Mutex
}

// NewKalman creates a predictor with the given configuration.
func NewKalman(cfg KalmanConfig) *Kalman {
	if cfg.MeasurementNoise <= 0 {
		cfg.MeasurementNoise = DefaultKalmanConfig().MeasurementNoise
	}
	if cfg.InitialVariance <= 0 {
		cfg.InitialVariance = DefaultKalmanConfig().InitialVariance
	}

	return &Kalman{
		cfg:    cfg,
		tracks: make(map[string]*kalmanTrack),
		h: mat.NewDense(2, 4, []float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
		}),
		r: mat.NewDense(2, 2, []float64{
			cfg.MeasurementNoise, 0,
			0, cfg.MeasurementNoise,
		}),
	}
}

// transition returns F for a step of dt frames.
func transition(dt float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func (k *Kalman) processNoise(dt float64) *mat.Dense {
	q := k.cfg.ProcessNoise * dt
	return mat.NewDense(4, 4, []float64{
		q, 0, 0, 0,
		0, q, 0, 0,
		0, 0, q, 0,
		0, 0, 0, q,
	})
}

// project advances a state and covariance by dt frames without mutating them.
func (k *Kalman) project(tr *kalmanTrack, dt float64) (*mat.VecDense, *mat.Dense) {
	f := transition(dt)

	var x mat.VecDense
	x.MulVec(f, tr.x)

	var fp, p mat.Dense
	fp.Mul(f, tr.p)
	p.Mul(&fp, f.T())
	p.Add(&p, k.processNoise(dt))

	return &x, &p
}

// Predict returns the projected position of every requested identity the
// filter has seen. Identities without state are left out of the hint.
func (k *Kalman) Predict(frameIndex int64, identities []string) Hint {
	k.mu.Lock()
	defer k.mu.Unlock()

	hint := make(Hint, len(identities))
	for _, id := range identities {
		tr, ok := k.tracks[id]
		if !ok {
			continue
		}
		dt := float64(frameIndex - tr.lastFrame)
		if dt < 0 {
			dt = 0
		}
		x, _ := k.project(tr, dt)
		hint[id] = region.Point{X: x.AtVec(0), Y: x.AtVec(1)}
	}
	return hint
}

// Observe runs the predict and update steps for each measured position.
func (k *Kalman) Observe(observations []Observation) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, obs := range observations {
		tr, ok := k.tracks[obs.Identity]
		if !ok {
			k.tracks[obs.Identity] = k.newTrack(obs)
			continue
		}

		dt := float64(obs.FrameIndex - tr.lastFrame)
		if dt <= 0 {
			continue
		}
		x, p := k.project(tr, dt)

		z := mat.NewVecDense(2, []float64{obs.Position.X, obs.Position.Y})

		// Innovation y = z - Hx and S = HPHᵀ + R.
		var hx, y mat.VecDense
		hx.MulVec(k.h, x)
		y.SubVec(z, &hx)

		var hp, s mat.Dense
		hp.Mul(k.h, p)
		s.Mul(&hp, k.h.T())
		s.Add(&s, k.r)

		var sInv mat.Dense
		if err := sInv.Inverse(&s); err != nil {
			// Singular innovation covariance: take the measurement as is.
			k.tracks[obs.Identity] = k.newTrackWithVelocity(obs, tr)
			continue
		}

		// K = PHᵀS⁻¹
		var pht, gain mat.Dense
		pht.Mul(p, k.h.T())
		gain.Mul(&pht, &sInv)

		var correction mat.VecDense
		correction.MulVec(&gain, &y)
		x.AddVec(x, &correction)

		// P = (I - KH)P
		var kh, ikh, newP mat.Dense
		kh.Mul(&gain, k.h)
		ikh.Sub(identity4(), &kh)
		newP.Mul(&ikh, p)

		tr.x = x
		tr.p = &newP
		tr.lastFrame = obs.FrameIndex
	}
}

// Forget drops the filters of identities that are no longer tracked.
func (k *Kalman) Forget(identities []string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, id := range identities {
		delete(k.tracks, id)
	}
}

func (k *Kalman) newTrack(obs Observation) *kalmanTrack {
	v := k.cfg.InitialVariance
	return &kalmanTrack{
		x: mat.NewVecDense(4, []float64{obs.Position.X, obs.Position.Y, 0, 0}),
		p: mat.NewDense(4, 4, []float64{
			k.cfg.MeasurementNoise, 0, 0, 0,
			0, k.cfg.MeasurementNoise, 0, 0,
			0, 0, v, 0,
			0, 0, 0, v,
		}),
		lastFrame: obs.FrameIndex,
	}
}

// newTrackWithVelocity restarts a filter at the measurement, keeping a
// finite-difference velocity from the previous state.
func (k *Kalman) newTrackWithVelocity(obs Observation, prev *kalmanTrack) *kalmanTrack {
	tr := k.newTrack(obs)
	dt := float64(obs.FrameIndex - prev.lastFrame)
	if dt > 0 {
		tr.x.SetVec(2, (obs.Position.X-prev.x.AtVec(0))/dt)
		tr.x.SetVec(3, (obs.Position.Y-prev.x.AtVec(1))/dt)
	}
	return tr
}

func identity4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Package gpsfusion corrects the trajectory of a mapping session with GPS fixes.
//
// Local poses come from the mapping loop in the map frame; fixed points are
// positions in the same frame observed by an absolute sensor. Optimize solves
// a linear least squares problem over the pose translations that keeps
// consecutive poses close to their original relative translation while pulling
// the interpolated trajectory onto the fixed points. Rotations are left as the
// mapping loop produced them.
package gpsfusion

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-loam/mapping"
)

const (
	// gpsSigma and relativeSigma weigh fixed point residuals against relative
	// translation residuals, in metres.
	gpsSigma      = 0.01
	relativeSigma = 0.1
	// huberDelta bounds the influence of a single residual once its scaled
	// norm passes this value.
	huberDelta    = 1.0
	maxIterations = 6
	// converged ends the reweighting once no translation moved farther than this.
	converged = 1e-9
)

var (
	// ErrNonMonotonicTimestamp is returned when a pose or fixed point is not
	// newer than the one added before it.
	ErrNonMonotonicTimestamp = errors.New("timestamp is not after the previous one")
	// ErrNotBracketed is returned by Optimize when fixed points fall outside
	// the time span of the local poses.
	ErrNotBracketed = errors.New("fixed points are not bracketed by local poses")
	// ErrTooFewLocalPoses is returned by Optimize when there are fixed points to
	// fuse but no more than two local poses.
	ErrTooFewLocalPoses = errors.New("need more than two local poses to fuse fixed points")
)

// LocalPose is a map frame pose produced by the mapping loop.
type LocalPose struct {
	Timestamp time.Time
	Pose      spatialmath.Pose
}

// FixedPoint is an absolute position observed at Timestamp.
type FixedPoint struct {
	Timestamp   time.Time
	Translation r3.Vector
}

// Fusion implements mapping.Fuser.
type Fusion struct {
	logger logging.Logger

	mu          sync.Mutex
	localPoses  []LocalPose
	fixedPoints []FixedPoint
	origin      *geo.Point
	originAlt   float64
}

var _ mapping.Fuser = (*Fusion)(nil)

// New returns an empty Fusion.
func New(logger logging.Logger) *Fusion {
	return &Fusion{logger: logger}
}

// AddLocalPose records a refined map pose.
func (f *Fusion) AddLocalPose(ts time.Time, pose spatialmath.Pose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.localPoses); n > 0 && !f.localPoses[n-1].Timestamp.Before(ts) {
		return errors.Wrapf(ErrNonMonotonicTimestamp, "local pose at %v follows %v", ts, f.localPoses[n-1].Timestamp)
	}
	f.localPoses = append(f.localPoses, LocalPose{Timestamp: ts, Pose: pose})
	return nil
}

// AddFixedPoint records an absolute position in the map frame.
func (f *Fusion) AddFixedPoint(ts time.Time, translation r3.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addFixedPoint(ts, translation)
}

func (f *Fusion) addFixedPoint(ts time.Time, translation r3.Vector) error {
	if n := len(f.fixedPoints); n > 0 && !f.fixedPoints[n-1].Timestamp.Before(ts) {
		return errors.Wrapf(ErrNonMonotonicTimestamp, "fixed point at %v follows %v", ts, f.fixedPoints[n-1].Timestamp)
	}
	f.fixedPoints = append(f.fixedPoints, FixedPoint{Timestamp: ts, Translation: translation})
	return nil
}

// AddGPSFix records a geodetic fix. The first fix defines the origin; later
// fixes are converted to metres east (X), north (Y) and up (Z) of it.
func (f *Fusion) AddGPSFix(ts time.Time, lat, lng, alt float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := geo.NewPoint(lat, lng)
	if f.origin == nil {
		if err := f.addFixedPoint(ts, r3.Vector{}); err != nil {
			return err
		}
		f.origin, f.originAlt = p, alt
		return nil
	}
	return f.addFixedPoint(ts, localMetres(f.origin, p, alt-f.originAlt))
}

func localMetres(origin, p *geo.Point, up float64) r3.Vector {
	dist := origin.GreatCircleDistance(p) * 1000
	bearing := origin.BearingTo(p) * math.Pi / 180
	return r3.Vector{X: dist * math.Sin(bearing), Y: dist * math.Cos(bearing), Z: up}
}

// LocalPoses returns a copy of the local poses, corrected if Optimize ran.
func (f *Fusion) LocalPoses() []LocalPose {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LocalPose, len(f.localPoses))
	copy(out, f.localPoses)
	return out
}

// FixedPoints returns a copy of the fixed points.
func (f *Fusion) FixedPoints() []FixedPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FixedPoint, len(f.fixedPoints))
	copy(out, f.fixedPoints)
	return out
}

// fixedFactor ties the interpolation between local poses i and i+1 at t to
// target. When the fixed point lands on the last pose, t is zero.
type fixedFactor struct {
	i      int
	t      float64
	target r3.Vector
}

// Optimize corrects the translations of the local poses. With fewer than two
// fixed points it logs a warning and leaves the poses untouched.
func (f *Fusion) Optimize(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "viamloam::gpsfusion::Optimize")
	defer span.End()

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.fixedPoints) < 2 {
		f.logger.Warnw("fewer than two fixed points, skipping fusion", "fixed_points", len(f.fixedPoints))
		return nil
	}
	n := len(f.localPoses)
	if n <= 2 {
		return errors.Wrapf(ErrTooFewLocalPoses, "have %d", n)
	}
	first, last := f.localPoses[0].Timestamp, f.localPoses[n-1].Timestamp
	if f.fixedPoints[0].Timestamp.Before(first) || f.fixedPoints[len(f.fixedPoints)-1].Timestamp.After(last) {
		return errors.Wrapf(ErrNotBracketed, "local poses span %v to %v", first, last)
	}

	factors := make([]fixedFactor, 0, len(f.fixedPoints))
	for _, fp := range f.fixedPoints {
		// j is the first pose strictly after the fixed point.
		j := sort.Search(n, func(k int) bool { return f.localPoses[k].Timestamp.After(fp.Timestamp) })
		i := j - 1
		t := 0.0
		if j < n {
			gap := f.localPoses[j].Timestamp.Sub(f.localPoses[i].Timestamp)
			t = float64(fp.Timestamp.Sub(f.localPoses[i].Timestamp)) / float64(gap)
		}
		factors = append(factors, fixedFactor{i: i, t: t, target: fp.Translation})
	}

	original := make([]r3.Vector, n)
	for k, lp := range f.localPoses {
		original[k] = lp.Pose.Point()
	}
	solved, err := solve(original, factors)
	if err != nil {
		return err
	}

	var moved float64
	for k, lp := range f.localPoses {
		moved = math.Max(moved, solved[k].Sub(original[k]).Norm())
		f.localPoses[k].Pose = spatialmath.NewPose(solved[k], lp.Pose.Orientation())
	}
	f.logger.Infow("fused fixed points into trajectory",
		"local_poses", n, "fixed_points", len(factors), "max_correction_m", moved)
	return nil
}

// solve minimizes the Huber loss of the fixed point and relative translation
// residuals by iteratively reweighted least squares. Every residual couples at
// most two neighbouring poses, so the normal equations are tridiagonal.
func solve(original []r3.Vector, factors []fixedFactor) ([]r3.Vector, error) {
	n := len(original)
	x := make([]r3.Vector, n)
	copy(x, original)

	for iter := 0; iter < maxIterations; iter++ {
		normal := mat.NewSymBandDense(n, 1, nil)
		rhs := mat.NewDense(n, 3, nil)
		addTerm := func(coef map[int]float64, target r3.Vector, weight float64) {
			for a, ca := range coef {
				for b, cb := range coef {
					if b < a {
						continue
					}
					normal.SetSymBand(a, b, normal.At(a, b)+weight*ca*cb)
				}
				rhs.Set(a, 0, rhs.At(a, 0)+weight*ca*target.X)
				rhs.Set(a, 1, rhs.At(a, 1)+weight*ca*target.Y)
				rhs.Set(a, 2, rhs.At(a, 2)+weight*ca*target.Z)
			}
		}

		for _, ff := range factors {
			coef := map[int]float64{ff.i: 1}
			predicted := x[ff.i]
			if ff.t > 0 {
				coef = map[int]float64{ff.i: 1 - ff.t, ff.i + 1: ff.t}
				predicted = x[ff.i].Mul(1 - ff.t).Add(x[ff.i+1].Mul(ff.t))
			}
			w := huberWeight(predicted.Sub(ff.target).Norm()/gpsSigma) / (gpsSigma * gpsSigma)
			addTerm(coef, ff.target, w)
		}
		for k := 0; k+1 < n; k++ {
			rel := original[k+1].Sub(original[k])
			residual := x[k+1].Sub(x[k]).Sub(rel)
			w := huberWeight(residual.Norm()/relativeSigma) / (relativeSigma * relativeSigma)
			addTerm(map[int]float64{k: -1, k + 1: 1}, rel, w)
		}

		var chol mat.BandCholesky
		if !chol.Factorize(normal) {
			return nil, errors.New("fusion normal equations are not positive definite")
		}
		var sol mat.Dense
		if err := chol.SolveTo(&sol, rhs); err != nil {
			return nil, errors.Wrap(err, "solving fusion normal equations")
		}

		var step float64
		for k := range x {
			next := r3.Vector{X: sol.At(k, 0), Y: sol.At(k, 1), Z: sol.At(k, 2)}
			step = math.Max(step, next.Sub(x[k]).Norm())
			x[k] = next
		}
		if step < converged {
			break
		}
	}
	return x, nil
}

// huberWeight is the reweighting factor of a residual with scaled norm s.
func huberWeight(s float64) float64 {
	if s <= huberDelta {
		return 1
	}
	return huberDelta / s
}

package scanmatch

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/mapping"
)

// scene returns edge points along three walls' intersections and planar points
// on the floor and two walls, spaced 1m apart.
func scene() mapping.FeatureClouds {
	corner := cloud.New()
	for i := 0; i < 6; i++ {
		f := float64(i)
		corner.Append(r3.Vector{X: f}, r3.Vector{Y: f}, r3.Vector{Z: f})
	}
	surf := cloud.New()
	for i := 1; i < 6; i++ {
		for j := 1; j < 6; j++ {
			a, b := float64(i), float64(j)
			surf.Append(r3.Vector{X: a, Y: b}, r3.Vector{X: a, Z: b}, r3.Vector{Y: a, Z: b})
		}
	}
	return mapping.FeatureClouds{Corner: corner, Surf: surf}
}

func TestMatch(t *testing.T) {
	logger := logging.NewTestLogger(t)
	icp := New(DefaultConfig(), logger)
	submap := scene()
	truth := spatialmath.NewPose(r3.Vector{X: 0.1, Y: -0.05, Z: 0.05},
		&spatialmath.OrientationVector{OZ: 1, Theta: 0.02})

	// The scan is the submap seen from truth.
	inverse := spatialmath.PoseInverse(truth)
	scan := mapping.FeatureClouds{
		Corner: cloud.Transform(submap.Corner, inverse),
		Surf:   cloud.Transform(submap.Surf, inverse),
	}

	t.Run("recovers a small offset", func(t *testing.T) {
		pose, converged := icp.Match(context.Background(), submap, scan, spatialmath.NewZeroPose())
		test.That(t, converged, test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqualEps(pose, truth, 1e-6), test.ShouldBeTrue)
	})

	t.Run("a guess at the answer converges immediately", func(t *testing.T) {
		pose, converged := icp.Match(context.Background(), submap, scan, truth)
		test.That(t, converged, test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqualEps(pose, truth, 1e-6), test.ShouldBeTrue)
	})

	t.Run("too few correspondences return the guess", func(t *testing.T) {
		far := spatialmath.NewPoseFromPoint(r3.Vector{X: 100})
		pose, converged := icp.Match(context.Background(), submap, scan, far)
		test.That(t, converged, test.ShouldBeFalse)
		test.That(t, spatialmath.PoseAlmostEqual(pose, far), test.ShouldBeTrue)
	})

	t.Run("an empty submap returns the guess", func(t *testing.T) {
		pose, converged := icp.Match(context.Background(), mapping.FeatureClouds{}, scan, truth)
		test.That(t, converged, test.ShouldBeFalse)
		test.That(t, spatialmath.PoseAlmostEqual(pose, truth), test.ShouldBeTrue)
	})

	t.Run("a cancelled context stops before the first iteration", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		pose, converged := icp.Match(ctx, submap, scan, spatialmath.NewZeroPose())
		test.That(t, converged, test.ShouldBeFalse)
		test.That(t, spatialmath.PoseAlmostEqual(pose, spatialmath.NewZeroPose()), test.ShouldBeTrue)
	})

	t.Run("a single iteration is not enough to report convergence", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxIterations = 1
		pose, converged := New(cfg, logger).Match(context.Background(), submap, scan, spatialmath.NewZeroPose())
		test.That(t, converged, test.ShouldBeFalse)
		test.That(t, spatialmath.PoseAlmostEqualEps(pose, truth, 1e-6), test.ShouldBeTrue)
	})
}

func TestFitRigid(t *testing.T) {
	truth := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3},
		&spatialmath.OrientationVector{OX: 1, OY: 1, OZ: 1, Theta: 2.5})
	src := []r3.Vector{{X: 1}, {Y: 2}, {Z: 3}, {X: 1, Y: 1, Z: 1}, {X: -2, Y: 0.5}}
	dst := make([]r3.Vector, 0, len(src))
	for _, p := range src {
		dst = append(dst, cloud.TransformPoint(truth, p))
	}
	fit, ok := fitRigid(src, dst)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqualEps(fit, truth, 1e-9), test.ShouldBeTrue)
}

func TestQuaternionFromMatrix(t *testing.T) {
	// Rotations by pi reach the branches a positive trace never does.
	for _, axis := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}, {X: math.Sqrt2 / 2, Y: math.Sqrt2 / 2}, {}} {
		theta := math.Pi
		if axis.Norm() == 0 {
			axis, theta = r3.Vector{Z: 1}, 0.3
		}
		o := &spatialmath.R4AA{Theta: theta, RX: axis.X, RY: axis.Y, RZ: axis.Z}
		rm := o.RotationMatrix()
		m := mat.NewDense(3, 3, nil)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m.Set(r, c, rm.At(r, c))
			}
		}
		got := quaternionFromMatrix(m).RotationMatrix()
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				test.That(t, got.At(r, c), test.ShouldAlmostEqual, rm.At(r, c))
			}
		}
	}

	test.That(t, rotationAngle(spatialmath.NewZeroPose()), test.ShouldAlmostEqual, 0)
	test.That(t, rotationAngle(spatialmath.NewPoseFromOrientation(
		&spatialmath.OrientationVector{OZ: 1, Theta: 0.5})), test.ShouldAlmostEqual, 0.5)
}

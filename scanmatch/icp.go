// Package scanmatch aligns feature scans against a submap with point-to-point ICP.
package scanmatch

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/mapping"
)

// Config holds the tuning of the ICP aligner. Distances are in metres.
type Config struct {
	// MaxIterations bounds the number of correspondence and fit rounds.
	MaxIterations int
	// MaxCorrespondDist rejects pairs farther apart than this.
	MaxCorrespondDist float64
	// TranslationThresh and RotationThresh (radians) end the iteration once an
	// update moves the pose by less than both.
	TranslationThresh float64
	RotationThresh    float64
	// MinCorrespondences is the fewest pairs a fit is attempted with.
	MinCorrespondences int
}

// DefaultConfig returns the configuration used by the mapping service.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      10,
		MaxCorrespondDist:  1.0,
		TranslationThresh:  1e-4,
		RotationThresh:     1e-5,
		MinCorrespondences: 10,
	}
}

// ICP implements mapping.Aligner. Edge points are only paired with edge points
// and planar points with planar points.
type ICP struct {
	cfg    Config
	logger logging.Logger
}

var _ mapping.Aligner = (*ICP)(nil)

// New returns an ICP aligner.
func New(cfg Config, logger logging.Logger) *ICP {
	return &ICP{cfg: cfg, logger: logger}
}

// Match refines guess so that scan, transformed by the returned pose, lies on
// submap. It reports false when the iteration stopped before the update fell
// below the thresholds, in which case the returned pose is the last estimate.
func (icp *ICP) Match(
	ctx context.Context,
	submap, scan mapping.FeatureClouds,
	guess spatialmath.Pose,
) (spatialmath.Pose, bool) {
	_, span := trace.StartSpan(ctx, "viamloam::scanmatch::ICP::Match")
	defer span.End()

	targets := []*kdtree.Tree{newTree(submap.Corner), newTree(submap.Surf)}
	sources := []*cloud.Cloud{scan.Corner, scan.Surf}
	maxDistSq := icp.cfg.MaxCorrespondDist * icp.cfg.MaxCorrespondDist

	pose := guess
	for iter := 0; iter < icp.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return pose, false
		}

		var src, dst []r3.Vector
		for i, target := range targets {
			if target == nil {
				continue
			}
			for _, p := range sources[i].Points() {
				moved := cloud.TransformPoint(pose, p)
				nearest, distSq := target.Nearest(kdtree.Point{moved.X, moved.Y, moved.Z})
				if nearest == nil || distSq > maxDistSq {
					continue
				}
				q := nearest.(kdtree.Point)
				src = append(src, moved)
				dst = append(dst, r3.Vector{X: q[0], Y: q[1], Z: q[2]})
			}
		}
		if len(src) < icp.cfg.MinCorrespondences {
			icp.logger.Debugw("too few correspondences", "iteration", iter, "pairs", len(src))
			return pose, false
		}

		delta, ok := fitRigid(src, dst)
		if !ok {
			return pose, false
		}
		pose = spatialmath.Compose(delta, pose)

		if delta.Point().Norm() < icp.cfg.TranslationThresh && rotationAngle(delta) < icp.cfg.RotationThresh {
			icp.logger.Debugw("alignment converged", "iterations", iter+1, "pairs", len(src))
			return pose, true
		}
	}
	return pose, false
}

func newTree(c *cloud.Cloud) *kdtree.Tree {
	if c.Empty() {
		return nil
	}
	points := make(kdtree.Points, 0, c.Size())
	for _, p := range c.Points() {
		points = append(points, kdtree.Point{p.X, p.Y, p.Z})
	}
	return kdtree.New(points, false)
}

// fitRigid returns the rigid transform minimizing the squared distances between
// the transformed src and dst, following Kabsch.
func fitRigid(src, dst []r3.Vector) (spatialmath.Pose, bool) {
	srcCentroid, dstCentroid := centroid(src), centroid(dst)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(srcCentroid)
		d := dst[i].Sub(dstCentroid)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		flip := mat.NewDiagDense(3, []float64{1, 1, -1})
		var vf mat.Dense
		vf.Mul(&v, flip)
		rot.Mul(&vf, u.T())
	}

	rotated := r3.Vector{
		X: rot.At(0, 0)*srcCentroid.X + rot.At(0, 1)*srcCentroid.Y + rot.At(0, 2)*srcCentroid.Z,
		Y: rot.At(1, 0)*srcCentroid.X + rot.At(1, 1)*srcCentroid.Y + rot.At(1, 2)*srcCentroid.Z,
		Z: rot.At(2, 0)*srcCentroid.X + rot.At(2, 1)*srcCentroid.Y + rot.At(2, 2)*srcCentroid.Z,
	}
	return spatialmath.NewPose(dstCentroid.Sub(rotated), quaternionFromMatrix(&rot)), true
}

func centroid(points []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

// quaternionFromMatrix converts a proper rotation matrix to a unit quaternion.
func quaternionFromMatrix(m mat.Matrix) *spatialmath.Quaternion {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q spatialmath.Quaternion
	switch tr := m00 + m11 + m22; {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q = spatialmath.Quaternion{Real: s / 4, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = spatialmath.Quaternion{Real: (m21 - m12) / s, Imag: s / 4, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = spatialmath.Quaternion{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: s / 4, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = spatialmath.Quaternion{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: s / 4}
	}
	return &q
}

// rotationAngle returns the angle in radians of the rotation part of pose.
func rotationAngle(pose spatialmath.Pose) float64 {
	w := math.Abs(pose.Orientation().Quaternion().Real)
	if w > 1 {
		w = 1
	}
	return 2 * math.Acos(w)
}

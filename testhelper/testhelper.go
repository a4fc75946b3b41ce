// Package testhelper builds synthetic scenes and replay datasets for tests.
package testhelper

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/dataprocess"
	"github.com/viam-modules/viam-loam/sensors"
)

// earthRadiusM matches the sphere github.com/kellydunn/golang-geo measures on.
const earthRadiusM = 6371000

// StartTime is the timestamp of the first frame of every generated dataset.
var StartTime = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

// Scene returns a static world of four vertical poles, seen as edge features,
// standing on a floor and in front of a wall, seen as planar features.
func Scene() (corner, surf *cloud.Cloud) {
	corner, surf = cloud.New(), cloud.New()
	for _, x := range []float64{-5, 5} {
		for _, y := range []float64{-5, 5} {
			for z := 0.0; z <= 3; z += 0.25 {
				corner.Append(r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	for x := -8.0; x <= 8; x++ {
		for y := -8.0; y <= 8; y++ {
			surf.Append(r3.Vector{X: x, Y: y, Z: -1})
		}
	}
	for y := -8.0; y <= 8; y++ {
		for z := 0.0; z <= 3; z++ {
			surf.Append(r3.Vector{X: 10, Y: y, Z: z})
		}
	}
	return corner, surf
}

// Trajectory returns n poses advancing step metres along X, yawing yawStep
// radians each frame.
func Trajectory(n int, step, yawStep float64) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, 0, n)
	for i := 0; i < n; i++ {
		poses = append(poses, spatialmath.NewPose(
			r3.Vector{X: step * float64(i)},
			&spatialmath.OrientationVector{OZ: 1, Theta: yawStep * float64(i)},
		))
	}
	return poses
}

// DatasetOptions shapes a generated replay dataset.
type DatasetOptions struct {
	DataFrequencyHz int
	FrameInterval   time.Duration
	// GPSEvery adds a geodetic fix at every GPSEvery-th frame. Zero disables GPS.
	GPSEvery int
}

// WriteReplayDataset writes the Scene as seen from each of poses into dir and
// returns the manifest. Odometry in the dataset is exact, so poses are also
// where the mapper should end up.
func WriteReplayDataset(t *testing.T, dir string, poses []spatialmath.Pose, opts DatasetOptions) sensors.Manifest {
	t.Helper()
	if opts.FrameInterval == 0 {
		opts.FrameInterval = 100 * time.Millisecond
	}
	corner, surf := Scene()
	full := corner.Clone()
	full.Concat(surf)

	m := sensors.Manifest{DataFrequencyHz: opts.DataFrequencyHz}
	for i, pose := range poses {
		inverse := spatialmath.PoseInverse(pose)
		ts := StartTime.Add(time.Duration(i) * opts.FrameInterval)
		frame := sensors.Frame{Timestamp: ts, Pose: sensors.NewPoseRecord(pose)}
		for _, out := range []struct {
			name  *string
			topic string
			c     *cloud.Cloud
		}{
			{&frame.FullRes, "full_res", full},
			{&frame.CornerLessSharp, "corner_less_sharp", corner},
			{&frame.SurfLessFlat, "surf_less_flat", surf},
		} {
			*out.name = fmt.Sprintf("%s_%04d.pcd", out.topic, i)
			err := dataprocess.WritePCDToFile(cloud.Transform(out.c, inverse), filepath.Join(dir, *out.name))
			test.That(t, err, test.ShouldBeNil)
		}
		m.Frames = append(m.Frames, frame)

		if opts.GPSEvery > 0 && i%opts.GPSEvery == 0 {
			lat, lng := LatLng(pose.Point())
			m.GPS = append(m.GPS, sensors.GPSFix{Timestamp: ts, Latitude: lat, Longitude: lng, Altitude: pose.Point().Z})
		}
	}
	test.That(t, sensors.WriteManifest(dir, m), test.ShouldBeNil)
	return m
}

// LatLng places a local east/north offset near latitude and longitude zero.
func LatLng(p r3.Vector) (lat, lng float64) {
	return p.Y / earthRadiusM * 180 / math.Pi, p.X / earthRadiusM * 180 / math.Pi
}

package viamloam_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	viamloam "github.com/viam-modules/viam-loam"
	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/config"
	"github.com/viam-modules/viam-loam/hybridgrid"
	"github.com/viam-modules/viam-loam/mapping"
	"github.com/viam-modules/viam-loam/postprocess"
	"github.com/viam-modules/viam-loam/publish"
	s "github.com/viam-modules/viam-loam/sensors"
	"github.com/viam-modules/viam-loam/sensors/inject"
	"github.com/viam-modules/viam-loam/testhelper"
)

// sceneSource replays the test scene from poses, then reports the end of the dataset.
func sceneSource(poses []spatialmath.Pose, hz int) *inject.TimedOdometry {
	corner, surf := testhelper.Scene()
	next := 0
	return &inject.TimedOdometry{
		NameFunc:            func() string { return "scene" },
		DataFrequencyHzFunc: func() int { return hz },
		TimedOdometryReadingFunc: func(ctx context.Context) (mapping.OdometryResult, error) {
			if next >= len(poses) {
				return mapping.OdometryResult{}, s.ErrEndOfDataset
			}
			pose := poses[next]
			inverse := spatialmath.PoseInverse(pose)
			r := mapping.OdometryResult{
				Timestamp:            testhelper.StartTime.Add(time.Duration(next) * 20 * time.Millisecond),
				CloudCornerLessSharp: cloud.Transform(corner, inverse),
				CloudSurfLessFlat:    cloud.Transform(surf, inverse),
				OdomPose:             pose,
			}
			next++
			return r, nil
		},
	}
}

func readMap(ctx context.Context, t *testing.T, svc *viamloam.LaserMapping) *cloud.Cloud {
	t.Helper()
	f, err := svc.PointCloudMap(ctx)
	test.That(t, err, test.ShouldBeNil)
	var pcd bytes.Buffer
	for {
		chunk, err := f()
		if errors.Is(err, io.EOF) {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		pcd.Write(chunk)
	}
	c, err := cloud.ReadPCD(&pcd)
	test.That(t, err, test.ShouldBeNil)
	return c
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	t.Run("Failed creation with a missing replay directory", func(t *testing.T) {
		cfg := &config.Config{Mode: "offline", DataDirectory: filepath.Join(t.TempDir(), "missing")}
		_, err := viamloam.New(ctx, cfg, logger, nil, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("Failed creation with an unknown mode", func(t *testing.T) {
		cfg := &config.Config{Mode: "sideways", DataDirectory: t.TempDir()}
		_, err := viamloam.New(ctx, cfg, logger, nil, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("Failed creation with an unusable metrics address", func(t *testing.T) {
		cfg := &config.Config{Mode: "offline", DataDirectory: t.TempDir(), MetricsAddr: "not-an-address"}
		source := sceneSource(testhelper.Trajectory(1, 0, 0), 0)
		_, err := viamloam.New(ctx, cfg, logger, source, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("Failed creation with an empty source", func(t *testing.T) {
		cfg := &config.Config{Mode: "offline", DataDirectory: t.TempDir()}
		_, err := viamloam.New(ctx, cfg, logger, sceneSource(nil, 0), nil)
		test.That(t, errors.Is(err, s.ErrEndOfDataset), test.ShouldBeTrue)
	})
}

func TestOfflineReplaySession(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	dataDir := t.TempDir()
	poses := testhelper.Trajectory(8, 0.3, 0.02)
	testhelper.WriteReplayDataset(t, dataDir, poses, testhelper.DatasetOptions{GPSEvery: 2})
	outputDir := filepath.Join(t.TempDir(), "out")

	recorder := publish.NewRecorder()
	cfg := &config.Config{
		Mode:            "offline",
		DataDirectory:   dataDir,
		OutputDirectory: outputDir,
		MetricsAddr:     "localhost:0",
	}
	svc, err := viamloam.New(ctx, cfg, logger, nil, recorder)
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, svc.JobDone(), test.ShouldBeTrue)
		test.That(tb, len(recorder.Poses(mapping.TopicMappedPose)), test.ShouldEqual, len(poses))
	})
	resp, err := svc.DoCommand(ctx, map[string]interface{}{"job_done": ""})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["job_done"], test.ShouldBeTrue)
	_, err = svc.DoCommand(ctx, map[string]interface{}{"fly": ""})
	test.That(t, err, test.ShouldBeError, viamgrpc.UnimplementedError)

	t.Run("position and map are served while running", func(t *testing.T) {
		pose, ts, err := svc.Position(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ts.Equal(testhelper.StartTime.Add(700*time.Millisecond)), test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqualEps(pose, poses[7], 1e-3), test.ShouldBeTrue)

		test.That(t, readMap(ctx, t, svc).Size(), test.ShouldBeGreaterThan, 0)
	})

	t.Run("map edits apply to the served map", func(t *testing.T) {
		before := readMap(ctx, t, svc)
		added := map[string]interface{}{"X": 50.0, "Y": 50.0, "Z": 50.0}
		resp, err := svc.DoCommand(ctx, map[string]interface{}{
			postprocess.AddCommand: []interface{}{added, added},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp[postprocess.AddCommand], test.ShouldEqual, 1)
		test.That(t, readMap(ctx, t, svc).Size(), test.ShouldEqual, before.Size()+1)

		resp, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.ToggleCommand: ""})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp[postprocess.ToggleCommand], test.ShouldBeFalse)
		test.That(t, readMap(ctx, t, svc).Size(), test.ShouldEqual, before.Size())
		_, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.ToggleCommand: ""})
		test.That(t, err, test.ShouldBeNil)

		_, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.RemoveCommand: "nope"})
		test.That(t, err, test.ShouldBeError, postprocess.ErrPointsNotASlice)

		_, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.UndoCommand: ""})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, readMap(ctx, t, svc).Size(), test.ShouldEqual, before.Size())
		_, err = svc.DoCommand(ctx, map[string]interface{}{postprocess.UndoCommand: ""})
		test.That(t, err, test.ShouldBeError, viamloam.ErrNothingToUndo)
	})

	t.Run("metrics are served over http", func(t *testing.T) {
		//nolint:noctx
		res, err := http.Get("http://" + svc.MetricsAddr() + "/metrics")
		test.That(t, err, test.ShouldBeNil)
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(body), test.ShouldContainSubstring, "loam_frames_received_total 8")
	})

	test.That(t, svc.Close(ctx), test.ShouldBeNil)
	test.That(t, svc.Close(ctx), test.ShouldBeNil)

	// Offline mode maps every frame, and exact odometry lands on the truth.
	mapped := recorder.Poses(mapping.TopicMappedPose)
	test.That(t, len(mapped), test.ShouldEqual, len(poses))
	for i, sp := range mapped {
		test.That(t, sp.Timestamp.Equal(testhelper.StartTime.Add(time.Duration(i)*100*time.Millisecond)), test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqualEps(sp.Pose, poses[i], 1e-3), test.ShouldBeTrue)
	}
	test.That(t, len(recorder.Clouds(mapping.TopicFullRes)), test.ShouldEqual, len(poses))
	test.That(t, len(recorder.Clouds(mapping.TopicSurround)), test.ShouldEqual, 2)

	// Fused with the GPS fixes written alongside the frames.
	trajectory := svc.Trajectory()
	test.That(t, len(trajectory), test.ShouldEqual, len(poses))
	for i, lp := range trajectory {
		test.That(t, lp.Pose.Point().Distance(poses[i].Point()), test.ShouldBeLessThan, 0.05)
	}

	entries, err := os.ReadDir(outputDir)
	test.That(t, err, test.ShouldBeNil)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	test.That(t, names, test.ShouldContain, mapping.TopicSurround)
	test.That(t, names, test.ShouldContain, mapping.TopicMappedPath+".json")

	_, _, err = svc.Position(ctx)
	test.That(t, err, test.ShouldBeError, viamloam.ErrClosed)
	_, err = svc.PointCloudMap(ctx)
	test.That(t, err, test.ShouldBeError, viamloam.ErrClosed)
	_, err = svc.DoCommand(ctx, map[string]interface{}{"job_done": ""})
	test.That(t, err, test.ShouldBeError, viamloam.ErrClosed)
}

func TestOnlineSession(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	poses := testhelper.Trajectory(20, 0.05, 0)
	recorder := publish.NewRecorder()

	cfg := &config.Config{Mode: "online", DataDirectory: t.TempDir()}
	svc, err := viamloam.New(ctx, cfg, logger, sceneSource(poses, 50), recorder)
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, svc.JobDone(), test.ShouldBeTrue)
	})
	test.That(t, svc.Close(ctx), test.ShouldBeNil)

	// Every result gets a low-latency estimate even when the loop drops it.
	test.That(t, len(recorder.Poses(mapping.TopicHighFreqPose)), test.ShouldEqual, len(poses))
	mapped := recorder.Poses(mapping.TopicMappedPose)
	test.That(t, len(mapped), test.ShouldBeGreaterThan, 0)
	test.That(t, len(mapped), test.ShouldBeLessThanOrEqualTo, len(poses))
}

func TestMapBoundIsFatal(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	bits := 1
	cfg := &config.Config{Mode: "offline", DataDirectory: t.TempDir(), MaxGridBits: &bits}
	// The scene seen from 1000m away lands far outside a one-bit map.
	corner, surf := testhelper.Scene()
	source := &inject.TimedOdometry{
		NameFunc:            func() string { return "far" },
		DataFrequencyHzFunc: func() int { return 0 },
		TimedOdometryReadingFunc: func(ctx context.Context) (mapping.OdometryResult, error) {
			return mapping.OdometryResult{
				Timestamp:            testhelper.StartTime,
				CloudCornerLessSharp: corner,
				CloudSurfLessFlat:    surf,
				OdomPose:             spatialmath.NewPoseFromPoint(r3.Vector{X: 1000}),
			}, nil
		},
	}

	svc, err := viamloam.New(ctx, cfg, logger, source, nil)
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, _, err := svc.Position(ctx)
		test.That(tb, errors.Is(err, hybridgrid.ErrGridBoundExceeded), test.ShouldBeTrue)
	})
	test.That(t, errors.Is(svc.Err(), hybridgrid.ErrGridBoundExceeded), test.ShouldBeTrue)
	test.That(t, svc.JobDone(), test.ShouldBeFalse)
	err = svc.Close(ctx)
	test.That(t, errors.Is(err, hybridgrid.ErrGridBoundExceeded), test.ShouldBeTrue)
}

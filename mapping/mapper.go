package mapping

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/hybridgrid"
	"github.com/viam-modules/viam-loam/metrics"
)

const (
	// DefaultLineResolution is the leaf size used to thin edge features.
	DefaultLineResolution = 0.2
	// DefaultPlaneResolution is the leaf size used to thin planar features.
	DefaultPlaneResolution = 0.4
	// DefaultMapResolution is the voxel edge length of both feature maps.
	DefaultMapResolution = 3.0
	// DefaultQueueWait bounds each wait of the loop for new results.
	DefaultQueueWait = 50 * time.Millisecond
	// DefaultSnapshotEvery is the number of frames between two surround snapshots.
	DefaultSnapshotEvery = 5

	minCornerPoints = 10
	minSurfPoints   = 50
)

// ErrClosed is returned when results are added to a closed Mapper.
var ErrClosed = errors.New("mapper is closed")

// Config describes how to build a Mapper. Zero numeric values take the defaults
// above. Aligner and Logger are required.
type Config struct {
	Mode            Mode
	LineResolution  float64
	PlaneResolution float64
	MapResolution   float64
	MaxGridBits     int
	SurroundRadius  float64
	QueueWait       time.Duration
	SnapshotEvery   int

	Aligner   Aligner
	Fuser     Fuser
	Publisher Publisher
	Metrics   *metrics.Registry
	Logger    logging.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.LineResolution == 0 {
		cfg.LineResolution = DefaultLineResolution
	}
	if cfg.PlaneResolution == 0 {
		cfg.PlaneResolution = DefaultPlaneResolution
	}
	if cfg.MapResolution == 0 {
		cfg.MapResolution = DefaultMapResolution
	}
	if cfg.MaxGridBits == 0 {
		cfg.MaxGridBits = hybridgrid.DefaultMaxBits
	}
	if cfg.SurroundRadius == 0 {
		cfg.SurroundRadius = hybridgrid.DefaultSurroundRadius
	}
	if cfg.QueueWait == 0 {
		cfg.QueueWait = DefaultQueueWait
	}
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	return cfg
}

// Mapper runs the mapping loop. Results are queued by AddOdometryResult from any
// goroutine; a single background goroutine started by Start consumes them and is
// the only one to ever touch the two feature maps.
type Mapper struct {
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	queue    []OdometryResult
	shutdown bool
	closed   bool
	err      error
	odom2Map spatialmath.Pose
	latest   *StampedPose
	snapshot *cloud.Cloud

	notify  chan struct{}
	workers sync.WaitGroup

	// Owned by the loop goroutine.
	cornerMap   *hybridgrid.PointMap
	surfMap     *hybridgrid.PointMap
	lineFilter  *cloud.VoxelFilter
	planeFilter *cloud.VoxelFilter
	frameIdx    int
	path        []StampedPose
}

// New returns a Mapper with empty maps. The loop does not run until Start is called.
func New(cfg Config) (*Mapper, error) {
	if cfg.Logger == nil {
		return nil, errors.New("mapping config is missing a logger")
	}
	if cfg.Aligner == nil {
		return nil, errors.New("mapping config is missing an aligner")
	}
	cfg = cfg.withDefaults()

	return &Mapper{
		cfg:         cfg,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		odom2Map:    spatialmath.NewZeroPose(),
		notify:      make(chan struct{}, 1),
		cornerMap:   hybridgrid.NewPointMap(cfg.MapResolution, cfg.MaxGridBits, cfg.SurroundRadius),
		surfMap:     hybridgrid.NewPointMap(cfg.MapResolution, cfg.MaxGridBits, cfg.SurroundRadius),
		lineFilter:  cloud.NewVoxelFilter(cfg.LineResolution),
		planeFilter: cloud.NewVoxelFilter(cfg.PlaneResolution),
	}, nil
}

// Start launches the mapping loop. The loop stops when ctx is done or after Close.
// Starting a closed Mapper does nothing.
func (m *Mapper) Start(ctx context.Context) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.logger.Warn("Start() called after Close()")
		return
	}
	m.logger.Infow("starting mapping loop", "mode", m.cfg.Mode.String())
	m.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer m.workers.Done()
		m.run(ctx)
	})
}

// AddOdometryResult queues r for the mapping loop and immediately publishes the
// low-latency estimate of r's pose in the map frame, using the latest correction
// known to the loop.
func (m *Mapper) AddOdometryResult(ctx context.Context, r OdometryResult) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return err
	}
	m.queue = append(m.queue, r)
	depth := len(m.queue)
	relay := spatialmath.Compose(m.odom2Map, r.OdomPose)
	m.mu.Unlock()

	m.signal()
	m.metrics.FramesReceived.Inc()
	m.metrics.QueueDepth.Set(float64(depth))
	m.publishPose(ctx, TopicHighFreqPose, r.Timestamp, relay)
	return nil
}

// Pose returns the latest refined pose. ok is false until a frame was processed.
func (m *Mapper) Pose() (pose StampedPose, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return StampedPose{}, false
	}
	return *m.latest, true
}

// Snapshot returns a copy of the latest surround snapshot, or nil if none was taken yet.
func (m *Mapper) Snapshot() *cloud.Cloud {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil
	}
	return m.snapshot.Clone()
}

// Pending returns the number of queued results the loop has not taken yet.
func (m *Mapper) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Err returns the error that stopped the loop, if any.
func (m *Mapper) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close stops the loop and waits for it, then runs the final fusion pass. In
// offline mode every result queued so far is processed first; in online mode
// whatever is still queued is abandoned. Close returns the error that stopped
// the loop, if any, combined with the error of the fusion pass.
func (m *Mapper) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("Close() called multiple times")
		return nil
	}
	m.closed = true
	m.shutdown = true
	m.mu.Unlock()

	m.signal()
	m.workers.Wait()

	err := m.Err()
	if m.cfg.Fuser != nil {
		err = multierr.Combine(err, errors.Wrap(m.cfg.Fuser.Optimize(ctx), "final fusion pass failed"))
	}
	m.logger.Info("mapping loop closed")
	return err
}

func (m *Mapper) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mapper) run(ctx context.Context) {
	for {
		r, ok := m.next(ctx)
		if !ok {
			return
		}
		if err := m.process(ctx, r); err != nil {
			m.mu.Lock()
			m.err = err
			abandoned := len(m.queue)
			m.queue = nil
			m.mu.Unlock()
			m.metrics.QueueDepth.Set(0)
			m.logger.Errorw("mapping loop stopped", "error", err, "abandoned", abandoned)
			return
		}
	}
}

// next blocks until a result is available and applies the backpressure policy.
// It reports false once the loop should stop.
func (m *Mapper) next(ctx context.Context) (OdometryResult, bool) {
	for {
		m.mu.Lock()
		if m.shutdown && (m.cfg.Mode == ModeOnline || len(m.queue) == 0) {
			abandoned := len(m.queue)
			m.queue = nil
			m.mu.Unlock()
			if abandoned > 0 {
				m.logger.Warnw("abandoning queued results on shutdown", "count", abandoned)
			}
			return OdometryResult{}, false
		}
		if len(m.queue) > 0 {
			var r OdometryResult
			dropped := 0
			if m.cfg.Mode == ModeOnline {
				dropped = len(m.queue) - 1
				r = m.queue[dropped]
				m.queue = nil
			} else {
				r = m.queue[0]
				m.queue[0] = OdometryResult{}
				m.queue = m.queue[1:]
			}
			depth := len(m.queue)
			m.mu.Unlock()

			m.metrics.QueueDepth.Set(float64(depth))
			if dropped > 0 {
				m.metrics.FramesDropped.Add(float64(dropped))
				m.logger.Warnw("dropping frames to keep up in real time", "dropped", dropped)
			}
			return r, true
		}
		m.mu.Unlock()

		timer := time.NewTimer(m.cfg.QueueWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return OdometryResult{}, false
		case <-m.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// process runs one result through the mapping pipeline. Only errors that make
// further mapping impossible are returned.
func (m *Mapper) process(ctx context.Context, r OdometryResult) error {
	ctx, span := trace.StartSpan(ctx, "viamloam::mapping::Mapper::process")
	defer span.End()
	start := time.Now()

	m.mu.Lock()
	guess := spatialmath.Compose(m.odom2Map, r.OdomPose)
	m.mu.Unlock()

	stepStart := time.Now()
	cornerFromMap := m.cornerMap.GetSurroundedCloud(r.CloudCornerLessSharp, guess)
	surfFromMap := m.surfMap.GetSurroundedCloud(r.CloudSurfLessFlat, guess)
	m.observeStep(metrics.StepSurround, stepStart)

	cornerStack := m.lineFilter.Downsample(r.CloudCornerLessSharp)
	surfStack := m.planeFilter.Downsample(r.CloudSurfLessFlat)

	m.logger.Debugw("collected submap", "corner", cornerFromMap.Size(), "surf", surfFromMap.Size())
	pose := guess
	if cornerFromMap.Size() > minCornerPoints && surfFromMap.Size() > minSurfPoints {
		stepStart = time.Now()
		refined, converged := m.cfg.Aligner.Match(ctx,
			FeatureClouds{Corner: cornerFromMap, Surf: surfFromMap},
			FeatureClouds{Corner: cornerStack, Surf: surfStack},
			guess)
		m.observeStep(metrics.StepMatch, stepStart)
		pose = refined
		if !converged {
			m.metrics.AlignmentsUnconverged.Inc()
			m.logger.Warnw("alignment did not converge, using its last estimate", "timestamp", r.Timestamp)
		}
	} else {
		m.metrics.FramesDegraded.Inc()
		m.logger.Warnw("submap too sparse to align, keeping odometry guess",
			"corner", cornerFromMap.Size(), "surf", surfFromMap.Size())
	}

	stamped := StampedPose{Timestamp: r.Timestamp, Pose: pose}
	m.mu.Lock()
	m.odom2Map = spatialmath.Compose(pose, spatialmath.PoseInverse(r.OdomPose))
	m.latest = &stamped
	m.mu.Unlock()

	stepStart = time.Now()
	if err := m.cornerMap.InsertScan(cloud.Transform(cornerStack, pose), m.lineFilter); err != nil {
		return errors.Wrap(err, "inserting edge features")
	}
	if err := m.surfMap.InsertScan(cloud.Transform(surfStack, pose), m.planeFilter); err != nil {
		return errors.Wrap(err, "inserting planar features")
	}
	m.observeStep(metrics.StepInsert, stepStart)
	m.observeStep(metrics.StepWhole, start)

	if m.frameIdx%m.cfg.SnapshotEvery == 0 {
		m.takeSnapshot(ctx, r.Timestamp, cornerFromMap, surfFromMap)
	}
	m.frameIdx++

	m.publishPose(ctx, TopicMappedPose, r.Timestamp, pose)
	m.path = append(m.path, stamped)
	m.warnOnPublishError(TopicMappedPath, m.cfg.Publisher.PublishPath(ctx, TopicMappedPath, r.Timestamp, m.path))

	if m.cfg.Fuser != nil {
		if err := m.cfg.Fuser.AddLocalPose(r.Timestamp, pose); err != nil {
			return errors.Wrap(err, "handing pose to fusion")
		}
	}

	m.publishScan(ctx, r)
	m.metrics.FramesProcessed.Inc()
	return nil
}

func (m *Mapper) takeSnapshot(ctx context.Context, ts time.Time, corner, surf *cloud.Cloud) {
	snapshot := corner.Clone()
	snapshot.Concat(surf)

	m.mu.Lock()
	m.snapshot = snapshot
	m.mu.Unlock()

	cornerVoxels, cornerPoints := m.cornerMap.Stats()
	surfVoxels, surfPoints := m.surfMap.Stats()
	m.metrics.SetMapSize(metrics.MapCorner, cornerVoxels, cornerPoints)
	m.metrics.SetMapSize(metrics.MapSurf, surfVoxels, surfPoints)
	m.logger.Debugw("map size", "corner_voxels", cornerVoxels, "corner_points", cornerPoints,
		"surf_voxels", surfVoxels, "surf_points", surfPoints)

	m.warnOnPublishError(TopicSurround, m.cfg.Publisher.PublishCloud(ctx, TopicSurround, ts, snapshot))
}

func (m *Mapper) publishScan(ctx context.Context, r OdometryResult) {
	for _, c := range []struct {
		topic string
		cloud *cloud.Cloud
	}{
		{TopicFullRes, r.CloudFullRes},
		{TopicCornerSharp, r.CloudCornerSharp},
		{TopicCornerLessSharp, r.CloudCornerLessSharp},
		{TopicSurfFlat, r.CloudSurfFlat},
		{TopicSurfLessFlat, r.CloudSurfLessFlat},
	} {
		if c.cloud == nil {
			continue
		}
		m.warnOnPublishError(c.topic, m.cfg.Publisher.PublishCloud(ctx, c.topic, r.Timestamp, c.cloud))
	}
}

func (m *Mapper) publishPose(ctx context.Context, topic string, ts time.Time, pose spatialmath.Pose) {
	m.warnOnPublishError(topic, m.cfg.Publisher.PublishPose(ctx, topic, ts, pose))
}

// warnOnPublishError logs a failed publish. Publishing never stops mapping.
func (m *Mapper) warnOnPublishError(topic string, err error) {
	if err != nil {
		m.logger.Warnw("publish failed", "topic", topic, "error", err)
	}
}

func (m *Mapper) observeStep(step string, since time.Time) {
	d := time.Since(since)
	m.metrics.ObserveStep(step, d)
	m.logger.Debugw("mapping step done", "step", step, "duration", d)
}

type nopPublisher struct{}

func (nopPublisher) PublishCloud(context.Context, string, time.Time, *cloud.Cloud) error {
	return nil
}

func (nopPublisher) PublishPose(context.Context, string, time.Time, spatialmath.Pose) error {
	return nil
}

func (nopPublisher) PublishPath(context.Context, string, time.Time, []StampedPose) error {
	return nil
}

// Package viamloam implements the back end of a LiDAR odometry and mapping pipeline.
// It refines odometry against a sparse feature map and publishes the map and
// poses as it grows.
package viamloam

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/config"
	"github.com/viam-modules/viam-loam/gpsfusion"
	"github.com/viam-modules/viam-loam/mapping"
	"github.com/viam-modules/viam-loam/metrics"
	"github.com/viam-modules/viam-loam/postprocess"
	"github.com/viam-modules/viam-loam/publish"
	"github.com/viam-modules/viam-loam/scanmatch"
	"github.com/viam-modules/viam-loam/sensorprocess"
	s "github.com/viam-modules/viam-loam/sensors"
)

var (
	// ErrClosed denotes that a service method was called on a closed service.
	ErrClosed = errors.New("laser mapping service is closed")
	// ErrNoPose is returned by Position before the first frame was mapped.
	ErrNoPose = errors.New("no frame has been mapped yet")
	// ErrNothingToUndo is returned by the undo command when no edit is left.
	ErrNothingToUndo = errors.New("no postprocessing step to undo")
)

const (
	sensorValidationMaxTimeout = 30 * time.Second
	sensorValidationInterval   = time.Second
	metricsShutdownTimeout     = 5 * time.Second
	chunkSizeBytes             = 1 * 1024 * 1024
)

// LaserMapping owns the mapping loop and its collaborators: the odometry
// source, the aligner, the fusion pass, the publishers and the metrics.
type LaserMapping struct {
	params  config.OptionalParameters
	logger  logging.Logger
	source  s.TimedOdometry
	mapper  *mapping.Mapper
	fusion  *gpsfusion.Fusion
	metrics *metrics.Registry

	socket        *publish.SocketPublisher
	metricsServer *http.Server
	metricsAddr   string

	// The sensor process is shut down before the mapping loop.
	cancelSensorProcessFunc func()
	cancelMapperFunc        func()
	sensorProcessWorkers    sync.WaitGroup
	backgroundWorkers       sync.WaitGroup

	jobDone atomic.Bool

	// Hand edits applied to the served map while postprocessingOff is false.
	postprocessMu     sync.Mutex
	postprocessTasks  []postprocess.Task
	postprocessingOff bool

	mu     sync.Mutex
	closed bool
}

// pacedSource reports the pace resolved from the config instead of the source's own.
type pacedSource struct {
	s.TimedOdometry
	dataFrequencyHz int
}

func (p pacedSource) DataFrequencyHz() int {
	return p.dataFrequencyHz
}

// New builds the service from cfg and starts mapping. testSourceOverride
// replaces the replay directory and testPublisherOverride receives every
// published message in addition to the configured sinks; both may be nil.
func New(
	ctx context.Context,
	cfg *config.Config,
	logger logging.Logger,
	testSourceOverride s.TimedOdometry,
	testPublisherOverride mapping.Publisher,
) (*LaserMapping, error) {
	ctx, span := trace.StartSpan(ctx, "viamloam::LaserMapping::New")
	defer span.End()

	params, err := config.GetOptionalParameters(cfg, logger)
	if err != nil {
		return nil, err
	}

	source := testSourceOverride
	if source == nil {
		if source, err = s.NewReplay(ctx, cfg.DataDirectory, logger); err != nil {
			return nil, err
		}
	}
	hz := config.ResolveDataFrequencyHz(params, source.DataFrequencyHz(), logger)
	source = pacedSource{TimedOdometry: source, dataFrequencyHz: hz}

	cancelSensorProcessCtx, cancelSensorProcessFunc := context.WithCancel(context.Background())
	cancelMapperCtx, cancelMapperFunc := context.WithCancel(context.Background())

	svc := &LaserMapping{
		params:                  params,
		logger:                  logger,
		source:                  source,
		fusion:                  gpsfusion.New(logger),
		metrics:                 metrics.NewRegistry(),
		cancelSensorProcessFunc: cancelSensorProcessFunc,
		cancelMapperFunc:        cancelMapperFunc,
	}

	defer func() {
		if err != nil {
			logger.Errorw("New() hit error, closing...", "error", err)
			if err := svc.Close(ctx); err != nil {
				logger.Errorw("error closing out after error", "error", err)
			}
		}
	}()

	if gps, ok := svc.source.(pacedSource).TimedOdometry.(s.GPSSource); ok {
		for _, fix := range gps.GPSFixes() {
			if err = svc.fusion.AddGPSFix(fix.Timestamp, fix.Latitude, fix.Longitude, fix.Altitude); err != nil {
				return nil, err
			}
		}
	}

	var publisher publish.Multi
	if cfg.PublishAddr != "" {
		if svc.socket, err = publish.NewSocketPublisher(cfg.PublishAddr, cfg.Compress, logger); err != nil {
			return nil, err
		}
		publisher = append(publisher, svc.socket)
	}
	if cfg.OutputDirectory != "" {
		var dir *publish.DirectoryPublisher
		if dir, err = publish.NewDirectoryPublisher(cfg.OutputDirectory); err != nil {
			return nil, err
		}
		publisher = append(publisher, dir)
	}
	if testPublisherOverride != nil {
		publisher = append(publisher, testPublisherOverride)
	}

	if cfg.MetricsAddr != "" {
		if err = svc.serveMetrics(cfg.MetricsAddr); err != nil {
			return nil, err
		}
	}

	svc.mapper, err = mapping.New(mapping.Config{
		Mode:            params.Mode,
		LineResolution:  params.LineResolution,
		PlaneResolution: params.PlaneResolution,
		MapResolution:   params.MapResolution,
		MaxGridBits:     params.MaxGridBits,
		SurroundRadius:  params.SurroundRadius,
		QueueWait:       params.QueueWait,
		SnapshotEvery:   params.SnapshotEvery,
		Aligner:         scanmatch.New(scanmatch.DefaultConfig(), logger),
		Fuser:           svc.fusion,
		Publisher:       publisher,
		Metrics:         svc.metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	svc.mapper.Start(cancelMapperCtx)

	var first mapping.OdometryResult
	if first, err = s.ValidateGetData(
		cancelSensorProcessCtx,
		source,
		sensorValidationMaxTimeout,
		sensorValidationInterval,
		logger,
	); err != nil {
		err = errors.Wrapf(err, "failed to get data from odometry source %v", source.Name())
		return nil, err
	}
	if err = svc.mapper.AddOdometryResult(ctx, first); err != nil {
		return nil, err
	}

	svc.initSensorProcess(cancelSensorProcessCtx)
	logger.Infow("laser mapping started", "mode", params.Mode.String(), "source", source.Name(), "data_frequency_hz", hz)
	return svc, nil
}

func (svc *LaserMapping) initSensorProcess(cancelCtx context.Context) {
	spConfig := sensorprocess.Config{
		Mapper: svc.mapper,
		Source: svc.source,
		Online: svc.params.Mode == mapping.ModeOnline,
		Logger: svc.logger,
	}

	svc.sensorProcessWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer svc.sensorProcessWorkers.Done()
		if jobDone := spConfig.StartOdometry(cancelCtx); jobDone {
			svc.jobDone.Store(true)
			svc.cancelSensorProcessFunc()
		}
	})
}

func (svc *LaserMapping) serveMetrics(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listening for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", svc.metrics.Handler())
	svc.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	svc.metricsAddr = listener.Addr().String()

	svc.backgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer svc.backgroundWorkers.Done()
		if err := svc.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.logger.Errorw("metrics server stopped", "error", err)
		}
	})
	svc.logger.Infow("serving metrics", "addr", svc.metricsAddr)
	return nil
}

// MetricsAddr returns the address metrics are served on, or "" when disabled.
func (svc *LaserMapping) MetricsAddr() string {
	return svc.metricsAddr
}

// Metrics returns the registry the mapping loop reports to.
func (svc *LaserMapping) Metrics() *metrics.Registry {
	return svc.metrics
}

func (svc *LaserMapping) isClosed() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.closed
}

// Position returns the latest refined pose of the platform in the map frame
// and the time of the frame it was computed from.
func (svc *LaserMapping) Position(ctx context.Context) (spatialmath.Pose, time.Time, error) {
	_, span := trace.StartSpan(ctx, "viamloam::LaserMapping::Position")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("Position called after closed")
		return nil, time.Time{}, ErrClosed
	}
	if err := svc.mapper.Err(); err != nil {
		return nil, time.Time{}, err
	}
	pose, ok := svc.mapper.Pose()
	if !ok {
		return nil, time.Time{}, ErrNoPose
	}
	return pose.Pose, pose.Timestamp, nil
}

// PointCloudMap returns a callback yielding the latest surround snapshot as
// binary PCD, one chunk per call. Before the first snapshot the cloud is empty.
func (svc *LaserMapping) PointCloudMap(ctx context.Context) (func() ([]byte, error), error) {
	_, span := trace.StartSpan(ctx, "viamloam::LaserMapping::PointCloudMap")
	defer span.End()
	if svc.isClosed() {
		svc.logger.Warn("PointCloudMap called after closed")
		return nil, ErrClosed
	}

	snapshot := svc.mapper.Snapshot()
	if snapshot == nil {
		snapshot = cloud.New()
	}
	svc.postprocessMu.Lock()
	if !svc.postprocessingOff && len(svc.postprocessTasks) > 0 {
		snapshot = postprocess.UpdatePointCloud(snapshot, svc.postprocessTasks)
	}
	svc.postprocessMu.Unlock()
	var buf bytes.Buffer
	if err := snapshot.WritePCD(&buf); err != nil {
		return nil, err
	}
	return toChunkedFunc(buf.Bytes()), nil
}

func toChunkedFunc(b []byte) func() ([]byte, error) {
	chunk := make([]byte, chunkSizeBytes)

	reader := bytes.NewReader(b)

	f := func() ([]byte, error) {
		bytesRead, err := reader.Read(chunk)
		if err != nil {
			return nil, err
		}
		return chunk[:bytesRead], err
	}
	return f
}

// Trajectory returns the refined poses handed to the fusion pass. After Close
// they carry the fused translations.
func (svc *LaserMapping) Trajectory() []gpsfusion.LocalPose {
	return svc.fusion.LocalPoses()
}

// Err returns the error that stopped the mapping loop, if any. Close returns it too.
func (svc *LaserMapping) Err() error {
	if svc.mapper == nil {
		return nil
	}
	return svc.mapper.Err()
}

// JobDone reports whether the odometry source was exhausted.
func (svc *LaserMapping) JobDone() bool {
	return svc.jobDone.Load()
}

// DoCommand receives arbitrary commands.
func (svc *LaserMapping) DoCommand(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	if svc.isClosed() {
		svc.logger.Warn("DoCommand called after closed")
		return nil, ErrClosed
	}

	if _, ok := req["job_done"]; ok {
		return map[string]interface{}{"job_done": svc.jobDone.Load()}, nil
	}
	if _, ok := req["pending"]; ok {
		return map[string]interface{}{"pending": svc.mapper.Pending()}, nil
	}
	if resp, ok, err := svc.postprocessCommand(req); ok {
		return resp, err
	}

	return nil, viamgrpc.UnimplementedError
}

// postprocessCommand handles the map editing commands. ok is false when req
// holds none of them.
func (svc *LaserMapping) postprocessCommand(req map[string]interface{}) (map[string]interface{}, bool, error) {
	svc.postprocessMu.Lock()
	defer svc.postprocessMu.Unlock()

	if _, ok := req[postprocess.ToggleCommand]; ok {
		svc.postprocessingOff = !svc.postprocessingOff
		return map[string]interface{}{postprocess.ToggleCommand: !svc.postprocessingOff}, true, nil
	}
	if _, ok := req[postprocess.UndoCommand]; ok {
		if len(svc.postprocessTasks) == 0 {
			return nil, true, ErrNothingToUndo
		}
		svc.postprocessTasks = svc.postprocessTasks[:len(svc.postprocessTasks)-1]
		return map[string]interface{}{postprocess.UndoCommand: len(svc.postprocessTasks)}, true, nil
	}
	for cmd, instruction := range map[string]postprocess.Instruction{
		postprocess.AddCommand:    postprocess.Add,
		postprocess.RemoveCommand: postprocess.Remove,
	} {
		points, ok := req[cmd]
		if !ok {
			continue
		}
		task, err := postprocess.ParseDoCommand(points, instruction)
		if err != nil {
			return nil, true, err
		}
		svc.postprocessTasks = append(svc.postprocessTasks, task)
		svc.logger.Infow("map edit queued", "command", cmd, "points", len(task.Points))
		return map[string]interface{}{cmd: len(svc.postprocessTasks)}, true, nil
	}
	return nil, false, nil
}

// Close stops feeding the mapping loop, lets the loop finish according to its
// mode, runs the final fusion pass and releases the publishers.
func (svc *LaserMapping) Close(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		svc.logger.Warn("Close() called multiple times")
		return nil
	}
	svc.logger.Info("Closing laser mapping service")

	svc.cancelSensorProcessFunc()
	svc.sensorProcessWorkers.Wait()

	var err error
	if svc.mapper != nil {
		err = svc.mapper.Close(ctx)
	}
	svc.cancelMapperFunc()

	if svc.socket != nil {
		err = multierr.Combine(err, svc.socket.Close())
	}
	if svc.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, metricsShutdownTimeout)
		err = multierr.Combine(err, svc.metricsServer.Shutdown(shutdownCtx))
		cancel()
	}
	svc.backgroundWorkers.Wait()
	svc.closed = true

	if err != nil {
		svc.logger.Errorw("close hit error", "error", err)
	}
	svc.logger.Info("Closing complete")
	return err
}

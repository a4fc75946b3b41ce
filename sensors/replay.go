package sensors

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/dataprocess"
	"github.com/viam-modules/viam-loam/mapping"
)

// ManifestFilename is the name of the manifest inside a replay directory.
const ManifestFilename = "manifest.yaml"

// Manifest lists the frames of a recorded odometry session. Cloud paths are
// relative to the directory holding the manifest.
type Manifest struct {
	DataFrequencyHz int      `yaml:"data_frequency_hz" validate:"gte=0"`
	Frames          []Frame  `yaml:"frames" validate:"required,min=1,dive"`
	GPS             []GPSFix `yaml:"gps,omitempty" validate:"omitempty,dive"`
}

// Frame is one recorded odometry result. Only the two less-sharp feature
// clouds are required; the others are published when present.
type Frame struct {
	Timestamp       time.Time  `yaml:"timestamp"`
	Pose            PoseRecord `yaml:"pose"`
	FullRes         string     `yaml:"full_res,omitempty"`
	CornerSharp     string     `yaml:"corner_sharp,omitempty"`
	CornerLessSharp string     `yaml:"corner_less_sharp" validate:"required"`
	SurfFlat        string     `yaml:"surf_flat,omitempty"`
	SurfLessFlat    string     `yaml:"surf_less_flat" validate:"required"`
}

// PoseRecord is a pose as translation and unit quaternion. An all-zero
// quaternion is read as the identity rotation.
type PoseRecord struct {
	X  float64 `yaml:"x"`
	Y  float64 `yaml:"y"`
	Z  float64 `yaml:"z"`
	QW float64 `yaml:"qw"`
	QX float64 `yaml:"qx"`
	QY float64 `yaml:"qy"`
	QZ float64 `yaml:"qz"`
}

// NewPoseRecord flattens pose.
func NewPoseRecord(pose spatialmath.Pose) PoseRecord {
	pt := pose.Point()
	q := pose.Orientation().Quaternion()
	return PoseRecord{X: pt.X, Y: pt.Y, Z: pt.Z, QW: q.Real, QX: q.Imag, QY: q.Jmag, QZ: q.Kmag}
}

// Pose returns the record as a spatialmath pose.
func (p PoseRecord) Pose() spatialmath.Pose {
	q := &spatialmath.Quaternion{Real: p.QW, Imag: p.QX, Jmag: p.QY, Kmag: p.QZ}
	if p.QW == 0 && p.QX == 0 && p.QY == 0 && p.QZ == 0 {
		q.Real = 1
	}
	return spatialmath.NewPose(r3.Vector{X: p.X, Y: p.Y, Z: p.Z}, q)
}

// ReadManifest reads and validates the manifest of a replay directory.
func ReadManifest(dir string) (Manifest, error) {
	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return Manifest{}, errors.Wrap(err, "reading replay manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "parsing replay manifest")
	}
	if err := validate.Struct(&m); err != nil {
		return Manifest{}, errors.Wrap(err, "invalid replay manifest")
	}
	for i := 1; i < len(m.Frames); i++ {
		if !m.Frames[i-1].Timestamp.Before(m.Frames[i].Timestamp) {
			return Manifest{}, errors.Errorf("replay frame %d at %v is not after frame %d", i, m.Frames[i].Timestamp, i-1)
		}
	}
	for i := 1; i < len(m.GPS); i++ {
		if !m.GPS[i-1].Timestamp.Before(m.GPS[i].Timestamp) {
			return Manifest{}, errors.Errorf("gps fix %d at %v is not after fix %d", i, m.GPS[i].Timestamp, i-1)
		}
	}
	return m, nil
}

// WriteManifest writes m as the manifest of dir.
func WriteManifest(dir string, m Manifest) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	return dataprocess.WriteBytesToFile(data, filepath.Join(dir, ManifestFilename))
}

// Replay is a TimedOdometry reading a recorded session from a directory.
type Replay struct {
	name     string
	dir      string
	manifest Manifest
	logger   logging.Logger

	mu   sync.Mutex
	next int
}

var (
	_ TimedOdometry = (*Replay)(nil)
	_ GPSSource     = (*Replay)(nil)
)

// NewReplay opens the replay directory dir. Every cloud the manifest names
// must exist.
func NewReplay(ctx context.Context, dir string, logger logging.Logger) (*Replay, error) {
	_, span := trace.StartSpan(ctx, "viamloam::sensors::NewReplay")
	defer span.End()

	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	for i, f := range m.Frames {
		for _, name := range f.files() {
			if name == "" {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				return nil, errors.Wrapf(err, "replay frame %d", i)
			}
		}
	}
	logger.Infow("opened replay dataset", "dir", dir, "frames", len(m.Frames), "gps_fixes", len(m.GPS))
	return &Replay{name: filepath.Base(dir), dir: dir, manifest: m, logger: logger}, nil
}

func (f Frame) files() []string {
	return []string{f.FullRes, f.CornerSharp, f.CornerLessSharp, f.SurfFlat, f.SurfLessFlat}
}

// Name returns the name of the replay directory.
func (r *Replay) Name() string {
	return r.name
}

// DataFrequencyHz returns the rate the session was recorded at.
func (r *Replay) DataFrequencyHz() int {
	return r.manifest.DataFrequencyHz
}

// Len returns the number of frames in the session.
func (r *Replay) Len() int {
	return len(r.manifest.Frames)
}

// GPSFixes returns the geodetic fixes recorded with the session.
func (r *Replay) GPSFixes() []GPSFix {
	out := make([]GPSFix, len(r.manifest.GPS))
	copy(out, r.manifest.GPS)
	return out
}

// TimedOdometryReading returns the next frame, or ErrEndOfDataset after the last.
func (r *Replay) TimedOdometryReading(ctx context.Context) (mapping.OdometryResult, error) {
	_, span := trace.StartSpan(ctx, "viamloam::sensors::Replay::TimedOdometryReading")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.manifest.Frames) {
		return mapping.OdometryResult{}, ErrEndOfDataset
	}
	idx := r.next
	f := r.manifest.Frames[idx]
	// A frame that fails to load is skipped on the next call.
	r.next++

	clouds := make([]*cloud.Cloud, len(f.files()))
	for i, name := range f.files() {
		if name == "" {
			continue
		}
		c, err := r.readCloud(name)
		if err != nil {
			return mapping.OdometryResult{}, errors.Wrapf(err, "replay frame %d", idx)
		}
		clouds[i] = c
	}
	r.logger.Debugw("replayed frame", "index", idx, "timestamp", f.Timestamp)

	return mapping.OdometryResult{
		Timestamp:            f.Timestamp,
		CloudFullRes:         clouds[0],
		CloudCornerSharp:     clouds[1],
		CloudCornerLessSharp: clouds[2],
		CloudSurfFlat:        clouds[3],
		CloudSurfLessFlat:    clouds[4],
		OdomPose:             f.Pose.Pose(),
	}, nil
}

func (r *Replay) readCloud(name string) (*cloud.Cloud, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return cloud.ReadPCD(f)
}

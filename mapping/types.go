// Package mapping contains the mapping loop, which refines odometry poses against
// a voxel map of edge and planar features and grows that map with every scan.
package mapping

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-loam/cloud"
)

// Mode decides what the mapping loop does when it falls behind its producer.
type Mode int

const (
	// ModeOnline keeps only the most recent queued result and drops the rest.
	ModeOnline Mode = iota
	// ModeOffline processes every queued result in arrival order.
	ModeOffline
)

// ParseMode converts the configured mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "online":
		return ModeOnline, nil
	case "offline":
		return ModeOffline, nil
	default:
		return ModeOnline, errors.Errorf("unknown mapping mode %q, expected online or offline", s)
	}
}

func (m Mode) String() string {
	if m == ModeOffline {
		return "offline"
	}
	return "online"
}

// Topics under which the mapping loop publishes.
const (
	TopicFullRes         = "velodyne_cloud_2"
	TopicCornerSharp     = "laser_cloud_sharp"
	TopicCornerLessSharp = "laser_cloud_less_sharp"
	TopicSurfFlat        = "laser_cloud_flat"
	TopicSurfLessFlat    = "laser_cloud_less_flat"
	TopicMappedPose      = "aft_mapped_to_init"
	TopicMappedPath      = "aft_mapped_path"
	TopicHighFreqPose    = "aft_mapped_to_init_high_frec"
	TopicSurround        = "laser_cloud_surround"
)

// OdometryResult is one scan as delivered by the odometry front end: its feature
// clouds in the scan frame and the pose of the scan in the odometry frame.
type OdometryResult struct {
	Timestamp            time.Time
	CloudFullRes         *cloud.Cloud
	CloudCornerSharp     *cloud.Cloud
	CloudCornerLessSharp *cloud.Cloud
	CloudSurfFlat        *cloud.Cloud
	CloudSurfLessFlat    *cloud.Cloud
	OdomPose             spatialmath.Pose
}

// FeatureClouds pairs the edge and planar features used for alignment.
type FeatureClouds struct {
	Corner *cloud.Cloud
	Surf   *cloud.Cloud
}

// StampedPose is a pose with the time it was observed at.
type StampedPose struct {
	Timestamp time.Time
	Pose      spatialmath.Pose
}

// Aligner refines a pose guess of scan against submap. It returns the refined
// pose and whether the optimization converged. The returned pose is used even
// when it did not converge.
type Aligner interface {
	Match(ctx context.Context, submap, scan FeatureClouds, guess spatialmath.Pose) (spatialmath.Pose, bool)
}

// Fuser collects refined map poses and corrects them once at the end of a session.
// Timestamps handed to AddLocalPose are strictly increasing.
type Fuser interface {
	AddLocalPose(ts time.Time, pose spatialmath.Pose) error
	Optimize(ctx context.Context) error
}

// Publisher sends mapping output to external consumers.
type Publisher interface {
	PublishCloud(ctx context.Context, topic string, ts time.Time, c *cloud.Cloud) error
	PublishPose(ctx context.Context, topic string, ts time.Time, pose spatialmath.Pose) error
	PublishPath(ctx context.Context, topic string, ts time.Time, path []StampedPose) error
}

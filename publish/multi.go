package publish

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/mapping"
)

// Multi hands every message to each of its publishers in turn. A failing
// publisher does not keep the message from the others.
type Multi []mapping.Publisher

// PublishCloud implements mapping.Publisher.
func (m Multi) PublishCloud(ctx context.Context, topic string, ts time.Time, c *cloud.Cloud) error {
	var err error
	for _, p := range m {
		err = multierr.Combine(err, p.PublishCloud(ctx, topic, ts, c))
	}
	return err
}

// PublishPose implements mapping.Publisher.
func (m Multi) PublishPose(ctx context.Context, topic string, ts time.Time, pose spatialmath.Pose) error {
	var err error
	for _, p := range m {
		err = multierr.Combine(err, p.PublishPose(ctx, topic, ts, pose))
	}
	return err
}

// PublishPath implements mapping.Publisher.
func (m Multi) PublishPath(ctx context.Context, topic string, ts time.Time, path []mapping.StampedPose) error {
	var err error
	for _, p := range m {
		err = multierr.Combine(err, p.PublishPath(ctx, topic, ts, path))
	}
	return err
}

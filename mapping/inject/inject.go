// Package inject provides dependency injected structures for mocking the mapping collaborators.
package inject

import (
	"context"
	"time"

	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/mapping"
)

// Aligner is an injected mapping.Aligner.
type Aligner struct {
	mapping.Aligner
	MatchFunc func(ctx context.Context, submap, scan mapping.FeatureClouds, guess spatialmath.Pose) (spatialmath.Pose, bool)
}

// Match calls the injected Match or the real version.
func (a *Aligner) Match(
	ctx context.Context,
	submap, scan mapping.FeatureClouds,
	guess spatialmath.Pose,
) (spatialmath.Pose, bool) {
	if a.MatchFunc == nil {
		return a.Aligner.Match(ctx, submap, scan, guess)
	}
	return a.MatchFunc(ctx, submap, scan, guess)
}

// Fuser is an injected mapping.Fuser.
type Fuser struct {
	mapping.Fuser
	AddLocalPoseFunc func(ts time.Time, pose spatialmath.Pose) error
	OptimizeFunc     func(ctx context.Context) error
}

// AddLocalPose calls the injected AddLocalPose or the real version.
func (f *Fuser) AddLocalPose(ts time.Time, pose spatialmath.Pose) error {
	if f.AddLocalPoseFunc == nil {
		return f.Fuser.AddLocalPose(ts, pose)
	}
	return f.AddLocalPoseFunc(ts, pose)
}

// Optimize calls the injected Optimize or the real version.
func (f *Fuser) Optimize(ctx context.Context) error {
	if f.OptimizeFunc == nil {
		return f.Fuser.Optimize(ctx)
	}
	return f.OptimizeFunc(ctx)
}

// Publisher is an injected mapping.Publisher.
type Publisher struct {
	mapping.Publisher
	PublishCloudFunc func(ctx context.Context, topic string, ts time.Time, c *cloud.Cloud) error
	PublishPoseFunc  func(ctx context.Context, topic string, ts time.Time, pose spatialmath.Pose) error
	PublishPathFunc  func(ctx context.Context, topic string, ts time.Time, path []mapping.StampedPose) error
}

// PublishCloud calls the injected PublishCloud or the real version.
func (p *Publisher) PublishCloud(ctx context.Context, topic string, ts time.Time, c *cloud.Cloud) error {
	if p.PublishCloudFunc == nil {
		return p.Publisher.PublishCloud(ctx, topic, ts, c)
	}
	return p.PublishCloudFunc(ctx, topic, ts, c)
}

// PublishPose calls the injected PublishPose or the real version.
func (p *Publisher) PublishPose(ctx context.Context, topic string, ts time.Time, pose spatialmath.Pose) error {
	if p.PublishPoseFunc == nil {
		return p.Publisher.PublishPose(ctx, topic, ts, pose)
	}
	return p.PublishPoseFunc(ctx, topic, ts, pose)
}

// PublishPath calls the injected PublishPath or the real version.
func (p *Publisher) PublishPath(ctx context.Context, topic string, ts time.Time, path []mapping.StampedPose) error {
	if p.PublishPathFunc == nil {
		return p.Publisher.PublishPath(ctx, topic, ts, path)
	}
	return p.PublishPathFunc(ctx, topic, ts, path)
}

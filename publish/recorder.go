package publish

import (
	"context"
	"sync"
	"time"

	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/mapping"
)

// RecordedCloud is a cloud kept by a Recorder.
type RecordedCloud struct {
	Timestamp time.Time
	Cloud     *cloud.Cloud
}

// Recorder keeps everything published to it in memory. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	clouds map[string][]RecordedCloud
	poses  map[string][]mapping.StampedPose
	paths  map[string][][]mapping.StampedPose
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		clouds: map[string][]RecordedCloud{},
		poses:  map[string][]mapping.StampedPose{},
		paths:  map[string][][]mapping.StampedPose{},
	}
}

// PublishCloud implements mapping.Publisher. The cloud is copied.
func (r *Recorder) PublishCloud(_ context.Context, topic string, ts time.Time, c *cloud.Cloud) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clouds[topic] = append(r.clouds[topic], RecordedCloud{Timestamp: ts, Cloud: c.Clone()})
	return nil
}

// PublishPose implements mapping.Publisher.
func (r *Recorder) PublishPose(_ context.Context, topic string, ts time.Time, pose spatialmath.Pose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses[topic] = append(r.poses[topic], mapping.StampedPose{Timestamp: ts, Pose: pose})
	return nil
}

// PublishPath implements mapping.Publisher. The path is copied.
func (r *Recorder) PublishPath(_ context.Context, topic string, _ time.Time, path []mapping.StampedPose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[topic] = append(r.paths[topic], append([]mapping.StampedPose(nil), path...))
	return nil
}

// Clouds returns the clouds published under topic, oldest first.
func (r *Recorder) Clouds(topic string) []RecordedCloud {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedCloud(nil), r.clouds[topic]...)
}

// Poses returns the poses published under topic, oldest first.
func (r *Recorder) Poses(topic string) []mapping.StampedPose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mapping.StampedPose(nil), r.poses[topic]...)
}

// Paths returns every path published under topic, oldest first.
func (r *Recorder) Paths(topic string) [][]mapping.StampedPose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]mapping.StampedPose(nil), r.paths[topic]...)
}

package publish

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/dataprocess"
	"github.com/viam-modules/viam-loam/mapping"
)

// DirectoryPublisher writes every message to a file under one subdirectory per
// topic. Clouds become PCD files and poses JSON files, each named after their
// timestamp. Paths only keep their latest version in <topic>.json.
type DirectoryPublisher struct {
	dir string
}

// NewDirectoryPublisher creates dir if needed.
func NewDirectoryPublisher(dir string) (*DirectoryPublisher, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %s", dir)
	}
	return &DirectoryPublisher{dir: dir}, nil
}

// TopicDirectory returns the directory holding the files of topic.
func (p *DirectoryPublisher) TopicDirectory(topic string) string {
	return filepath.Join(p.dir, topic)
}

// PublishCloud implements mapping.Publisher.
func (p *DirectoryPublisher) PublishCloud(_ context.Context, topic string, ts time.Time, c *cloud.Cloud) error {
	dir, err := p.ensureTopic(topic)
	if err != nil {
		return err
	}
	return dataprocess.WritePCDToFile(c, dataprocess.CreateTimestampFilename(dir, topic, ".pcd", ts))
}

// PublishPose implements mapping.Publisher.
func (p *DirectoryPublisher) PublishPose(_ context.Context, topic string, ts time.Time, pose spatialmath.Pose) error {
	dir, err := p.ensureTopic(topic)
	if err != nil {
		return err
	}
	return dataprocess.WriteJSONToFile(NewPoseMessage(ts, pose), dataprocess.CreateTimestampFilename(dir, topic, ".json", ts))
}

// PublishPath implements mapping.Publisher.
func (p *DirectoryPublisher) PublishPath(_ context.Context, topic string, _ time.Time, path []mapping.StampedPose) error {
	poses := make([]PoseMessage, 0, len(path))
	for _, sp := range path {
		poses = append(poses, NewPoseMessage(sp.Timestamp, sp.Pose))
	}
	return dataprocess.WriteJSONToFile(poses, filepath.Join(p.dir, topic+".json"))
}

func (p *DirectoryPublisher) ensureTopic(topic string) (string, error) {
	dir := p.TopicDirectory(topic)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrapf(err, "creating topic directory %s", dir)
	}
	return dir, nil
}

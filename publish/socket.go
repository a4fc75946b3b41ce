package publish

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/mapping"
)

// SocketPublisher broadcasts every message on a nanomsg PUB socket. Subscribers
// filter on the topic prefix, for example by subscribing to
// "aft_mapped_to_init\x00".
type SocketPublisher struct {
	sock     mangos.Socket
	addr     string
	compress bool
	logger   logging.Logger
}

// NewSocketPublisher listens on addr, for example "tcp://127.0.0.1:40899".
func NewSocketPublisher(addr string, compress bool, logger logging.Logger) (*SocketPublisher, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, errors.Wrap(err, "creating pub socket")
	}
	if err := sock.Listen(addr); err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	logger.Infow("publishing mapping output", "addr", addr, "compress", compress)
	return &SocketPublisher{sock: sock, addr: addr, compress: compress, logger: logger}, nil
}

// Addr returns the address the socket listens on.
func (p *SocketPublisher) Addr() string {
	return p.addr
}

// PublishCloud implements mapping.Publisher.
func (p *SocketPublisher) PublishCloud(_ context.Context, topic string, ts time.Time, c *cloud.Cloud) error {
	msg, err := EncodeCloud(topic, ts, c, p.compress)
	if err != nil {
		return err
	}
	return p.send(topic, msg)
}

// PublishPose implements mapping.Publisher.
func (p *SocketPublisher) PublishPose(_ context.Context, topic string, ts time.Time, pose spatialmath.Pose) error {
	msg, err := EncodePose(topic, ts, pose, p.compress)
	if err != nil {
		return err
	}
	return p.send(topic, msg)
}

// PublishPath implements mapping.Publisher.
func (p *SocketPublisher) PublishPath(_ context.Context, topic string, ts time.Time, path []mapping.StampedPose) error {
	msg, err := EncodePath(topic, ts, path, p.compress)
	if err != nil {
		return err
	}
	return p.send(topic, msg)
}

func (p *SocketPublisher) send(topic string, msg []byte) error {
	if err := p.sock.Send(msg); err != nil {
		return errors.Wrapf(err, "sending %s", topic)
	}
	return nil
}

// Close closes the socket.
func (p *SocketPublisher) Close() error {
	return p.sock.Close()
}

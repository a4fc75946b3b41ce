// Package publish implements sinks for the clouds and poses produced by the
// mapping loop: a nanomsg PUB socket, a directory of files and an in-memory
// recorder.
package publish

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/golang/geo/r3"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-loam/cloud"
	"github.com/viam-modules/viam-loam/mapping"
)

// Kind tells what a message payload holds.
type Kind string

// Payload kinds.
const (
	KindCloud Kind = "cloud"
	KindPose  Kind = "pose"
	KindPath  Kind = "path"
)

// topicSeparator ends the topic prefix of a message so that subscribers can
// filter on it.
const topicSeparator = 0

// Header precedes every payload on the wire as a single JSON line.
type Header struct {
	Kind       Kind      `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	Compressed bool      `json:"compressed,omitempty"`
}

// PoseMessage is the JSON form of a stamped pose.
type PoseMessage struct {
	Timestamp time.Time `json:"timestamp"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Real      float64   `json:"real"`
	Imag      float64   `json:"imag"`
	Jmag      float64   `json:"jmag"`
	Kmag      float64   `json:"kmag"`
}

// NewPoseMessage converts a pose to its JSON form.
func NewPoseMessage(ts time.Time, pose spatialmath.Pose) PoseMessage {
	p := pose.Point()
	q := pose.Orientation().Quaternion()
	return PoseMessage{
		Timestamp: ts,
		X:         p.X,
		Y:         p.Y,
		Z:         p.Z,
		Real:      q.Real,
		Imag:      q.Imag,
		Jmag:      q.Jmag,
		Kmag:      q.Kmag,
	}
}

// StampedPose converts the message back to a pose.
func (m PoseMessage) StampedPose() mapping.StampedPose {
	return mapping.StampedPose{
		Timestamp: m.Timestamp,
		Pose: spatialmath.NewPose(
			r3.Vector{X: m.X, Y: m.Y, Z: m.Z},
			&spatialmath.Quaternion{Real: m.Real, Imag: m.Imag, Jmag: m.Jmag, Kmag: m.Kmag},
		),
	}
}

// Message is a decoded wire message. Exactly one of Cloud, Pose and Path is set,
// depending on Header.Kind.
type Message struct {
	Topic  string
	Header Header
	Cloud  *cloud.Cloud
	Pose   *mapping.StampedPose
	Path   []mapping.StampedPose
}

// EncodeCloud builds the wire message for a cloud. The payload is a binary PCD file.
func EncodeCloud(topic string, ts time.Time, c *cloud.Cloud, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.WritePCD(&buf); err != nil {
		return nil, err
	}
	return encode(topic, Header{Kind: KindCloud, Timestamp: ts}, buf.Bytes(), compress)
}

// EncodePose builds the wire message for a pose. The payload is a PoseMessage.
func EncodePose(topic string, ts time.Time, pose spatialmath.Pose, compress bool) ([]byte, error) {
	payload, err := json.Marshal(NewPoseMessage(ts, pose))
	if err != nil {
		return nil, errors.Wrap(err, "encoding pose")
	}
	return encode(topic, Header{Kind: KindPose, Timestamp: ts}, payload, compress)
}

// EncodePath builds the wire message for a path. The payload is a list of PoseMessage.
func EncodePath(topic string, ts time.Time, path []mapping.StampedPose, compress bool) ([]byte, error) {
	poses := make([]PoseMessage, 0, len(path))
	for _, p := range path {
		poses = append(poses, NewPoseMessage(p.Timestamp, p.Pose))
	}
	payload, err := json.Marshal(poses)
	if err != nil {
		return nil, errors.Wrap(err, "encoding path")
	}
	return encode(topic, Header{Kind: KindPath, Timestamp: ts}, payload, compress)
}

func encode(topic string, header Header, payload []byte, compress bool) ([]byte, error) {
	if compress {
		payload = snappy.Encode(nil, payload)
		header.Compressed = true
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "encoding header")
	}

	msg := make([]byte, 0, len(topic)+len(headerJSON)+len(payload)+2)
	msg = append(msg, topic...)
	msg = append(msg, topicSeparator)
	msg = append(msg, headerJSON...)
	msg = append(msg, '\n')
	msg = append(msg, payload...)
	return msg, nil
}

// Decode parses a wire message built by one of the Encode functions.
func Decode(msg []byte) (Message, error) {
	topicEnd := bytes.IndexByte(msg, topicSeparator)
	if topicEnd < 0 {
		return Message{}, errors.New("message has no topic")
	}
	rest := msg[topicEnd+1:]
	headerEnd := bytes.IndexByte(rest, '\n')
	if headerEnd < 0 {
		return Message{}, errors.New("message has no header")
	}

	decoded := Message{Topic: string(msg[:topicEnd])}
	if err := json.Unmarshal(rest[:headerEnd], &decoded.Header); err != nil {
		return Message{}, errors.Wrap(err, "decoding header")
	}

	payload := rest[headerEnd+1:]
	if decoded.Header.Compressed {
		var err error
		if payload, err = snappy.Decode(nil, payload); err != nil {
			return Message{}, errors.Wrap(err, "decompressing payload")
		}
	}

	switch decoded.Header.Kind {
	case KindCloud:
		c, err := cloud.ReadPCD(bytes.NewReader(payload))
		if err != nil {
			return Message{}, err
		}
		decoded.Cloud = c
	case KindPose:
		var pm PoseMessage
		if err := json.Unmarshal(payload, &pm); err != nil {
			return Message{}, errors.Wrap(err, "decoding pose")
		}
		pose := pm.StampedPose()
		decoded.Pose = &pose
	case KindPath:
		var pms []PoseMessage
		if err := json.Unmarshal(payload, &pms); err != nil {
			return Message{}, errors.Wrap(err, "decoding path")
		}
		for _, pm := range pms {
			decoded.Path = append(decoded.Path, pm.StampedPose())
		}
	default:
		return Message{}, errors.Errorf("unknown message kind %q", decoded.Header.Kind)
	}
	return decoded, nil
}

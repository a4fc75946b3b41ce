// Package cloud contains the point cloud container used for scans and map voxels,
// along with the density filters applied to them.
package cloud

import (
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
)

// Cloud is an ordered collection of points. Unlike pointcloud.PointCloud it keeps
// duplicate points and can be compacted in place, which is what map voxels need.
type Cloud struct {
	points []r3.Vector
}

// New returns an empty cloud.
func New() *Cloud {
	return &Cloud{}
}

// NewFromPoints returns a cloud holding a copy of points.
func NewFromPoints(points []r3.Vector) *Cloud {
	c := &Cloud{points: make([]r3.Vector, len(points))}
	copy(c.points, points)
	return c
}

// Size returns the number of points. A nil cloud is empty.
func (c *Cloud) Size() int {
	if c == nil {
		return 0
	}
	return len(c.points)
}

// Empty reports whether the cloud holds no points.
func (c *Cloud) Empty() bool {
	return c.Size() == 0
}

// Points returns the underlying points. Callers must not modify the slice.
func (c *Cloud) Points() []r3.Vector {
	if c == nil {
		return nil
	}
	return c.points
}

// IsFinite reports whether every coordinate of p is neither NaN nor infinite.
func IsFinite(p r3.Vector) bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0) &&
		!math.IsNaN(p.Z) && !math.IsInf(p.Z, 0)
}

// Append adds points to the end of the cloud.
func (c *Cloud) Append(points ...r3.Vector) {
	c.points = append(c.points, points...)
}

// Concat appends every point of other.
func (c *Cloud) Concat(other *Cloud) {
	c.points = append(c.points, other.Points()...)
}

// Clone returns a deep copy.
func (c *Cloud) Clone() *Cloud {
	return NewFromPoints(c.Points())
}

// replace swaps the contents of c for points while keeping c's identity.
func (c *Cloud) replace(points []r3.Vector) {
	c.points = points
}

// TransformPoint applies pose to p.
func TransformPoint(pose spatialmath.Pose, p r3.Vector) r3.Vector {
	return spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(p)).Point()
}

// Transform returns a new cloud with every point of c transformed by pose.
func Transform(c *Cloud, pose spatialmath.Pose) *Cloud {
	out := &Cloud{points: make([]r3.Vector, 0, c.Size())}
	for _, p := range c.Points() {
		out.points = append(out.points, TransformPoint(pose, p))
	}
	return out
}

// ToPointCloud converts c to an rdk point cloud. Duplicate points collapse into one.
func (c *Cloud) ToPointCloud() (pointcloud.PointCloud, error) {
	pc := pointcloud.NewWithPrealloc(c.Size())
	for _, p := range c.Points() {
		if err := pc.Set(p, pointcloud.NewBasicData()); err != nil {
			return nil, errors.Wrapf(err, "setting point %v", p)
		}
	}
	return pc, nil
}

// FromPointCloud copies the points of an rdk point cloud.
func FromPointCloud(pc pointcloud.PointCloud) *Cloud {
	c := &Cloud{points: make([]r3.Vector, 0, pc.Size())}
	pc.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		c.points = append(c.points, p)
		return true
	})
	return c
}

// ReadPCD decodes a PCD stream.
func ReadPCD(r io.Reader) (*Cloud, error) {
	pc, err := pointcloud.ReadPCD(r)
	if err != nil {
		return nil, errors.Wrap(err, "ReadPCD error")
	}
	return FromPointCloud(pc), nil
}

// WritePCD encodes c as a binary PCD stream.
func (c *Cloud) WritePCD(w io.Writer) error {
	pc, err := c.ToPointCloud()
	if err != nil {
		return err
	}
	if err := pointcloud.ToPCD(pc, w, pointcloud.PCDBinary); err != nil {
		return errors.Wrap(err, "ToPCD error")
	}
	return nil
}

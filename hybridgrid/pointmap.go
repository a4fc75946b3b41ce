package hybridgrid

import (
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-loam/cloud"
)

// DefaultSurroundRadius is the distance from the platform beyond which scan
// points are not used to query the map.
const DefaultSurroundRadius = 100.0

// PointMap stores map points bucketed by voxel. Buckets are created on the first
// insertion into their voxel and afterwards only grow or get re-filtered.
type PointMap struct {
	grid           *HybridGrid[*cloud.Cloud]
	surroundRadius float64
}

// NewPointMap returns an empty map with voxels of edge length resolution.
func NewPointMap(resolution float64, maxBits int, surroundRadius float64) *PointMap {
	return &PointMap{
		grid:           NewHybridGrid(resolution, maxBits, bucketEmpty),
		surroundRadius: surroundRadius,
	}
}

// bucketEmpty treats allocated buckets without points as empty so that
// iteration only reports voxels holding data.
func bucketEmpty(bucket *cloud.Cloud) bool {
	return bucket.Size() == 0
}

// Grid exposes the underlying voxel grid.
func (m *PointMap) Grid() *HybridGrid[*cloud.Cloud] {
	return m.grid
}

// GetSurroundedCloud transforms every point of scan by pose and collects the
// buckets of the voxels they land in. Scan points farther than the surround
// radius from the platform are ignored. Each bucket is contributed once no
// matter how many scan points hit it.
func (m *PointMap) GetSurroundedCloud(scan *cloud.Cloud, pose spatialmath.Pose) *cloud.Cloud {
	seen := make(map[*cloud.Cloud]struct{})
	surround := cloud.New()
	for _, p := range scan.Points() {
		if !cloud.IsFinite(p) || p.Norm() > m.surroundRadius {
			continue
		}
		bucket := m.grid.Value(m.grid.CellIndex(cloud.TransformPoint(pose, p)))
		if bucket.Size() == 0 {
			continue
		}
		if _, ok := seen[bucket]; ok {
			continue
		}
		seen[bucket] = struct{}{}
		surround.Concat(bucket)
	}
	return surround
}

// InsertScan appends every point of scan, already expressed in the map frame, to
// the bucket of its voxel, then runs filter over each bucket touched by this
// call. Buckets not touched are left alone.
//
// Non-finite points are skipped. An error is returned only when a point lies
// outside of the representable map volume. Points appended before that point
// stay in the map.
func (m *PointMap) InsertScan(scan *cloud.Cloud, filter cloud.Filter) error {
	if scan.Size() == 0 {
		return nil
	}

	seen := make(map[*cloud.Cloud]struct{})
	var touched []*cloud.Cloud
	for _, p := range scan.Points() {
		if !cloud.IsFinite(p) {
			continue
		}
		cell, err := m.grid.MutableValue(m.grid.CellIndex(p))
		if err != nil {
			return err
		}
		if *cell == nil {
			*cell = cloud.New()
		}
		bucket := *cell
		bucket.Append(p)
		if _, ok := seen[bucket]; !ok {
			seen[bucket] = struct{}{}
			touched = append(touched, bucket)
		}
	}

	for _, bucket := range touched {
		filter.Filter(bucket)
	}
	return nil
}

// Stats returns the number of non-empty voxels and the total number of points
// they hold.
func (m *PointMap) Stats() (voxels, points int) {
	m.grid.Each(func(_ Index, bucket *cloud.Cloud) bool {
		voxels++
		points += bucket.Size()
		return true
	})
	return voxels, points
}

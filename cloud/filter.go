package cloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// Filter reduces the density of a cloud in place. The cloud keeps its identity
// so that references held elsewhere, such as map voxels, see the result.
type Filter interface {
	Filter(c *Cloud)
}

// VoxelFilter replaces all points falling into the same cube of edge LeafSize
// with their centroid. Leaves are aligned to multiples of LeafSize.
type VoxelFilter struct {
	leafSize float64
}

// NewVoxelFilter returns a filter with cubic leaves of the given edge length.
func NewVoxelFilter(leafSize float64) *VoxelFilter {
	return &VoxelFilter{leafSize: leafSize}
}

// LeafSize returns the edge length of a leaf.
func (f *VoxelFilter) LeafSize() float64 {
	return f.leafSize
}

// Filter compacts c in place.
func (f *VoxelFilter) Filter(c *Cloud) {
	if c.Size() == 0 {
		return
	}
	c.replace(f.centroids(c.Points()))
}

// Downsample returns a filtered copy of c, leaving c untouched.
func (f *VoxelFilter) Downsample(c *Cloud) *Cloud {
	if c.Size() == 0 {
		return New()
	}
	return &Cloud{points: f.centroids(c.Points())}
}

type leafKey struct {
	x, y, z int64
}

type leafSum struct {
	sum   r3.Vector
	count int
}

// centroids returns one point per occupied leaf, ordered z-major by leaf index.
// Non-finite points are dropped.
func (f *VoxelFilter) centroids(points []r3.Vector) []r3.Vector {
	leaves := make(map[leafKey]*leafSum, len(points))
	keys := make([]leafKey, 0, len(points))
	for _, p := range points {
		if !IsFinite(p) {
			continue
		}
		k := leafKey{
			x: int64(math.Floor(p.X / f.leafSize)),
			y: int64(math.Floor(p.Y / f.leafSize)),
			z: int64(math.Floor(p.Z / f.leafSize)),
		}
		leaf, ok := leaves[k]
		if !ok {
			leaf = &leafSum{}
			leaves[k] = leaf
			keys = append(keys, k)
		}
		leaf.sum = leaf.sum.Add(p)
		leaf.count++
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.z != b.z {
			return a.z < b.z
		}
		if a.y != b.y {
			return a.y < b.y
		}
		return a.x < b.x
	})

	out := make([]r3.Vector, 0, len(keys))
	for _, k := range keys {
		leaf := leaves[k]
		out = append(out, leaf.sum.Mul(1/float64(leaf.count)))
	}
	return out
}

// Package hybridgrid implements a sparse 3D voxel grid represented as a wide, shallow tree.
//
// The tree is built from three kinds of levels. A FlatGrid stores cell values
// contiguously. A NestedGrid stores lazily allocated child blocks. A DynamicGrid
// sits at the root, accepts signed indices and doubles its extent whenever a
// write falls outside of it.
package hybridgrid

import "fmt"

// Index identifies a cell. Inside a FlatGrid or NestedGrid each component lies in
// [0, GridSize()). At a DynamicGrid components may be negative.
type Index struct {
	X, Y, Z int
}

// Add returns the component-wise sum of i and o.
func (i Index) Add(o Index) Index {
	return Index{X: i.X + o.X, Y: i.Y + o.Y, Z: i.Z + o.Z}
}

// Sub returns the component-wise difference of i and o.
func (i Index) Sub(o Index) Index {
	return Index{X: i.X - o.X, Y: i.Y - o.Y, Z: i.Z - o.Z}
}

// Scale multiplies every component by s.
func (i Index) Scale(s int) Index {
	return Index{X: i.X * s, Y: i.Y * s, Z: i.Z * s}
}

// Offset adds s to every component.
func (i Index) Offset(s int) Index {
	return Index{X: i.X + s, Y: i.Y + s, Z: i.Z + s}
}

func (i Index) String() string {
	return fmt.Sprintf("(%d, %d, %d)", i.X, i.Y, i.Z)
}

// within reports whether every component lies in [0, size). The cast to uint
// folds the negative check into the upper-bound comparison.
func (i Index) within(size int) bool {
	return uint(i.X) < uint(size) && uint(i.Y) < uint(size) && uint(i.Z) < uint(size)
}

// div divides every component by s. Only valid for non-negative indices.
func (i Index) div(s int) Index {
	return Index{X: i.X / s, Y: i.Y / s, Z: i.Z / s}
}

// Octant returns one of the eight octants (0, 0, 0), (1, 0, 0), ..., (1, 1, 1).
func Octant(i int) Index {
	return Index{X: i & 1, Y: (i >> 1) & 1, Z: (i >> 2) & 1}
}

// toFlatIndex converts an index with each component in [0, 2^bits) to a flat
// z-major index.
func toFlatIndex(i Index, bits int) int {
	return (((i.Z << bits) + i.Y) << bits) + i.X
}

// to3DIndex is the inverse of toFlatIndex.
func to3DIndex(flat, bits int) Index {
	mask := (1 << bits) - 1
	return Index{X: flat & mask, Y: (flat >> bits) & mask, Z: (flat >> bits) >> bits}
}

package hybridgrid

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	leafBits   = 3
	nestedBits = 3
)

// HybridGrid binds a DynamicGrid of NestedGrid of FlatGrid blocks to a metric
// voxel resolution. The origin becomes the center of the cell at (0, 0, 0).
//
// Points are expected to be close to the origin. With the default maximum bit
// width, cell indices are limited to [-8192, 8192) per dimension, which
// bounds the mapped volume to 16384 * resolution per side.
type HybridGrid[T any] struct {
	*DynamicGrid[T]
	resolution float64
}

// NewHybridGrid returns an empty grid with voxels of edge length resolution.
// isEmpty decides which cells iteration skips.
func NewHybridGrid[T any](resolution float64, maxBits int, isEmpty func(T) bool) *HybridGrid[T] {
	leaf := FlatLevel(leafBits, isEmpty)
	return &HybridGrid[T]{
		DynamicGrid: NewDynamicGrid(NestedLevel(nestedBits, leaf), maxBits),
		resolution:  resolution,
	}
}

// Resolution returns the edge length of a voxel.
func (g *HybridGrid[T]) Resolution() float64 {
	return g.resolution
}

// CellIndex returns the index of the cell containing point, rounding each
// coordinate to the nearest multiple of the resolution.
func (g *HybridGrid[T]) CellIndex(point r3.Vector) Index {
	return Index{
		X: roundToInt(point.X / g.resolution),
		Y: roundToInt(point.Y / g.resolution),
		Z: roundToInt(point.Z / g.resolution),
	}
}

// CenterOfCell returns the center of the cell at index.
func (g *HybridGrid[T]) CenterOfCell(index Index) r3.Vector {
	return r3.Vector{
		X: float64(index.X) * g.resolution,
		Y: float64(index.Y) * g.resolution,
		Z: float64(index.Z) * g.resolution,
	}
}

// Each calls fn for every non-empty cell in iteration order until fn returns false.
func (g *HybridGrid[T]) Each(fn func(index Index, value T) bool) {
	for it := g.Iterator(); !it.Done(); it.Next() {
		if !fn(it.CellIndex(), it.Value()) {
			return
		}
	}
}

func roundToInt(v float64) int {
	return int(math.Round(v))
}

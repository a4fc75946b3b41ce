package hybridgrid

import (
	"github.com/pkg/errors"
)

const (
	// initialBits gives a freshly created DynamicGrid 2x2x2 children.
	initialBits = 1
	// DefaultMaxBits bounds a DynamicGrid to 2^8 children per dimension.
	DefaultMaxBits = 8
)

// ErrGridBoundExceeded is returned when a write addresses a cell the grid cannot
// represent without growing past its maximum bit width.
var ErrGridBoundExceeded = errors.New("index outside of the maximum grid extent")

// DynamicGrid is the root of a tree of blocks. It starts with 2x2x2 children
// and doubles its extent in every dimension whenever a write falls outside of
// it. Indices are (almost) symmetric around the origin, so negative indices
// are allowed, and growth never changes which cell an index refers to.
type DynamicGrid[T any] struct {
	bits     int
	maxBits  int
	child    Level[T]
	children []Block[T]
}

// NewDynamicGrid returns an empty DynamicGrid over children of the given level.
// maxBits caps the number of children per dimension at 2^maxBits.
func NewDynamicGrid[T any](child Level[T], maxBits int) *DynamicGrid[T] {
	if maxBits < initialBits {
		maxBits = initialBits
	}
	return &DynamicGrid[T]{
		bits:     initialBits,
		maxBits:  maxBits,
		child:    child,
		children: make([]Block[T], 1<<(3*initialBits)),
	}
}

// GridSize returns the current number of cells per dimension.
func (g *DynamicGrid[T]) GridSize() int {
	return g.child.Size << g.bits
}

// Bits returns the current bit width of the root level.
func (g *DynamicGrid[T]) Bits() int {
	return g.bits
}

// MaxBits returns the bit width the root level may never exceed.
func (g *DynamicGrid[T]) MaxBits() int {
	return g.maxBits
}

// Value returns the value stored at index, or the zero value if index lies
// outside of the grid or was never allocated. Never allocates.
func (g *DynamicGrid[T]) Value(index Index) T {
	var zero T
	shifted := index.Offset(g.GridSize() >> 1)
	if !shifted.within(g.GridSize()) {
		return zero
	}
	meta := shifted.div(g.child.Size)
	child := g.children[toFlatIndex(meta, g.bits)]
	if child == nil {
		return zero
	}
	return child.Value(shifted.Sub(meta.Scale(g.child.Size)))
}

// MutableValue returns a pointer to the value at index, growing the grid and
// constructing child blocks as needed. Growth is all or nothing: if index
// cannot be represented within the maximum bit width the grid is left
// untouched and ErrGridBoundExceeded is returned.
func (g *DynamicGrid[T]) MutableValue(index Index) (*T, error) {
	needed := g.bitsFor(index)
	if needed > g.maxBits {
		return nil, errors.Wrapf(ErrGridBoundExceeded,
			"index %v needs %d bits, limit is %d", index, needed, g.maxBits)
	}
	for g.bits < needed {
		g.grow()
	}

	shifted := index.Offset(g.GridSize() >> 1)
	meta := shifted.div(g.child.Size)
	slot := &g.children[toFlatIndex(meta, g.bits)]
	if *slot == nil {
		*slot = g.child.New()
	}
	return (*slot).MutableValue(shifted.Sub(meta.Scale(g.child.Size))), nil
}

// Iterator returns an iterator over all non-empty cells. Indices reported by the
// iterator are in the same signed coordinates accepted by Value.
func (g *DynamicGrid[T]) Iterator() Iterator[T] {
	return &dynamicIterator[T]{
		compositeIterator: newCompositeIterator(g.children, g.bits, g.child.Size),
		half:              g.GridSize() >> 1,
	}
}

// bitsFor returns the smallest bit width, no smaller than the current one, at
// which index is addressable.
func (g *DynamicGrid[T]) bitsFor(index Index) int {
	bits := g.bits
	for {
		size := g.child.Size << bits
		if index.Offset(size >> 1).within(size) {
			return bits
		}
		bits++
		if bits > g.maxBits {
			return bits
		}
	}
}

// grow doubles the grid in each of the three dimensions. Every existing child
// moves by half of the old extent so that it stays centered around the
// origin; the children themselves are moved, not copied.
func (g *DynamicGrid[T]) grow() {
	newBits := g.bits + 1
	newChildren := make([]Block[T], 8*len(g.children))
	offset := 1 << (g.bits - 1)
	size := 1 << g.bits
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				original := Index{X: x, Y: y, Z: z}
				newChildren[toFlatIndex(original.Offset(offset), newBits)] = g.children[toFlatIndex(original, g.bits)]
			}
		}
	}
	g.children = newChildren
	g.bits = newBits
}

// dynamicIterator translates the non-negative indices of the root level back
// into the signed indices seen by callers.
type dynamicIterator[T any] struct {
	*compositeIterator[T]
	half int
}

func (it *dynamicIterator[T]) CellIndex() Index {
	return it.compositeIterator.CellIndex().Offset(-it.half)
}

package hybridgrid

// Iterator walks every cell whose value is not empty. Cells are visited in
// z-major index order, which is stable across calls but unrelated to the order
// in which values were written.
type Iterator[T any] interface {
	// Done reports whether the iterator is exhausted.
	Done() bool
	// Next advances to the next non-empty cell. Must not be called once Done.
	Next()
	// CellIndex returns the index of the current cell.
	CellIndex() Index
	// Value returns the value of the current cell.
	Value() T
}

// Block is a fixed-size grid of 2^b x 2^b x 2^b cells used as a child of a
// NestedGrid or a DynamicGrid.
type Block[T any] interface {
	// GridSize returns the number of cells per dimension.
	GridSize() int
	// Value returns the value stored at index, or the zero value if nothing was ever
	// allocated there. Never allocates.
	Value(index Index) T
	// MutableValue returns a pointer to the cell at index, allocating any missing
	// child blocks on the way.
	MutableValue(index Index) *T
	// Iterator returns an iterator over the non-empty cells of the block.
	Iterator() Iterator[T]
}

// Level describes one kind of block in a tree: its edge length in cells and
// how to construct an empty instance of it.
type Level[T any] struct {
	Size int
	New  func() Block[T]
}

// FlatLevel describes FlatGrid blocks of 2^bits cells per dimension.
func FlatLevel[T any](bits int, isEmpty func(T) bool) Level[T] {
	return Level[T]{
		Size: 1 << bits,
		New:  func() Block[T] { return NewFlatGrid(bits, isEmpty) },
	}
}

// NestedLevel describes NestedGrid blocks holding 2^bits children of the given
// level per dimension.
func NestedLevel[T any](bits int, child Level[T]) Level[T] {
	return Level[T]{
		Size: child.Size << bits,
		New:  func() Block[T] { return NewNestedGrid(bits, child) },
	}
}

// FlatGrid is a dense grid of 2^bits x 2^bits x 2^bits values stored in
// contiguous memory.
type FlatGrid[T any] struct {
	bits    int
	cells   []T
	isEmpty func(T) bool
}

// NewFlatGrid returns a FlatGrid with every cell holding the zero value. isEmpty
// decides which cells the iterator skips.
func NewFlatGrid[T any](bits int, isEmpty func(T) bool) *FlatGrid[T] {
	return &FlatGrid[T]{
		bits:    bits,
		cells:   make([]T, 1<<(3*bits)),
		isEmpty: isEmpty,
	}
}

// GridSize returns the number of cells per dimension.
func (g *FlatGrid[T]) GridSize() int {
	return 1 << g.bits
}

// Value returns the value stored at index.
func (g *FlatGrid[T]) Value(index Index) T {
	return g.cells[toFlatIndex(index, g.bits)]
}

// MutableValue returns a pointer to the value at index.
func (g *FlatGrid[T]) MutableValue(index Index) *T {
	return &g.cells[toFlatIndex(index, g.bits)]
}

// Iterator returns an iterator over the non-empty cells.
func (g *FlatGrid[T]) Iterator() Iterator[T] {
	it := &flatIterator[T]{grid: g}
	for !it.Done() && g.isEmpty(g.cells[it.current]) {
		it.current++
	}
	return it
}

type flatIterator[T any] struct {
	grid    *FlatGrid[T]
	current int
}

func (it *flatIterator[T]) Done() bool {
	return it.current == len(it.grid.cells)
}

func (it *flatIterator[T]) Next() {
	for {
		it.current++
		if it.Done() || !it.grid.isEmpty(it.grid.cells[it.current]) {
			return
		}
	}
}

func (it *flatIterator[T]) CellIndex() Index {
	return to3DIndex(it.current, it.grid.bits)
}

func (it *flatIterator[T]) Value() T {
	return it.grid.cells[it.current]
}

// NestedGrid is a grid of 2^bits x 2^bits x 2^bits child blocks. A child is
// constructed on the first MutableValue call that addresses it and is never
// released afterwards.
type NestedGrid[T any] struct {
	bits     int
	child    Level[T]
	children []Block[T]
}

// NewNestedGrid returns a NestedGrid with no children allocated.
func NewNestedGrid[T any](bits int, child Level[T]) *NestedGrid[T] {
	return &NestedGrid[T]{
		bits:     bits,
		child:    child,
		children: make([]Block[T], 1<<(3*bits)),
	}
}

// GridSize returns the number of cells per dimension.
func (g *NestedGrid[T]) GridSize() int {
	return g.child.Size << g.bits
}

// Value returns the value stored at index, or the zero value if the child block
// containing it was never allocated.
func (g *NestedGrid[T]) Value(index Index) T {
	meta := index.div(g.child.Size)
	child := g.children[toFlatIndex(meta, g.bits)]
	if child == nil {
		var zero T
		return zero
	}
	return child.Value(index.Sub(meta.Scale(g.child.Size)))
}

// MutableValue returns a pointer to the value at index, constructing the child
// block containing it if necessary.
func (g *NestedGrid[T]) MutableValue(index Index) *T {
	meta := index.div(g.child.Size)
	slot := &g.children[toFlatIndex(meta, g.bits)]
	if *slot == nil {
		*slot = g.child.New()
	}
	return (*slot).MutableValue(index.Sub(meta.Scale(g.child.Size)))
}

// Iterator returns an iterator over the non-empty cells of every allocated child.
func (g *NestedGrid[T]) Iterator() Iterator[T] {
	return newCompositeIterator(g.children, g.bits, g.child.Size)
}

// compositeIterator walks a slice of optional children, delegating to the
// iterator of each allocated child in turn.
type compositeIterator[T any] struct {
	children  []Block[T]
	bits      int
	childSize int
	current   int
	inner     Iterator[T]
}

func newCompositeIterator[T any](children []Block[T], bits, childSize int) *compositeIterator[T] {
	it := &compositeIterator[T]{children: children, bits: bits, childSize: childSize}
	it.advanceToValidInner()
	return it
}

func (it *compositeIterator[T]) Done() bool {
	return it.current == len(it.children)
}

func (it *compositeIterator[T]) Next() {
	it.inner.Next()
	if !it.inner.Done() {
		return
	}
	it.current++
	it.advanceToValidInner()
}

func (it *compositeIterator[T]) CellIndex() Index {
	return to3DIndex(it.current, it.bits).Scale(it.childSize).Add(it.inner.CellIndex())
}

func (it *compositeIterator[T]) Value() T {
	return it.inner.Value()
}

// advanceToValidInner moves to the first allocated child at or after current
// whose own iteration is not immediately exhausted.
func (it *compositeIterator[T]) advanceToValidInner() {
	for ; !it.Done(); it.current++ {
		child := it.children[it.current]
		if child == nil {
			continue
		}
		it.inner = child.Iterator()
		if !it.inner.Done() {
			return
		}
	}
}

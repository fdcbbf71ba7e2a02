/*package morton implements dimension-generic Morton keys: bit-interleaved
spatial keys over the unit cube whose total order matches a preorder
depth-first traversal of a balanced 2^D-ary tree. The dimension is carried in
the type parameter, so quadtree and octree keys share one implementation.
*/
package morton

const (
	// MaxDepth is the deepest refinement level a key can represent.
	// Coordinates are stored as MaxDepth-bit integers, so interleaved codes
	// fit in a uint64 for up to three dimensions.
	MaxDepth = 15
	// maxCoord is the number of cells along each axis at MaxDepth.
	maxCoord = 1 << MaxDepth
)

// Vec is the coordinate type of a point in the unit cube. Its length fixes
// the dimension of the tree.
type Vec interface {
	[2]float64 | [3]float64
}

// Key identifies a box of a balanced 2^D-ary tree over [0,1)^D. The zero
// value is the root. Keys are comparable with ==.
type Key[V Vec] struct {
	x     [3]uint32
	depth int8
}

// Dim returns the number of spatial dimensions of Key[V].
func Dim[V Vec]() int {
	var v V
	return len(v)
}

// Root returns the key of the whole domain.
func Root[V Vec]() Key[V] { return Key[V]{} }

// Invalid returns the sentinel key marking an absent box (e.g. the neighbor
// of a boundary box in a non-periodic domain).
func Invalid[V Vec]() Key[V] { return Key[V]{depth: -1} }

// Valid returns false for the invalid sentinel.
func (k Key[V]) Valid() bool { return k.depth >= 0 }

// Level returns the refinement depth of the box.
func (k Key[V]) Level() int { return int(k.depth) }

// FromCoord returns the key of the depth-level box containing v. Coordinates
// are clamped to [0, 1).
func FromCoord[V Vec](v V, depth int) Key[V] {
	k := Key[V]{depth: int8(depth)}
	for i := 0; i < len(v); i++ {
		u := int64(v[i] * maxCoord)
		if u < 0 {
			u = 0
		} else if u >= maxCoord {
			u = maxCoord - 1
		}
		k.x[i] = uint32(u) &^ (1<<(MaxDepth-depth) - 1)
	}
	return k
}

// Code returns the bit-interleaved Morton code of the box anchor at full
// resolution. Codes order keys along the space-filling curve; ancestors
// share the code of their first descendant.
func (k Key[V]) Code() uint64 {
	dim := Dim[V]()
	var c uint64
	for b := MaxDepth - 1; b >= 0; b-- {
		for i := dim - 1; i >= 0; i-- {
			c = c<<1 | uint64((k.x[i]>>b)&1)
		}
	}
	return c
}

// Less orders keys by preorder depth-first traversal: a box precedes
// everything in its subtree, and disjoint boxes are curve-ordered.
func (k Key[V]) Less(o Key[V]) bool {
	ck, co := k.Code(), o.Code()
	if ck != co {
		return ck < co
	}
	return k.depth < o.depth
}

// Ancestor returns the enclosing box at a shallower level.
func (k Key[V]) Ancestor(level int) Key[V] {
	a := Key[V]{depth: int8(level)}
	mask := uint32(1<<(MaxDepth-level) - 1)
	for i := 0; i < Dim[V](); i++ {
		a.x[i] = k.x[i] &^ mask
	}
	return a
}

// IsAncestorOf returns true if o lies in k's subtree. A key is its own
// ancestor.
func (k Key[V]) IsAncestorOf(o Key[V]) bool {
	return k.depth <= o.depth && o.Ancestor(k.Level()) == k
}

// P2N returns the child slot of the box among its siblings, in 0..2^D-1.
// Bit i of the slot is the level-local bit of dimension i.
func (k Key[V]) P2N() int {
	if k.depth == 0 {
		return 0
	}
	p2n := 0
	for i := 0; i < Dim[V](); i++ {
		p2n |= int(k.x[i]>>(MaxDepth-int(k.depth))&1) << i
	}
	return p2n
}

// Child returns the j-th child box.
func (k Key[V]) Child(j int) Key[V] {
	c := Key[V]{depth: k.depth + 1}
	shift := MaxDepth - int(c.depth)
	for i := 0; i < Dim[V](); i++ {
		c.x[i] = k.x[i] | uint32((j>>i)&1)<<shift
	}
	return c
}

// Children returns all 2^D children in preorder.
func (k Key[V]) Children() []Key[V] {
	n := 1 << Dim[V]()
	ch := make([]Key[V], n)
	for j := 0; j < n; j++ {
		ch[j] = k.Child(j)
	}
	return ch
}

// Neighbor returns the same-level box offset by dir cells, where each
// component of dir is -1, 0 or 1. In periodic mode the offset wraps around
// the domain; otherwise stepping off the domain yields the invalid sentinel.
func (k Key[V]) Neighbor(dir [3]int, periodic bool) Key[V] {
	nb := Key[V]{depth: k.depth}
	step := int64(1) << (MaxDepth - int(k.depth))
	for i := 0; i < Dim[V](); i++ {
		u := int64(k.x[i]) + int64(dir[i])*step
		if u < 0 || u >= maxCoord {
			if !periodic {
				return Invalid[V]()
			}
			u = (u + maxCoord) % maxCoord
		}
		nb.x[i] = uint32(u)
	}
	return nb
}

// Next returns the preorder successor of k skipping k's subtree, or the
// invalid sentinel past the end of the domain.
func (k Key[V]) Next() Key[V] {
	last := 1<<Dim[V]() - 1
	for k.Level() > 0 {
		p := k.Ancestor(k.Level() - 1)
		if j := k.P2N(); j < last {
			return p.Child(j + 1)
		}
		k = p
	}
	return Invalid[V]()
}

// DFD returns the deepest first descendant of the box: the MaxDepth-level
// key sharing its anchor. Partition boundaries are expressed as DFDs.
func (k Key[V]) DFD() Key[V] {
	k.depth = MaxDepth
	return k
}

// Origin returns the anchor corner of the box in [0,1)^D.
func (k Key[V]) Origin() V {
	var v V
	for i := 0; i < len(v); i++ {
		v[i] = float64(k.x[i]) / maxCoord
	}
	return v
}

// BoxWidth returns the side length of the box.
func (k Key[V]) BoxWidth() float64 {
	return 1 / float64(int64(1)<<k.depth)
}

// NeighborDirs returns the 3^D neighbor offsets, including the zero offset,
// in the fixed order used by node neighbor tables. Dimension 0 varies
// fastest and the zero offset sits at the center index (3^D-1)/2.
func NeighborDirs[V Vec]() [][3]int {
	dim := Dim[V]()
	n := 1
	for i := 0; i < dim; i++ {
		n *= 3
	}
	dirs := make([][3]int, n)
	for j := 0; j < n; j++ {
		q := j
		for i := 0; i < dim; i++ {
			dirs[j][i] = q%3 - 1
			q /= 3
		}
	}
	return dirs
}

// Bits decomposes the key for serialization.
func (k Key[V]) Bits() ([3]uint32, int) { return k.x, int(k.depth) }

// FromBits is the inverse of Bits.
func FromBits[V Vec](x [3]uint32, depth int) Key[V] {
	return Key[V]{x: x, depth: int8(depth)}
}

/*package tree implements a distributed adaptive 2^D-ary tree (quadtree or
octree) over Morton keys. Each process owns a contiguous range of the
globally sorted leaf sequence, bounded by the partition array returned by
PartitionMins, and additionally holds ghost replicas of neighboring
processes' boundary nodes so cross-boundary topology queries can be answered
locally.

All exported operations that change or read shared structure are collective:
every process in the communicator must call them in the same order with
semantically matching arguments. The library does not defend against
divergent calls; they deadlock or panic in the communication layer.
*/
package tree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bimlab/treecode/lib/comm"
	"github.com/bimlab/treecode/lib/morton"
)

// Nil marks an absent topology link.
const Nil = -1

var (
	ErrUnknownName     = errors.New("tree: unknown name")
	ErrDuplicateName   = errors.New("tree: name already in use")
	ErrShapeMismatch   = errors.New("tree: argument shape mismatch")
	ErrBalanceDiverged = errors.New(
		"tree: 2:1 balance iteration did not converge")
)

// Attr holds the per-node attribute flags.
type Attr struct {
	// Leaf is set on nodes with no children in the local node array.
	Leaf bool
	// Ghost is set on replicas of nodes owned by another process.
	Ghost bool
}

// Lists gives the topology of one node. Indices refer to positions in the
// node arrays of the current refinement epoch; absent links are Nil. Only
// the first 2^D child slots and 3^D neighbor slots are meaningful; the
// neighbor table is ordered like morton.NeighborDirs, with the node itself
// at the center slot.
type Lists struct {
	P2N    int
	Parent int64
	Child  [8]int64
	Nbr    [27]int64
}

type namedData struct {
	buf []float64
	cnt []int64
	dsp []int64
}

// Tree is a distributed adaptive spatial tree. The zero number of nodes
// before the first UpdateRefinement is valid; all topology accessors return
// empty slices.
type Tree[V morton.Vec] struct {
	c comm.Comm

	mins     []morton.Key[V]
	nodeKey  []morton.Key[V]
	nodeAttr []Attr
	nodeList []Lists

	data map[string]*namedData
}

// CapacityStatus reports leaves that exceeded the point budget but could
// not be refined further because they are already at the maximum depth
// (degenerate duplicate or near-duplicate coordinates). This is a degraded
// invariant, not an error.
type CapacityStatus struct {
	// OverfullLeaves counts leaves globally that hold more than M points.
	OverfullLeaves int64
	// MaxCount is the largest point count of any leaf.
	MaxCount int64
}

// Violated returns true if any leaf exceeded the point budget.
func (s CapacityStatus) Violated() bool { return s.OverfullLeaves > 0 }

// New creates an empty tree bound to a communicator.
func New[V morton.Vec](c comm.Comm) *Tree[V] {
	return &Tree[V]{c: c, data: map[string]*namedData{}}
}

// Comm returns the communicator the tree is bound to.
func (t *Tree[V]) Comm() comm.Comm { return t.c }

// Dim returns the number of spatial dimensions.
func (t *Tree[V]) Dim() int { return morton.Dim[V]() }

// PartitionMins returns the Morton keys bounding the per-process domains:
// process r owns node ids in [mins[r], mins[r+1]).
func (t *Tree[V]) PartitionMins() []morton.Key[V] { return t.mins }

// NodeKeys returns the sorted keys of the local nodes, ghosts included.
func (t *Tree[V]) NodeKeys() []morton.Key[V] { return t.nodeKey }

// NodeAttrs returns the attributes of the local nodes.
func (t *Tree[V]) NodeAttrs() []Attr { return t.nodeAttr }

// NodeLists returns the topology of the local nodes.
func (t *Tree[V]) NodeLists() []Lists { return t.nodeList }

func keyLess[V morton.Vec](a, b morton.Key[V]) bool { return a.Less(b) }

// pointKeys maps flat coordinates to maximum-depth Morton keys.
func pointKeys[V morton.Vec](coord []float64) []morton.Key[V] {
	dim := morton.Dim[V]()
	keys := make([]morton.Key[V], len(coord)/dim)
	for i := range keys {
		var v V
		for j := 0; j < dim; j++ {
			v[j] = coord[i*dim+j]
		}
		keys[i] = morton.FromCoord(v, morton.MaxDepth)
	}
	return keys
}

// countInBox counts the sorted maximum-depth point keys falling inside box.
func countInBox[V morton.Vec](pts []morton.Key[V], box morton.Key[V]) int64 {
	first := box.DFD()
	lo := sort.Search(len(pts), func(i int) bool {
		return !pts[i].Less(first)
	})
	hi := len(pts)
	if nxt := box.Next(); nxt.Valid() {
		end := nxt.DFD()
		hi = sort.Search(len(pts), func(i int) bool {
			return !pts[i].Less(end)
		})
	}
	return int64(hi - lo)
}

// findLeafContaining returns the index of the leaf whose box contains the
// anchor of k. leaves must be a complete sorted tiling of the domain.
func findLeafContaining[V morton.Vec](leaves []morton.Key[V],
	k morton.Key[V]) int {

	d := k.DFD()
	i := sort.Search(len(leaves), func(j int) bool {
		return d.Less(leaves[j].DFD())
	})
	return i - 1
}

// UpdateRefinement rebuilds the tree refinement from a set of point
// coordinates in [0,1)^D and repartitions node data among the new nodes.
//
// Every leaf of the new tree holds at most M points, except leaves at the
// maximum depth which cannot be split further; those are reported through
// the returned CapacityStatus. With balance21, neighboring leaves are
// refined until adjacent leaves differ by at most one level; if that fixed
// point is not reached within the round bound, ErrBalanceDiverged is
// returned. With periodic, neighbor relations wrap across the domain faces.
//
// Named data previously added to the tree is redistributed to the new node
// ordering where keys survive; values for newly created nodes are empty
// until re-added by the caller. This is a collective operation.
func (t *Tree[V]) UpdateRefinement(coord []float64, M int,
	balance21, periodic bool) (CapacityStatus, error) {

	dim := morton.Dim[V]()
	if len(coord)%dim != 0 {
		return CapacityStatus{}, fmt.Errorf(
			"%w: len(coord) = %d is not a multiple of the dimension %d",
			ErrShapeMismatch, len(coord), dim)
	}
	if M < 1 {
		M = 1
	}

	pts := comm.SortByKey(t.c, pointKeys[V](coord), keyLess[V])

	leaves, status := t.buildLeaves(pts, M)
	if balance21 {
		var err error
		if leaves, err = t.balance(leaves, periodic); err != nil {
			return status, err
		}
	}

	oldKey, oldAttr := t.nodeKey, t.nodeAttr
	t.mins = t.partition(leaves)
	t.buildTopology(leaves, periodic)
	t.redistributeData(oldKey, oldAttr)
	return status, nil
}

// buildLeaves refines the root box until every leaf holds at most M of the
// globally sorted points. Empty subtrees are never refined, which keeps
// unpopulated regions coarse. All processes compute the identical leaf
// sequence because counts are reduced globally each round.
func (t *Tree[V]) buildLeaves(pts []morton.Key[V], M int,
) ([]morton.Key[V], CapacityStatus) {

	cand := []morton.Key[V]{morton.Root[V]()}
	for {
		cnt := make([]int64, len(cand))
		for i := range cand {
			cnt[i] = countInBox(pts, cand[i])
		}
		cnt = comm.AllReduceSum(t.c, cnt)

		next := make([]morton.Key[V], 0, len(cand))
		split := false
		for i := range cand {
			if cnt[i] > int64(M) && cand[i].Level() < morton.MaxDepth {
				next = append(next, cand[i].Children()...)
				split = true
			} else {
				next = append(next, cand[i])
			}
		}
		cand = next
		if !comm.AllReduceOr(t.c, split) {
			break
		}
	}

	// Leaves at the maximum depth may still be overfull.
	status := CapacityStatus{}
	cnt := make([]int64, len(cand))
	for i := range cand {
		cnt[i] = countInBox(pts, cand[i])
	}
	cnt = comm.AllReduceSum(t.c, cnt)
	for i := range cnt {
		if cnt[i] > int64(M) {
			status.OverfullLeaves++
		}
		if cnt[i] > status.MaxCount {
			status.MaxCount = cnt[i]
		}
	}
	return cand, status
}

// balance propagates refinement to neighboring boxes until adjacent leaves
// differ by at most one level. Each round splits violating coarse leaves by
// one level; a collective reduction of "any process refined this round"
// detects the global fixed point.
func (t *Tree[V]) balance(leaves []morton.Key[V], periodic bool,
) ([]morton.Key[V], error) {

	dirs := morton.NeighborDirs[V]()
	for round := 0; ; round++ {
		if round > morton.MaxDepth+1 {
			return nil, ErrBalanceDiverged
		}

		mark := make([]bool, len(leaves))
		changed := false
		for i := range leaves {
			d := leaves[i].Level()
			if d < 2 {
				continue
			}
			for _, dir := range dirs {
				if dir == [3]int{} {
					continue
				}
				nb := leaves[i].Neighbor(dir, periodic)
				if !nb.Valid() {
					continue
				}
				j := findLeafContaining(leaves, nb)
				if leaves[j].Level() < d-1 && !mark[j] {
					mark[j], changed = true, true
				}
			}
		}

		if !comm.AllReduceOr(t.c, changed) {
			return leaves, nil
		}
		next := make([]morton.Key[V], 0, len(leaves))
		for i := range leaves {
			if mark[i] {
				next = append(next, leaves[i].Children()...)
			} else {
				next = append(next, leaves[i])
			}
		}
		leaves = next
	}
}

// partition assigns contiguous, load-balanced leaf ranges to processes and
// returns the partition boundary keys.
func (t *Tree[V]) partition(leaves []morton.Key[V]) []morton.Key[V] {
	np := t.c.Size()
	n := len(leaves)
	mins := make([]morton.Key[V], np)
	for r := 0; r < np; r++ {
		mins[r] = leaves[r*n/np].DFD()
	}
	mins[0] = morton.Root[V]().DFD()
	return mins
}

// ownerOf returns the rank owning a node id under the current partition.
func (t *Tree[V]) ownerOf(k morton.Key[V]) int {
	d := k.DFD()
	r := sort.Search(len(t.mins), func(i int) bool {
		return d.Less(t.mins[i])
	})
	return r - 1
}

// localLeafRange returns this process's [lo, hi) range in the global leaf
// sequence.
func localLeafRange(rank, np, n int) (int, int) {
	return rank * n / np, (rank + 1) * n / np
}

// buildTopology rebuilds the local ancestor-inclusive node arrays from the
// global leaf sequence: the local leaves, their ancestors and all ancestor
// siblings, plus one layer of neighboring processes' leaves (and their
// ancestors) replicated as ghosts. Ownership is decided by node id against
// the partition array.
func (t *Tree[V]) buildTopology(leaves []morton.Key[V], periodic bool) {
	rank, np := t.c.Rank(), t.c.Size()
	lo, hi := localLeafRange(rank, np, len(leaves))
	dirs := morton.NeighborDirs[V]()
	nchild := 1 << morton.Dim[V]()

	include := map[morton.Key[V]]bool{}
	collect := func(l morton.Key[V]) {
		include[l] = true
		for k := l; k.Level() > 0; {
			p := k.Ancestor(k.Level() - 1)
			include[p] = true
			for j := 0; j < nchild; j++ {
				include[p.Child(j)] = true
			}
			k = p
		}
	}

	for i := lo; i < hi; i++ {
		collect(leaves[i])
	}
	// Ghost layer: every remote leaf touching a local leaf.
	for i := lo; i < hi; i++ {
		for _, dir := range dirs {
			if dir == [3]int{} {
				continue
			}
			nb := leaves[i].Neighbor(dir, periodic)
			if !nb.Valid() {
				continue
			}
			end := nb.Next()
			for j := findLeafContaining(leaves, nb); j < len(leaves); j++ {
				if end.Valid() && !leaves[j].DFD().Less(end.DFD()) {
					break
				}
				if j < lo || j >= hi {
					collect(leaves[j])
				}
			}
		}
	}

	keys := make([]morton.Key[V], 0, len(include))
	for k := range include {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	idxOf := make(map[morton.Key[V]]int64, len(keys))
	for i := range keys {
		idxOf[keys[i]] = int64(i)
	}
	lookup := func(k morton.Key[V]) int64 {
		if !k.Valid() {
			return Nil
		}
		if i, ok := idxOf[k]; ok {
			return i
		}
		return Nil
	}

	attrs := make([]Attr, len(keys))
	lists := make([]Lists, len(keys))
	for i, k := range keys {
		leaf := k.Level() == morton.MaxDepth || !include[k.Child(0)]
		attrs[i] = Attr{Leaf: leaf, Ghost: t.ownerOf(k) != rank}

		l := Lists{P2N: k.P2N(), Parent: Nil}
		for j := range l.Child {
			l.Child[j] = Nil
		}
		for j := range l.Nbr {
			l.Nbr[j] = Nil
		}
		if k.Level() > 0 {
			l.Parent = lookup(k.Ancestor(k.Level() - 1))
		}
		if !leaf {
			for j := 0; j < nchild; j++ {
				l.Child[j] = lookup(k.Child(j))
			}
		}
		for n, dir := range dirs {
			if dir == [3]int{} {
				l.Nbr[n] = int64(i)
				continue
			}
			l.Nbr[n] = lookup(k.Neighbor(dir, periodic))
		}
		lists[i] = l
	}

	t.nodeKey, t.nodeAttr, t.nodeList = keys, attrs, lists
}

// findNode returns the local index of an exact node key, or Nil.
func (t *Tree[V]) findNode(k morton.Key[V]) int64 {
	i := sort.Search(len(t.nodeKey), func(j int) bool {
		return !t.nodeKey[j].Less(k)
	})
	if i < len(t.nodeKey) && t.nodeKey[i] == k {
		return int64(i)
	}
	return Nil
}

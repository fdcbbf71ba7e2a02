package tree

/* This file contains PtTree, which manages named point groups on top of the
base tree. Each group keeps the Morton keys of its points and the scatter
permutation from insertion order to tree-sorted order; both are recomputed
whenever the tree is refined, so every process ends up holding exactly the
points whose key falls in its partition range. */

import (
	"fmt"
	"sort"

	"github.com/bimlab/treecode/lib/comm"
	"github.com/bimlab/treecode/lib/morton"
)

// ptGroup is the process-local state of one named point group.
type ptGroup[V morton.Vec] struct {
	coord   []float64        // insertion-order coordinates, local
	nLocal  int64            // insertion-order point count, local
	key     []morton.Key[V]  // tree-sorted keys of the points held here
	scatter []int64          // global insertion-order index per held point
}

// PtTree manages named particle groups atop a distributed tree. Groups are
// independently keyed by name; deleting one does not affect the others.
type PtTree[V morton.Vec] struct {
	*Tree[V]

	groups    map[string]*ptGroup[V]
	dataGroup map[string]string // data name -> group name
}

// NewPtTree creates an empty point tree bound to a communicator.
func NewPtTree[V morton.Vec](c comm.Comm) *PtTree[V] {
	return &PtTree[V]{
		Tree:      New[V](c),
		groups:    map[string]*ptGroup[V]{},
		dataGroup: map[string]string{},
	}
}

// AddParticles registers a named point group from flat coordinates in
// [0,1)^D. The group's Morton keys are meaningful only relative to the
// tree's current partition and are recomputed on every refinement. This is
// a collective operation.
func (t *PtTree[V]) AddParticles(name string, coord []float64) error {
	if _, ok := t.groups[name]; ok {
		return fmt.Errorf("%w: particle group %q", ErrDuplicateName, name)
	}
	dim := morton.Dim[V]()
	if len(coord)%dim != 0 {
		return fmt.Errorf("%w: len(coord) = %d is not a multiple of the "+
			"dimension %d", ErrShapeMismatch, len(coord), dim)
	}

	g := &ptGroup[V]{
		coord:  append([]float64{}, coord...),
		nLocal: int64(len(coord) / dim),
	}
	t.groups[name] = g
	if t.mins != nil {
		t.scatterGroup(g)
	}
	return nil
}

// scatterGroup recomputes a group's keys and scatter permutation against
// the current partition. Collective.
func (t *PtTree[V]) scatterGroup(g *ptGroup[V]) {
	keys := pointKeys[V](g.coord)
	sorted, idx := comm.SortScatterIndex(t.c, keys, keyLess[V])
	g.key, g.scatter = comm.PartitionByMins(t.c, sorted, idx, t.mins,
		keyLess[V])
}

// UpdateRefinement drives the base tree's refinement from the supplied
// coordinates, then recomputes keys and scatter permutations for every
// registered point group under the new partition. Particle data added
// before the refinement is stale afterwards and must be re-added. This is a
// collective operation.
func (t *PtTree[V]) UpdateRefinement(coord []float64, M int,
	balance21, periodic bool) (CapacityStatus, error) {

	status, err := t.Tree.UpdateRefinement(coord, M, balance21, periodic)
	if err != nil {
		return status, err
	}
	for _, name := range t.GroupNames() {
		t.scatterGroup(t.groups[name])
	}
	return status, nil
}

// GroupNames returns the registered group names in sorted order.
func (t *PtTree[V]) GroupNames() []string {
	names := make([]string, 0, len(t.groups))
	for name := range t.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParticleCoord returns the insertion-order coordinates this process
// supplied for a group.
func (t *PtTree[V]) ParticleCoord(name string) ([]float64, error) {
	g, ok := t.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: particle group %q", ErrUnknownName, name)
	}
	return g.coord, nil
}

// groupDof derives the per-point value count of a dataset from globally
// reduced lengths, so processes with no local points agree with the rest.
func (t *PtTree[V]) groupDof(g *ptGroup[V], dataLen int64) (int64, error) {
	tot := comm.AllReduceSum(t.c, []int64{dataLen, g.nLocal})
	if tot[1] == 0 || tot[0]%tot[1] != 0 {
		return 0, fmt.Errorf("%w: %d values over %d points",
			ErrShapeMismatch, tot[0], tot[1])
	}
	return tot[0] / tot[1], nil
}

// AddParticleData associates named per-point values with a particle group.
// data is in the group's insertion order, with a fixed number of values per
// point; it is scattered to the tree ordering and stored as node data under
// dataName. This is a collective operation.
func (t *PtTree[V]) AddParticleData(dataName, ptName string,
	data []float64) error {

	g, ok := t.groups[ptName]
	if !ok {
		return fmt.Errorf("%w: particle group %q", ErrUnknownName, ptName)
	}
	dof, err := t.groupDof(g, int64(len(data)))
	if err != nil {
		return err
	}
	if int64(len(data)) != g.nLocal*dof {
		return fmt.Errorf("%w: len(data) = %d for %d points of %d values",
			ErrShapeMismatch, len(data), g.nLocal, dof)
	}

	sorted := comm.ScatterForward(t.c, data, int(dof), g.scatter)

	// Bin the sorted values per owned leaf. Group keys and leaves are both
	// sorted, so the per-node buffer is the sorted buffer unchanged.
	cnt := make([]int64, len(t.nodeKey))
	p := 0
	for i := range t.nodeKey {
		if t.nodeAttr[i].Ghost || !t.nodeAttr[i].Leaf {
			continue
		}
		n := int64(0)
		for p < len(g.key) && t.nodeKey[i].IsAncestorOf(g.key[p]) {
			n++
			p++
		}
		cnt[i] = n * dof
	}
	if p != len(g.key) {
		return fmt.Errorf("%w: %d of %d points fall outside the local "+
			"leaves; refine the tree before adding data",
			ErrShapeMismatch, len(g.key)-p, len(g.key))
	}

	if err := t.AddData(dataName, sorted, cnt); err != nil {
		return err
	}
	t.dataGroup[dataName] = ptName
	return nil
}

// GetParticleData returns a named per-point dataset with the inverse
// scatter applied, so values come back in the exact insertion order of the
// group regardless of intervening redistribution. This is a collective
// operation.
func (t *PtTree[V]) GetParticleData(dataName string) ([]float64, error) {
	ptName, ok := t.dataGroup[dataName]
	if !ok {
		return nil, fmt.Errorf("%w: particle data %q", ErrUnknownName,
			dataName)
	}
	g := t.groups[ptName]

	buf, cnt, err := t.GetData(dataName)
	if err != nil {
		return nil, err
	}

	// Flatten the owned-node values back into tree-sorted point order.
	sorted := make([]float64, 0, len(buf))
	off := int64(0)
	for i := range cnt {
		v := buf[off : off+cnt[i]]
		off += cnt[i]
		if t.nodeAttr[i].Ghost {
			continue
		}
		sorted = append(sorted, v...)
	}

	dof, err := t.groupDof(g, int64(len(sorted)))
	if err != nil {
		return nil, err
	}
	if int64(len(sorted)) != int64(len(g.key))*dof {
		return nil, fmt.Errorf("%w: %d values for %d local points",
			ErrShapeMismatch, len(sorted), len(g.key))
	}
	return comm.ScatterReverse(t.c, sorted, int(dof), g.scatter,
		g.nLocal), nil
}

// DeleteParticleData removes a named per-point dataset. This is a
// collective operation.
func (t *PtTree[V]) DeleteParticleData(dataName string) error {
	if _, ok := t.dataGroup[dataName]; !ok {
		return fmt.Errorf("%w: particle data %q", ErrUnknownName, dataName)
	}
	delete(t.dataGroup, dataName)
	return t.DeleteData(dataName)
}

// DeleteParticles removes a particle group and every dataset bound to it.
// Other groups are unaffected. This is a collective operation.
func (t *PtTree[V]) DeleteParticles(name string) error {
	if _, ok := t.groups[name]; !ok {
		return fmt.Errorf("%w: particle group %q", ErrUnknownName, name)
	}
	for _, dataName := range t.boundData(name) {
		if err := t.DeleteParticleData(dataName); err != nil {
			return err
		}
	}
	delete(t.groups, name)
	return nil
}

// boundData returns the sorted names of datasets bound to a group.
func (t *PtTree[V]) boundData(ptName string) []string {
	names := []string{}
	for dataName, g := range t.dataGroup {
		if g == ptName {
			names = append(names, dataName)
		}
	}
	sort.Strings(names)
	return names
}

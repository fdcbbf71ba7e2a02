package comm

/* This file contains the distributed stable sort and the scatter-index
machinery built on it. A scatter index records, for each slot of a sorted
sequence, the global insertion-order index of the element placed there;
ScatterForward and ScatterReverse convert data between the two orderings.

The in-process implementation gathers the full sequence on every rank and
has each rank keep its share. A large-scale Comm backend would substitute a
sample sort; callers only rely on the collective contract and on the result
being identical across ranks for identical input. */

import (
	"sort"
)

// sortPair carries a key together with the global insertion-order index of
// the element it belongs to.
type sortPair[K any] struct {
	Key  K
	Gidx int64
}

// SortScatterIndex globally sorts keys with a stable insertion-order
// tie-break and returns this rank's contiguous share of the sorted sequence
// together with its scatter index. Collective.
func SortScatterIndex[K any](c Comm, keys []K, less func(a, b K) bool,
) ([]K, []int64) {
	off := Scan(c, int64(len(keys)))
	pairs := make([]sortPair[K], len(keys))
	for i := range keys {
		pairs[i] = sortPair[K]{keys[i], off + int64(i)}
	}

	all, _ := AllGather(c, pairs)
	// Gathering in rank order makes a stable sort break ties by global
	// insertion order, which is what makes refinement deterministic.
	sort.SliceStable(all, func(i, j int) bool {
		return less(all[i].Key, all[j].Key)
	})

	np, rank := c.Size(), c.Rank()
	n := len(all)
	lo, hi := rank*n/np, (rank+1)*n/np
	sorted, idx := make([]K, hi-lo), make([]int64, hi-lo)
	for i := lo; i < hi; i++ {
		sorted[i-lo], idx[i-lo] = all[i].Key, all[i].Gidx
	}
	return sorted, idx
}

// SortByKey is SortScatterIndex without the index. Collective.
func SortByKey[K any](c Comm, keys []K, less func(a, b K) bool) []K {
	sorted, _ := SortScatterIndex(c, keys, less)
	return sorted
}

// PartitionByMins exchanges a globally sorted (key, index) sequence so that
// rank r ends up holding exactly the keys in [mins[r], mins[r+1]), where
// mins has one entry per rank and the last range is unbounded above.
// Collective.
func PartitionByMins[K any](c Comm, keys []K, idx []int64, mins []K,
	less func(a, b K) bool) ([]K, []int64) {

	pairs := make([]sortPair[K], len(keys))
	for i := range keys {
		pairs[i] = sortPair[K]{keys[i], idx[i]}
	}
	all, _ := AllGather(c, pairs)

	rank := c.Rank()
	lo := 0
	if rank > 0 {
		lo = sort.Search(len(all), func(i int) bool {
			return !less(all[i].Key, mins[rank])
		})
	}
	hi := len(all)
	if rank+1 < len(mins) {
		hi = sort.Search(len(all), func(i int) bool {
			return !less(all[i].Key, mins[rank+1])
		})
	}

	outKeys, outIdx := make([]K, hi-lo), make([]int64, hi-lo)
	for i := lo; i < hi; i++ {
		outKeys[i-lo], outIdx[i-lo] = all[i].Key, all[i].Gidx
	}
	return outKeys, outIdx
}

// ScatterForward redistributes insertion-ordered data into the sorted
// ordering described by scatterIdx, carrying dof values per element.
// data holds this rank's insertion-order elements; the result holds one
// dof-block per local sorted slot. Collective.
func ScatterForward[T any](c Comm, data []T, dof int, scatterIdx []int64,
) []T {
	all, _ := AllGather(c, data)
	out := make([]T, len(scatterIdx)*dof)
	for i, g := range scatterIdx {
		copy(out[i*dof:(i+1)*dof], all[g*int64(dof):(g+1)*int64(dof)])
	}
	return out
}

// ScatterReverse is the inverse of ScatterForward: data in local sorted
// order returns to the original insertion order. nOrig is the number of
// insertion-order elements owned by this rank. Collective.
func ScatterReverse[T any](c Comm, data []T, dof int, scatterIdx []int64,
	nOrig int64) []T {

	off := Scan(c, nOrig)
	allIdx, _ := AllGather(c, scatterIdx)
	allData, _ := AllGather(c, data)

	out := make([]T, nOrig*int64(dof))
	for j, g := range allIdx {
		if g < off || g >= off+nOrig {
			continue
		}
		copy(out[(g-off)*int64(dof):(g-off+1)*int64(dof)],
			allData[j*dof:(j+1)*dof])
	}
	return out
}

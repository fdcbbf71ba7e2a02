package tree

/* This file contains the named node data attached to the tree: flat value
buffers indexed in parallel with the node keys, one per name. Data is
redistributed to the new node ordering on every refinement and becomes
stale if accessed across a refinement without being re-added; that is a
caller error the library does not defend against. */

import (
	"fmt"
	"sort"

	"github.com/bimlab/treecode/lib/comm"
	"github.com/bimlab/treecode/lib/morton"
)

// dataRec pairs a node key with its value count for routing named data
// between processes.
type dataRec[V morton.Vec] struct {
	Key morton.Key[V]
	Cnt int64
}

func scan(cnt []int64) []int64 {
	dsp := make([]int64, len(cnt))
	for i := 1; i < len(cnt); i++ {
		dsp[i] = dsp[i-1] + cnt[i-1]
	}
	return dsp
}

// AddData attaches named data to the tree nodes, replacing any data already
// stored under the name. cnt gives the number of values per node and must
// have one entry per local node; data holds the values of all nodes
// contiguously in node order. This is a collective operation.
func (t *Tree[V]) AddData(name string, data []float64, cnt []int64) error {
	if len(cnt) != len(t.nodeKey) {
		return fmt.Errorf("%w: got %d counts for %d nodes",
			ErrShapeMismatch, len(cnt), len(t.nodeKey))
	}
	total := int64(0)
	for i := range cnt {
		total += cnt[i]
	}
	if total != int64(len(data)) {
		return fmt.Errorf("%w: counts sum to %d but len(data) = %d",
			ErrShapeMismatch, total, len(data))
	}

	d := &namedData{
		buf: append([]float64{}, data...),
		cnt: append([]int64{}, cnt...),
	}
	d.dsp = scan(d.cnt)
	t.data[name] = d
	return nil
}

// GetData returns the named data buffer and per-node counts. The slices are
// views into tree-owned storage valid until the next refinement or data
// operation; they must not be resized.
func (t *Tree[V]) GetData(name string) ([]float64, []int64, error) {
	d, ok := t.data[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	return d.buf, d.cnt, nil
}

// DeleteData removes a named dataset. This is a collective operation.
func (t *Tree[V]) DeleteData(name string) error {
	if _, ok := t.data[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	delete(t.data, name)
	return nil
}

// DataNames returns the names of all attached datasets in sorted order.
func (t *Tree[V]) DataNames() []string {
	names := make([]string, 0, len(t.data))
	for name := range t.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// redistributeData routes every named dataset from the pre-refinement node
// ordering to the new one. Only owned (non-ghost) nodes are sources of
// truth; values land on the new owner of each surviving key, and nodes
// whose key did not survive the refinement start empty.
func (t *Tree[V]) redistributeData(oldKey []morton.Key[V], oldAttr []Attr) {
	np := t.c.Size()
	// Names must be visited in the same order on every process.
	for _, name := range t.DataNames() {
		d := t.data[name]

		recs := []dataRec[V]{}
		vals := []float64{}
		recCnt, valCnt := make([]int64, np), make([]int64, np)
		for i := range oldKey {
			if oldAttr[i].Ghost || d.cnt[i] == 0 {
				continue
			}
			dst := t.ownerOf(oldKey[i])
			recs = append(recs, dataRec[V]{oldKey[i], d.cnt[i]})
			vals = append(vals, d.buf[d.dsp[i]:d.dsp[i]+d.cnt[i]]...)
			recCnt[dst]++
			valCnt[dst] += d.cnt[i]
		}

		gotRecs, _ := comm.AllToAllv(t.c, recs, recCnt)
		gotVals, _ := comm.AllToAllv(t.c, vals, valCnt)

		newCnt := make([]int64, len(t.nodeKey))
		parts := make([][]float64, len(t.nodeKey))
		off := int64(0)
		for _, rec := range gotRecs {
			v := gotVals[off : off+rec.Cnt]
			off += rec.Cnt
			if i := t.findNode(rec.Key); i != Nil {
				newCnt[i] = rec.Cnt
				parts[i] = v
			}
		}

		buf := make([]float64, 0, off)
		for i := range parts {
			buf = append(buf, parts[i]...)
		}
		d.buf, d.cnt, d.dsp = buf, newCnt, scan(newCnt)
	}
}

// ownedRecords packs the (key, cnt, values) triples of local nodes selected
// by keep, in node order.
func (t *Tree[V]) ownedRecords(d *namedData, keep func(i int) bool,
) ([]dataRec[V], []float64) {

	recs := []dataRec[V]{}
	vals := []float64{}
	for i := range t.nodeKey {
		if d.cnt[i] == 0 || !keep(i) {
			continue
		}
		recs = append(recs, dataRec[V]{t.nodeKey[i], d.cnt[i]})
		vals = append(vals, d.buf[d.dsp[i]:d.dsp[i]+d.cnt[i]]...)
	}
	return recs, vals
}

// Broadcast fills the ghost copies of a named dataset from the values held
// by the owning processes. This is a collective operation.
func (t *Tree[V]) Broadcast(name string) error {
	d, ok := t.data[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownName, name)
	}

	recs, vals := t.ownedRecords(d, func(i int) bool {
		return !t.nodeAttr[i].Ghost
	})
	allRecs, _ := comm.AllGather(t.c, recs)
	allVals, _ := comm.AllGather(t.c, vals)

	parts := map[morton.Key[V]][]float64{}
	off := int64(0)
	for _, rec := range allRecs {
		parts[rec.Key] = allVals[off : off+rec.Cnt]
		off += rec.Cnt
	}

	newCnt := make([]int64, len(t.nodeKey))
	buf := []float64{}
	for i := range t.nodeKey {
		v := d.buf[d.dsp[i] : d.dsp[i]+d.cnt[i]]
		if t.nodeAttr[i].Ghost {
			if owned, ok := parts[t.nodeKey[i]]; ok {
				v = owned
			}
		}
		newCnt[i] = int64(len(v))
		buf = append(buf, v...)
	}
	d.buf, d.cnt, d.dsp = buf, newCnt, scan(newCnt)
	return nil
}

// ReduceBroadcast sums the ghost-copy contributions of a named dataset into
// the owning processes' values, then refreshes all ghost copies with the
// reduced result. This is a collective operation.
func (t *Tree[V]) ReduceBroadcast(name string) error {
	d, ok := t.data[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownName, name)
	}

	recs, vals := t.ownedRecords(d, func(i int) bool {
		return t.nodeAttr[i].Ghost
	})
	allRecs, _ := comm.AllGather(t.c, recs)
	allVals, _ := comm.AllGather(t.c, vals)

	rank := t.c.Rank()
	off := int64(0)
	for _, rec := range allRecs {
		v := allVals[off : off+rec.Cnt]
		off += rec.Cnt
		if t.ownerOf(rec.Key) != rank {
			continue
		}
		i := t.findNode(rec.Key)
		if i == Nil {
			continue
		}
		switch {
		case d.cnt[i] == rec.Cnt:
			dst := d.buf[d.dsp[i] : d.dsp[i]+d.cnt[i]]
			for j := range dst {
				dst[j] += v[j]
			}
		case d.cnt[i] == 0:
			// The owner had no values yet; adopt the contribution. Requires
			// rebuilding the flat buffer.
			t.spliceData(d, i, v)
		}
	}
	return t.Broadcast(name)
}

// spliceData inserts values for node i into a dataset that previously had
// none there.
func (t *Tree[V]) spliceData(d *namedData, i int64, v []float64) {
	buf := make([]float64, 0, int64(len(d.buf))+int64(len(v)))
	buf = append(buf, d.buf[:d.dsp[i]]...)
	buf = append(buf, v...)
	buf = append(buf, d.buf[d.dsp[i]:]...)
	d.buf = buf
	d.cnt[i] = int64(len(v))
	d.dsp = scan(d.cnt)
}

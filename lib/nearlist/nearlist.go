/*package nearlist builds per-element near-target lists for boundary-integral
operators: for every source element, the set of target points whose distance
to some node of the element is below that node's cutoff radius, along with
the scatter metadata needed to reassemble per-target results in the original
target ordering.

The search is a two-phase filter. A distributed spatial tree over the source
nodes routes each element to the processes whose domains its padded bounding
box can touch, and targets are partitioned across processes by the same
tree; a coarse per-target bounding-box test then feeds an exact per-node
distance test, which is necessary because radii vary per node and a single
global cutoff would be either unsafe or wasteful.
*/
package nearlist

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/bimlab/treecode/lib/comm"
	"github.com/bimlab/treecode/lib/morton"
	"github.com/bimlab/treecode/lib/tree"
)

var ErrShapeMismatch = errors.New("nearlist: argument shape mismatch")

// leafSize is the point budget of the routing tree built over source nodes.
const leafSize = 16

// Input describes the local portion of a near-list query. Coordinates are
// in AoS order; ElemDsp may be nil, in which case elements are assumed
// contiguous.
type Input struct {
	// TrgCoord holds the local target coordinates.
	TrgCoord []float64
	// TrgNormal optionally holds the local target normals.
	TrgNormal []float64
	// SrcCoord holds the local source node coordinates.
	SrcCoord []float64
	// SrcRadius holds the per-node cutoff radius.
	SrcRadius []float64
	// ElemCnt and ElemDsp give the source nodes of each local element.
	ElemCnt []int64
	ElemDsp []int64
}

// NearList is the caller-owned result of BuildNearList.
type NearList struct {
	// TrgCoord and TrgNormal hold near-target coordinates (and normals, if
	// supplied) as one contiguous run per local element.
	TrgCoord  []float64
	TrgNormal []float64
	// ElemCnt and ElemDsp index the runs per local element, counted in
	// targets.
	ElemCnt []int64
	ElemDsp []int64
	// ScatterIndex maps the element-major near buffer to target-major
	// order: applying comm.ScatterForward to per-pair results with this
	// index yields, on each process, its own targets' contributions
	// contiguously.
	ScatterIndex []int64
	// TrgCnt and TrgDsp index the target-major contributions per local
	// target, for summing when a target is near several elements.
	TrgCnt []int64
	TrgDsp []int64
}

// elemHdr describes one element routed to another process.
type elemHdr struct {
	Gidx   int64 // global element index
	NNodes int64
}

// pairRec is one (element, near target) match.
type pairRec struct {
	GElem int64
	GTrg  int64
	GBuf  int64 // global position in the element-major near buffer
}

// BuildNearList computes the near list for the given targets and elements.
// An element with no near targets yields a valid zero-length run. This is a
// collective operation.
func BuildNearList[V morton.Vec](c comm.Comm, in Input) (*NearList, error) {
	dim := morton.Dim[V]()
	if err := in.validate(dim); err != nil {
		return nil, err
	}
	dsp := in.ElemDsp
	if dsp == nil {
		dsp = make([]int64, len(in.ElemCnt))
		for i := 1; i < len(dsp); i++ {
			dsp[i] = dsp[i-1] + in.ElemCnt[i-1]
		}
	}

	// Route both targets and elements through a tree over the source nodes.
	tr := tree.New[V](c)
	if _, err := tr.UpdateRefinement(in.SrcCoord, leafSize,
		false, false); err != nil {
		return nil, err
	}
	mins := tr.PartitionMins()

	nTrg := int64(len(in.TrgCoord)) / int64(dim)
	hasNormal := hasNormals(c, in.TrgNormal)
	trgKeys := make([]morton.Key[V], nTrg)
	for i := range trgKeys {
		var v V
		for j := 0; j < dim; j++ {
			v[j] = in.TrgCoord[i*dim+j]
		}
		trgKeys[i] = morton.FromCoord(v, morton.MaxDepth)
	}
	less := func(a, b morton.Key[V]) bool { return a.Less(b) }
	sorted, sidx := comm.SortScatterIndex(c, trgKeys, less)
	_, pidx := comm.PartitionByMins(c, sorted, sidx, mins, less)
	myTrgX := comm.ScatterForward(c, in.TrgCoord, dim, pidx)
	var myTrgN []float64
	if hasNormal {
		myTrgN = comm.ScatterForward(c, in.TrgNormal, dim, pidx)
	}

	// Route each element to every process whose domain its padded bounding
	// box can intersect. Box corners bound the Morton codes of everything
	// inside, so the owner ranks form a contiguous interval; extra ranks in
	// the interval just find no targets.
	elemOff := comm.Scan(c, int64(len(in.ElemCnt)))
	np := c.Size()
	hdrs := make([][]elemHdr, np)
	coords := make([][]float64, np)
	radii := make([][]float64, np)
	for e := range in.ElemCnt {
		nds := in.SrcCoord[dsp[e]*int64(dim) : (dsp[e]+in.ElemCnt[e])*int64(dim)]
		rads := in.SrcRadius[dsp[e] : dsp[e]+in.ElemCnt[e]]
		lo, hi := paddedBounds(nds, rads, dim)
		r0 := ownerOf(mins, keyAt[V](lo))
		r1 := ownerOf(mins, keyAt[V](hi))
		for r := r0; r <= r1; r++ {
			hdrs[r] = append(hdrs[r], elemHdr{elemOff + int64(e),
				in.ElemCnt[e]})
			coords[r] = append(coords[r], nds...)
			radii[r] = append(radii[r], rads...)
		}
	}
	gotHdrs, gotPayload, srcRank := exchangeElems(c, hdrs, coords, radii)

	// Fine filter: exact per-node distance tests against the local targets.
	matches := testElems(gotHdrs, gotPayload, srcRank, myTrgX, pidx, dim)

	// Send matches back to the element owners, who assemble the per-element
	// runs of the near buffer.
	nl, pairs := assembleRuns(c, matches, myTrgX, myTrgN, elemOff,
		int64(len(in.ElemCnt)), dim, hasNormal)

	// Target-major metadata: sort all pairs by target, keep this process's
	// own targets, and record where each pair sits in the near buffer.
	buildScatter(c, nl, pairs, nTrg)
	return nl, nil
}

func (in Input) validate(dim int) error {
	if len(in.TrgCoord)%dim != 0 || len(in.SrcCoord)%dim != 0 {
		return fmt.Errorf("%w: coordinates are not a multiple of the "+
			"dimension %d", ErrShapeMismatch, dim)
	}
	if len(in.SrcCoord) != len(in.SrcRadius)*dim {
		return fmt.Errorf("%w: %d source nodes but %d radii",
			ErrShapeMismatch, len(in.SrcCoord)/dim, len(in.SrcRadius))
	}
	if len(in.TrgNormal) != 0 && len(in.TrgNormal) != len(in.TrgCoord) {
		return fmt.Errorf("%w: %d normal components for %d coordinate "+
			"components", ErrShapeMismatch, len(in.TrgNormal),
			len(in.TrgCoord))
	}
	n := int64(0)
	for _, c := range in.ElemCnt {
		n += c
	}
	if n != int64(len(in.SrcRadius)) {
		return fmt.Errorf("%w: element counts sum to %d but there are %d "+
			"source nodes", ErrShapeMismatch, n, len(in.SrcRadius))
	}
	return nil
}

// hasNormals decides collectively whether normals were supplied; processes
// with no local targets follow the others.
func hasNormals(c comm.Comm, normal []float64) bool {
	return comm.AllReduceOr(c, len(normal) > 0)
}

func keyAt[V morton.Vec](x [3]float64) morton.Key[V] {
	var v V
	for j := 0; j < len(v); j++ {
		v[j] = x[j]
	}
	return morton.FromCoord(v, morton.MaxDepth)
}

func ownerOf[V morton.Vec](mins []morton.Key[V], k morton.Key[V]) int {
	d := k.DFD()
	r := sort.Search(len(mins), func(i int) bool {
		return d.Less(mins[i])
	})
	return r - 1
}

// paddedBounds returns the bounding box of an element's nodes, expanded by
// the maximum node radius.
func paddedBounds(nds, rads []float64, dim int) ([3]float64, [3]float64) {
	rmax := 0.0
	for _, r := range rads {
		if r > rmax {
			rmax = r
		}
	}
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for i := 0; i*dim < len(nds); i++ {
		for j := 0; j < dim; j++ {
			x := nds[i*dim+j]
			if x < lo[j] {
				lo[j] = x
			}
			if x > hi[j] {
				hi[j] = x
			}
		}
	}
	for j := 0; j < dim; j++ {
		lo[j] -= rmax
		hi[j] += rmax
	}
	return lo, hi
}

// exchangeElems routes element descriptions to their candidate processes.
func exchangeElems(c comm.Comm, hdrs [][]elemHdr, coords, radii [][]float64,
) ([]elemHdr, []float64, []int) {

	np := c.Size()
	flatH, cntH := []elemHdr{}, make([]int64, np)
	flatC, cntC := []float64{}, make([]int64, np)
	flatR, cntR := []float64{}, make([]int64, np)
	for r := 0; r < np; r++ {
		flatH = append(flatH, hdrs[r]...)
		cntH[r] = int64(len(hdrs[r]))
		flatC = append(flatC, coords[r]...)
		cntC[r] = int64(len(coords[r]))
		flatR = append(flatR, radii[r]...)
		cntR[r] = int64(len(radii[r]))
	}
	gotH, srcCnt := comm.AllToAllv(c, flatH, cntH)
	gotC, _ := comm.AllToAllv(c, flatC, cntC)
	gotR, _ := comm.AllToAllv(c, flatR, cntR)

	// Record the source rank of each received element so matches can be
	// routed back.
	srcRank := make([]int, len(gotH))
	i := 0
	for r := 0; r < np; r++ {
		for k := int64(0); k < srcCnt[r]; k++ {
			srcRank[i] = r
			i++
		}
	}
	return gotH, append(gotC, gotR...), srcRank
}

// match is a local (element, target) hit annotated with its return rank.
type match struct {
	srcRank int
	gElem   int64
	gTrg    int64
	trgSlot int64 // local slot in myTrgX
}

// testElems runs the coarse box test and the exact per-node distance test
// of every received element against the local targets.
func testElems(hdrs []elemHdr, coordRadii []float64,
	srcRank []int, myTrgX []float64, pidx []int64, dim int) []match {

	// coordRadii holds all node coordinates followed by all radii.
	nNodes := 0
	for i := range hdrs {
		nNodes += int(hdrs[i].NNodes)
	}
	coords, radii := coordRadii[:nNodes*dim], coordRadii[nNodes*dim:]

	matches := []match{}
	off := int64(0)
	for i := range hdrs {
		nds := coords[off*int64(dim) : (off+hdrs[i].NNodes)*int64(dim)]
		rads := radii[off : off+hdrs[i].NNodes]
		off += hdrs[i].NNodes

		lo, hi := paddedBounds(nds, rads, dim)
		for s := int64(0); s*int64(dim) < int64(len(myTrgX)); s++ {
			x := myTrgX[s*int64(dim) : (s+1)*int64(dim)]
			if !inBox(x, lo, hi, dim) {
				continue
			}
			if nearSomeNode(x, nds, rads, dim) {
				matches = append(matches, match{
					srcRank[i], hdrs[i].Gidx, pidx[s], s,
				})
			}
		}
	}
	return matches
}

func inBox(x []float64, lo, hi [3]float64, dim int) bool {
	for j := 0; j < dim; j++ {
		if x[j] < lo[j] || x[j] > hi[j] {
			return false
		}
	}
	return true
}

// nearSomeNode reports whether the target is within some node's cutoff.
func nearSomeNode(x, nds, rads []float64, dim int) bool {
	for n := range rads {
		d2 := 0.0
		for j := 0; j < dim; j++ {
			d := x[j] - nds[n*dim+j]
			d2 += d * d
		}
		if d2 < rads[n]*rads[n] {
			return true
		}
	}
	return false
}

// retRec is a match returned to the element owner.
type retRec struct {
	GElem int64
	GTrg  int64
}

// assembleRuns routes matches back to the element owners and builds the
// element-major near buffer. It returns the partially filled NearList and
// the pair records of the local elements with their global buffer
// positions.
func assembleRuns(c comm.Comm, matches []match,
	myTrgX, myTrgN []float64, elemOff, nElem int64, dim int,
	hasNormal bool) (*NearList, []pairRec) {

	np := c.Size()
	sort.Slice(matches, func(i, j int) bool {
		a, b := &matches[i], &matches[j]
		if a.srcRank != b.srcRank {
			return a.srcRank < b.srcRank
		}
		if a.gElem != b.gElem {
			return a.gElem < b.gElem
		}
		return a.gTrg < b.gTrg
	})

	recs, recCnt := make([]retRec, len(matches)), make([]int64, np)
	xs, xCnt := []float64{}, make([]int64, np)
	ns, nCnt := []float64{}, make([]int64, np)
	for i, m := range matches {
		recs[i] = retRec{m.gElem, m.gTrg}
		recCnt[m.srcRank]++
		xs = append(xs, myTrgX[m.trgSlot*int64(dim):(m.trgSlot+1)*int64(dim)]...)
		xCnt[m.srcRank] += int64(dim)
		if hasNormal {
			ns = append(ns,
				myTrgN[m.trgSlot*int64(dim):(m.trgSlot+1)*int64(dim)]...)
			nCnt[m.srcRank] += int64(dim)
		}
	}
	gotRecs, _ := comm.AllToAllv(c, recs, recCnt)
	gotXs, _ := comm.AllToAllv(c, xs, xCnt)
	var gotNs []float64
	if hasNormal {
		gotNs, _ = comm.AllToAllv(c, ns, nCnt)
	}

	// Stable-sort the received pairs into (element, target) order, carrying
	// their coordinate payloads.
	ord := make([]int, len(gotRecs))
	for i := range ord {
		ord[i] = i
	}
	sort.SliceStable(ord, func(i, j int) bool {
		a, b := gotRecs[ord[i]], gotRecs[ord[j]]
		if a.GElem != b.GElem {
			return a.GElem < b.GElem
		}
		return a.GTrg < b.GTrg
	})

	nl := &NearList{
		ElemCnt: make([]int64, nElem),
		ElemDsp: make([]int64, nElem),
	}
	bufOff := comm.Scan(c, int64(len(gotRecs)))
	pairs := make([]pairRec, len(ord))
	for k, i := range ord {
		rec := gotRecs[i]
		e := rec.GElem - elemOff
		nl.ElemCnt[e]++
		nl.TrgCoord = append(nl.TrgCoord,
			gotXs[int64(i)*int64(dim):(int64(i)+1)*int64(dim)]...)
		if hasNormal {
			nl.TrgNormal = append(nl.TrgNormal,
				gotNs[int64(i)*int64(dim):(int64(i)+1)*int64(dim)]...)
		}
		pairs[k] = pairRec{rec.GElem, rec.GTrg, bufOff + int64(k)}
	}
	for e := int64(1); e < nElem; e++ {
		nl.ElemDsp[e] = nl.ElemDsp[e-1] + nl.ElemCnt[e-1]
	}
	return nl, pairs
}

// buildScatter derives the target-major scatter metadata from the pair
// records: ScatterIndex over the target-major ordering of this process's
// own targets, with per-target counts and displacements.
func buildScatter(c comm.Comm, nl *NearList, pairs []pairRec, nTrg int64) {
	trgOff := comm.Scan(c, nTrg)
	all, _ := comm.AllGather(c, pairs)
	sort.Slice(all, func(i, j int) bool {
		if all[i].GTrg != all[j].GTrg {
			return all[i].GTrg < all[j].GTrg
		}
		if all[i].GElem != all[j].GElem {
			return all[i].GElem < all[j].GElem
		}
		return all[i].GBuf < all[j].GBuf
	})

	nl.TrgCnt = make([]int64, nTrg)
	nl.TrgDsp = make([]int64, nTrg)
	for _, p := range all {
		if p.GTrg < trgOff || p.GTrg >= trgOff+nTrg {
			continue
		}
		nl.ScatterIndex = append(nl.ScatterIndex, p.GBuf)
		nl.TrgCnt[p.GTrg-trgOff]++
	}
	for i := int64(1); i < nTrg; i++ {
		nl.TrgDsp[i] = nl.TrgDsp[i-1] + nl.TrgCnt[i-1]
	}
}

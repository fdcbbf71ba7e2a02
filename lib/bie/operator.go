package bie

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/bimlab/treecode/lib/comm"
	"github.com/bimlab/treecode/lib/morton"
	"github.com/bimlab/treecode/lib/nearlist"
)

var (
	ErrUnknownName   = errors.New("bie: unknown element list name")
	ErrDuplicateName = errors.New("bie: duplicate element list name")
	ErrShapeMismatch = errors.New("bie: argument shape mismatch")
)

// FMM is a black-box far-field summation backend. Eval computes the
// potential of all (collectively held) weighted quadrature sources at the
// local targets; it is a collective call over the operator's communicator.
type FMM interface {
	Eval(c comm.Comm, srcX, srcN, density, trgX []float64) ([]float64, error)
}

type directFMM struct{ k Kernel }

// Direct is an FMM backend that sums the kernel over all sources. It
// gathers the global source set and exists for small problems and tests.
func Direct(k Kernel) FMM { return directFMM{k} }

func (d directFMM) Eval(c comm.Comm, srcX, srcN, density, trgX []float64,
) ([]float64, error) {
	dim, sd, td := d.k.CoordDim(), d.k.SrcDim(), d.k.TrgDim()
	allX, _ := comm.AllGather(c, srcX)
	allD, _ := comm.AllGather(c, density)
	var allN []float64
	if comm.AllReduceOr(c, srcN != nil) {
		allN, _ = comm.AllGather(c, srcN)
	}
	if len(allD)*dim != len(allX)*sd {
		return nil, fmt.Errorf("%w: %d sources with %d density values",
			ErrShapeMismatch, len(allX)/dim, len(allD)/sd)
	}

	nt := len(trgX) / dim
	u := make([]float64, nt*td)
	for t := 0; t < nt; t++ {
		x := trgX[t*dim : (t+1)*dim]
		for s := 0; s*dim < len(allX); s++ {
			var sn []float64
			if allN != nil {
				sn = allN[s*dim : (s+1)*dim]
			}
			blk := d.k.Eval(allX[s*dim:(s+1)*dim], sn, x)
			for i := 0; i < td; i++ {
				for j := 0; j < sd; j++ {
					u[t*td+i] += blk[i*sd+j] * allD[s*sd+j]
				}
			}
		}
	}
	return u, nil
}

// setup stages. Each stage depends on the previous ones; configuration
// calls invalidate every stage at or after the one they affect.
const (
	stageBasic = iota
	stageFar
	stageNear
	stageSelf
	stageDone
)

type listEntry struct {
	name string
	el   ElementList
}

// Operator evaluates a boundary-integral operator: far field through the
// FMM backend plus dense near and self corrections at targets collected by
// the near-list builder. All evaluation methods are collective.
type Operator[V morton.Vec] struct {
	c   comm.Comm
	k   Kernel
	fmm FMM
	tol float64

	lists []listEntry

	trgX, trgN []float64
	defaultTrg bool

	stage int

	// basic: concatenated surface nodes of all lists.
	ndX, ndN []float64
	ndCnt    []int64 // per element, across lists
	ndDsp    []int64

	// far: concatenated far-field quadrature.
	farX, farN, farWt, farDist []float64
	farCnt, farDsp             []int64

	// near: near list over the far-field nodes, plus per-element blocks.
	nl       *nearlist.NearList
	nearMat  []*mat.Dense // off-surface targets of each element
	selfSlot [][]int      // near slot -> own-node index, -1 if off-surface

	// self: singular blocks.
	selfMat []*mat.Dense
}

// New creates an operator over the given kernel with the Direct summation
// backend and a default accuracy of 1e-10.
func New[V morton.Vec](c comm.Comm, k Kernel) *Operator[V] {
	return &Operator[V]{
		c: c, k: k, fmm: Direct(k), tol: 1e-10, defaultTrg: true,
	}
}

// AddElemList registers an element list under a name.
func (op *Operator[V]) AddElemList(name string, el ElementList) error {
	for i := range op.lists {
		if op.lists[i].name == name {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}
	op.lists = append(op.lists, listEntry{name, el})
	op.invalidate(stageBasic)
	return nil
}

// ElemList returns a registered element list.
func (op *Operator[V]) ElemList(name string) (ElementList, error) {
	for i := range op.lists {
		if op.lists[i].name == name {
			return op.lists[i].el, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownName, name)
}

// DeleteElemList removes a registered element list.
func (op *Operator[V]) DeleteElemList(name string) error {
	for i := range op.lists {
		if op.lists[i].name == name {
			op.lists = append(op.lists[:i], op.lists[i+1:]...)
			op.invalidate(stageBasic)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownName, name)
}

// ListNames returns the registered names in registration order.
func (op *Operator[V]) ListNames() []string {
	names := make([]string, len(op.lists))
	for i := range op.lists {
		names[i] = op.lists[i].name
	}
	return names
}

// SetAccuracy sets the far-field quadrature tolerance.
func (op *Operator[V]) SetAccuracy(tol float64) {
	op.tol = tol
	op.invalidate(stageFar)
}

// SetTargetCoord replaces the default targets (the surface nodes) with the
// given local target coordinates. nil restores the default.
func (op *Operator[V]) SetTargetCoord(trgX []float64) {
	op.trgX, op.defaultTrg = trgX, trgX == nil
	op.invalidate(stageBasic)
}

// SetTargetNormal sets the local target normals.
func (op *Operator[V]) SetTargetNormal(trgN []float64) {
	op.trgN = trgN
	op.invalidate(stageBasic)
}

// SetFMM replaces the far-field summation backend.
func (op *Operator[V]) SetFMM(f FMM) { op.fmm = f }

func (op *Operator[V]) invalidate(stage int) {
	if op.stage > stage {
		op.stage = stage
	}
}

// ClearSetup discards all setup products.
func (op *Operator[V]) ClearSetup() { op.stage = stageBasic }

// Setup advances through all setup stages that configuration changes have
// invalidated. Collective.
func (op *Operator[V]) Setup() error {
	for op.stage < stageDone {
		var err error
		switch op.stage {
		case stageBasic:
			err = op.setupBasic()
		case stageFar:
			err = op.setupFar()
		case stageNear:
			err = op.setupNear()
		case stageSelf:
			err = op.setupSelf()
		}
		if err != nil {
			return err
		}
		op.stage++
	}
	return nil
}

func (op *Operator[V]) setupBasic() error {
	dim := op.k.CoordDim()
	op.ndX, op.ndN, op.ndCnt, op.ndDsp = nil, nil, nil, nil
	for i := range op.lists {
		x, n, cnt := op.lists[i].el.NodeCoord()
		if len(x) != int(sum(cnt))*dim {
			return fmt.Errorf("%w: list %q has %d coordinate values for "+
				"%d nodes", ErrShapeMismatch, op.lists[i].name, len(x),
				sum(cnt))
		}
		op.ndX = append(op.ndX, x...)
		if n != nil {
			op.ndN = append(op.ndN, n...)
		} else if i > 0 && op.ndN != nil {
			return fmt.Errorf("%w: list %q has no normals but earlier "+
				"lists do", ErrShapeMismatch, op.lists[i].name)
		}
		op.ndCnt = append(op.ndCnt, cnt...)
	}
	if op.ndN != nil && len(op.ndN) != len(op.ndX) {
		return fmt.Errorf("%w: %d normal values for %d coordinate values",
			ErrShapeMismatch, len(op.ndN), len(op.ndX))
	}
	op.ndDsp = make([]int64, len(op.ndCnt))
	for i := 1; i < len(op.ndCnt); i++ {
		op.ndDsp[i] = op.ndDsp[i-1] + op.ndCnt[i-1]
	}
	if op.defaultTrg {
		op.trgX = op.ndX
		op.trgN = op.ndN
	}
	return nil
}

func (op *Operator[V]) setupFar() error {
	op.farX, op.farN, op.farWt, op.farDist = nil, nil, nil, nil
	op.farCnt = nil
	for i := range op.lists {
		x, n, w, d, cnt := op.lists[i].el.FarFieldNodes(op.tol)
		op.farX = append(op.farX, x...)
		if n != nil {
			op.farN = append(op.farN, n...)
		}
		op.farWt = append(op.farWt, w...)
		op.farDist = append(op.farDist, d...)
		op.farCnt = append(op.farCnt, cnt...)
	}
	op.farDsp = make([]int64, len(op.farCnt))
	for i := 1; i < len(op.farCnt); i++ {
		op.farDsp[i] = op.farDsp[i-1] + op.farCnt[i-1]
	}
	return nil
}

func (op *Operator[V]) setupNear() error {
	dim := op.k.CoordDim()
	nl, err := nearlist.BuildNearList[V](op.c, nearlist.Input{
		TrgCoord:  op.trgX,
		TrgNormal: op.trgN,
		SrcCoord:  op.farX,
		SrcRadius: op.farDist,
		ElemCnt:   op.farCnt,
		ElemDsp:   op.farDsp,
	})
	if err != nil {
		return err
	}
	op.nl = nl

	// Partition each element's near targets into off-surface targets,
	// which the element list evaluates accurately, and targets coincident
	// with the element's own nodes, which go through the singular block.
	op.nearMat = make([]*mat.Dense, len(op.ndCnt))
	op.selfSlot = make([][]int, len(op.ndCnt))
	e := 0
	for i := range op.lists {
		el := op.lists[i].el
		for le := 0; le < el.Size(); le++ {
			slot := make([]int, nl.ElemCnt[e])
			offX, offN := []float64{}, []float64{}
			for s := int64(0); s < nl.ElemCnt[e]; s++ {
				o := (nl.ElemDsp[e] + s) * int64(dim)
				x := nl.TrgCoord[o : o+int64(dim)]
				slot[s] = op.ownNode(e, x)
				if slot[s] >= 0 {
					continue
				}
				offX = append(offX, x...)
				if nl.TrgNormal != nil {
					offN = append(offN, nl.TrgNormal[o:o+int64(dim)]...)
				}
			}
			op.selfSlot[e] = slot
			if len(offX) > 0 {
				op.nearMat[e] = el.NearInterac(op.k, le, offX, offN)
			}
			e++
		}
	}
	return nil
}

// ownNode returns the index of the element's surface node at x, or -1.
func (op *Operator[V]) ownNode(e int, x []float64) int {
	dim := op.k.CoordDim()
	d0 := op.ndDsp[e]
	for s := int64(0); s < op.ndCnt[e]; s++ {
		same := true
		for j := 0; j < dim; j++ {
			if op.ndX[(d0+s)*int64(dim)+int64(j)] != x[j] {
				same = false
				break
			}
		}
		if same {
			return int(s)
		}
	}
	return -1
}

func (op *Operator[V]) setupSelf() error {
	op.selfMat = make([]*mat.Dense, len(op.ndCnt))
	e := 0
	for i := range op.lists {
		el := op.lists[i].el
		for le := 0; le < el.Size(); le++ {
			needed := false
			for _, s := range op.selfSlot[e] {
				if s >= 0 {
					needed = true
					break
				}
			}
			if needed {
				op.selfMat[e] = el.SelfInterac(op.k, le)
			}
			e++
		}
	}
	return nil
}

// ComputePotential evaluates the operator on a surface-node density and
// returns the potential at the local targets. Collective.
func (op *Operator[V]) ComputePotential(density []float64,
) ([]float64, error) {
	if err := op.Setup(); err != nil {
		return nil, err
	}
	sd, td := op.k.SrcDim(), op.k.TrgDim()
	if len(density) != int(sum(op.ndCnt))*sd {
		return nil, fmt.Errorf("%w: density has %d values for %d nodes",
			ErrShapeMismatch, len(density), sum(op.ndCnt))
	}

	// Far field: interpolate the density to the quadrature nodes, apply
	// the weights, and hand the sum to the backend.
	densFar := op.interpFar(density)
	wdens := make([]float64, len(densFar))
	for q := 0; q*sd < len(densFar); q++ {
		for j := 0; j < sd; j++ {
			wdens[q*sd+j] = op.farWt[q] * densFar[q*sd+j]
		}
	}
	u, err := op.fmm.Eval(op.c, op.farX, op.farN, wdens, op.trgX)
	if err != nil {
		return nil, err
	}

	// Near correction, element-major: accurate block minus the smooth
	// far-field contribution of the same element.
	pairPot := make([]float64, sum(op.nl.ElemCnt)*int64(td))
	for e := range op.ndCnt {
		op.nearCorrect(e, density, wdens, pairPot)
	}

	// Reassemble the corrections in target-major order and accumulate.
	got := comm.ScatterForward(op.c, pairPot, td, op.nl.ScatterIndex)
	for t := range op.nl.TrgCnt {
		for s := op.nl.TrgDsp[t]; s < op.nl.TrgDsp[t]+op.nl.TrgCnt[t]; s++ {
			for j := 0; j < td; j++ {
				u[t*td+j] += got[s*int64(td)+int64(j)]
			}
		}
	}
	return u, nil
}

// nearCorrect writes element e's near corrections into the element-major
// pair buffer.
func (op *Operator[V]) nearCorrect(e int, density, wdens,
	pairPot []float64) {

	nl := op.nl
	if nl.ElemCnt[e] == 0 {
		return
	}
	dim, sd, td := op.k.CoordDim(), op.k.SrcDim(), op.k.TrgDim()
	dens := density[op.ndDsp[e]*int64(sd) : (op.ndDsp[e]+op.ndCnt[e])*int64(sd)]

	// Accurate part: dense blocks from the element list.
	var nearU []float64
	if op.nearMat[e] != nil {
		v := mat.NewVecDense(len(dens), dens)
		r, _ := op.nearMat[e].Dims()
		out := mat.NewVecDense(r, nil)
		out.MulVec(op.nearMat[e], v)
		nearU = out.RawVector().Data
	}
	var selfU []float64
	if op.selfMat[e] != nil {
		v := mat.NewVecDense(len(dens), dens)
		r, _ := op.selfMat[e].Dims()
		out := mat.NewVecDense(r, nil)
		out.MulVec(op.selfMat[e], v)
		selfU = out.RawVector().Data
	}

	off := 0
	for s := int64(0); s < nl.ElemCnt[e]; s++ {
		slot := nl.ElemDsp[e] + s
		x := nl.TrgCoord[slot*int64(dim) : (slot+1)*int64(dim)]
		for j := 0; j < td; j++ {
			acc := 0.0
			if n := op.selfSlot[e][s]; n >= 0 {
				acc = selfU[n*td+j]
			} else {
				acc = nearU[off*td+j]
			}
			// Subtract what the far-field sum already contributed here.
			for q := op.farDsp[e]; q < op.farDsp[e]+op.farCnt[e]; q++ {
				var qn []float64
				if op.farN != nil {
					qn = op.farN[q*int64(dim) : (q+1)*int64(dim)]
				}
				blk := op.k.Eval(op.farX[q*int64(dim):(q+1)*int64(dim)],
					qn, x)
				for l := 0; l < sd; l++ {
					acc -= blk[j*sd+l] * wdens[q*int64(sd)+int64(l)]
				}
			}
			pairPot[slot*int64(td)+int64(j)] = acc
		}
		if op.selfSlot[e][s] < 0 {
			off++
		}
	}
}

// interpFar maps a surface-node density to the far-field quadrature nodes,
// list by list.
func (op *Operator[V]) interpFar(density []float64) []float64 {
	sd := op.k.SrcDim()
	out := []float64{}
	nd0 := int64(0)
	for i := range op.lists {
		_, _, cnt := op.lists[i].el.NodeCoord()
		n := sum(cnt)
		out = append(out, op.lists[i].el.FarFieldDensity(op.tol,
			density[nd0*int64(sd):(nd0+n)*int64(sd)])...)
		nd0 += n
	}
	return out
}

// SqrtScaling returns per-node factors sqrt(a_e), where a_e is the
// element's far-field weight sum, an area proxy. InvSqrtScaling returns
// the reciprocals. Symmetric preconditioning of first-kind systems scales
// the density by one and the potential by the other.
func (op *Operator[V]) SqrtScaling() ([]float64, error) {
	return op.scaling(false)
}

func (op *Operator[V]) InvSqrtScaling() ([]float64, error) {
	return op.scaling(true)
}

func (op *Operator[V]) scaling(inv bool) ([]float64, error) {
	if err := op.Setup(); err != nil {
		return nil, err
	}
	out := make([]float64, sum(op.ndCnt))
	for e := range op.ndCnt {
		a := 0.0
		for q := op.farDsp[e]; q < op.farDsp[e]+op.farCnt[e]; q++ {
			a += math.Abs(op.farWt[q])
		}
		f := math.Sqrt(a)
		if inv && f != 0 {
			f = 1 / f
		}
		for s := op.ndDsp[e]; s < op.ndDsp[e]+op.ndCnt[e]; s++ {
			out[s] = f
		}
	}
	return out, nil
}

func sum(cnt []int64) int64 {
	n := int64(0)
	for _, c := range cnt {
		n += c
	}
	return n
}

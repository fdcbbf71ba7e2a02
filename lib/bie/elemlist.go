package bie

import "gonum.org/v1/gonum/mat"

// ElementList exposes a homogeneous batch of local elements to the
// operator. All coordinate arrays are AoS; all counts are per element.
type ElementList interface {
	// Size returns the number of local elements.
	Size() int

	// NodeCoord returns the surface discretization nodes: coordinates,
	// normals (nil if the elements carry none), and per-element node
	// counts. Densities and potentials live on these nodes.
	NodeCoord() (coord, normal []float64, cnt []int64)

	// FarFieldNodes returns a quadrature of the elements accurate to tol
	// at any point farther than each node's cutoff distance: coordinates,
	// normals, weights, cutoffs, and per-element counts.
	FarFieldNodes(tol float64) (coord, normal, wts, dist []float64,
		cnt []int64)

	// FarFieldDensity interpolates a surface-node density onto the
	// far-field quadrature nodes.
	FarFieldDensity(tol float64, density []float64) []float64

	// NearInterac returns the accurate interaction matrix of one element
	// onto the given off-surface targets: (nTrg*TrgDim) rows by
	// (nNodes*SrcDim) columns.
	NearInterac(k Kernel, elem int, trgX, trgN []float64) *mat.Dense

	// SelfInterac returns the singular interaction matrix of one element
	// onto its own surface nodes: (nNodes*TrgDim) rows by (nNodes*SrcDim)
	// columns.
	SelfInterac(k Kernel, elem int) *mat.Dense
}

// PointElems is an ElementList of weighted point clusters. Each element is
// a set of point sources; the far-field quadrature is the nodes themselves,
// so the far expansion is exact everywhere and the near correction cancels
// identically. The self interaction of a point at its own location is taken
// as zero.
type PointElems struct {
	// Coord, Normal and Wt hold all nodes of all elements; Normal may be
	// nil.
	Coord  []float64
	Normal []float64
	Wt     []float64
	// Cnt gives the nodes of each element; Dist the near cutoff of each
	// node.
	Cnt  []int64
	Dist []float64

	dim int
}

// NewPointElems groups the given nodes into elements of cnt nodes each,
// with one cutoff radius per node. normal may be nil.
func NewPointElems(dim int, coord, normal, wt, dist []float64,
	cnt []int64) *PointElems {
	return &PointElems{Coord: coord, Normal: normal, Wt: wt, Dist: dist,
		Cnt: cnt, dim: dim}
}

func (p *PointElems) Size() int { return len(p.Cnt) }

func (p *PointElems) NodeCoord() ([]float64, []float64, []int64) {
	return p.Coord, p.Normal, p.Cnt
}

func (p *PointElems) FarFieldNodes(tol float64,
) ([]float64, []float64, []float64, []float64, []int64) {
	return p.Coord, p.Normal, p.Wt, p.Dist, p.Cnt
}

func (p *PointElems) FarFieldDensity(tol float64, density []float64,
) []float64 {
	out := make([]float64, len(density))
	copy(out, density)
	return out
}

func (p *PointElems) dsp(elem int) int64 {
	d := int64(0)
	for e := 0; e < elem; e++ {
		d += p.Cnt[e]
	}
	return d
}

func (p *PointElems) NearInterac(k Kernel, elem int, trgX, trgN []float64,
) *mat.Dense {
	d0 := p.dsp(elem)
	n := int(p.Cnt[elem])
	nt := len(trgX) / p.dim
	sd, td := k.SrcDim(), k.TrgDim()
	m := mat.NewDense(nt*td, n*sd, nil)
	for t := 0; t < nt; t++ {
		for s := 0; s < n; s++ {
			g := int(d0) + s
			var sn []float64
			if p.Normal != nil {
				sn = p.Normal[g*p.dim : (g+1)*p.dim]
			}
			blk := k.Eval(p.Coord[g*p.dim:(g+1)*p.dim], sn,
				trgX[t*p.dim:(t+1)*p.dim])
			for i := 0; i < td; i++ {
				for j := 0; j < sd; j++ {
					m.Set(t*td+i, s*sd+j, p.Wt[g]*blk[i*sd+j])
				}
			}
		}
	}
	return m
}

func (p *PointElems) SelfInterac(k Kernel, elem int) *mat.Dense {
	n := int(p.Cnt[elem])
	return mat.NewDense(n*k.TrgDim(), n*k.SrcDim(), nil)
}

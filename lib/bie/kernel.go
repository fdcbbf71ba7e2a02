/*package bie assembles boundary-integral operators on top of the spatial
index: a smooth far-field evaluation through a black-box summation backend,
dense near corrections at targets close to an element, and singular self
blocks at an element's own discretization nodes.

The package does not know how elements are discretized. Concrete element
types are reached only through the ElementList interface, and the kernel of
the integral equation only through Kernel.
*/
package bie

import "math"

// Kernel describes the pairwise interaction of the integral equation. Eval
// returns the TrgDim x SrcDim interaction block of one source point acting
// on one target point, flattened row-major.
type Kernel interface {
	// CoordDim is the spatial dimension of coordinates and normals.
	CoordDim() int
	// SrcDim is the number of density components per source node.
	SrcDim() int
	// TrgDim is the number of potential components per target.
	TrgDim() int
	Eval(srcX, srcN, trgX []float64) []float64
}

type laplaceSL struct{}
type laplaceDL struct{}

// Laplace3D is the single-layer Laplace kernel 1/(4 pi r).
func Laplace3D() Kernel { return laplaceSL{} }

// Laplace3DDL is the double-layer Laplace kernel (r . n) / (4 pi r^3).
// It reads the source normal.
func Laplace3DDL() Kernel { return laplaceDL{} }

const fourPi = 4 * math.Pi

func (laplaceSL) CoordDim() int { return 3 }
func (laplaceSL) SrcDim() int   { return 1 }
func (laplaceSL) TrgDim() int   { return 1 }

func (laplaceSL) Eval(srcX, srcN, trgX []float64) []float64 {
	r2 := 0.0
	for j := 0; j < 3; j++ {
		d := trgX[j] - srcX[j]
		r2 += d * d
	}
	if r2 == 0 {
		return []float64{0}
	}
	return []float64{1 / (fourPi * math.Sqrt(r2))}
}

func (laplaceDL) CoordDim() int { return 3 }
func (laplaceDL) SrcDim() int   { return 1 }
func (laplaceDL) TrgDim() int   { return 1 }

func (laplaceDL) Eval(srcX, srcN, trgX []float64) []float64 {
	r2, rdotn := 0.0, 0.0
	for j := 0; j < 3; j++ {
		d := trgX[j] - srcX[j]
		r2 += d * d
		rdotn += d * srcN[j]
	}
	if r2 == 0 {
		return []float64{0}
	}
	r := math.Sqrt(r2)
	return []float64{rdotn / (fourPi * r2 * r)}
}

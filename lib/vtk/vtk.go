/*package vtk exports trees and particle groups as legacy-VTK files for
inspection in ParaView or VisIt. Output is ASCII; these writers exist for
debugging, not for performance.
*/
package vtk

import (
	"bufio"
	"fmt"
	"io"

	"github.com/bimlab/treecode/lib/morton"
	"github.com/bimlab/treecode/lib/tree"
)

// VTK legacy cell types.
const (
	cellPixel = 8
	cellVoxel = 11
)

// WriteTree writes the local leaf boxes of the tree as an unstructured
// grid, with the refinement level and ghost flag as cell data. Ghost
// leaves are skipped unless showGhost is set.
func WriteTree[V morton.Vec](w io.Writer, tr *tree.Tree[V],
	showGhost bool) error {

	dim := tr.Dim()
	keys := tr.NodeKeys()
	attrs := tr.NodeAttrs()
	var leaves []morton.Key[V]
	var ghost []bool
	for i := range keys {
		if !attrs[i].Leaf || (attrs[i].Ghost && !showGhost) {
			continue
		}
		leaves = append(leaves, keys[i])
		ghost = append(ghost, attrs[i].Ghost)
	}

	bw := bufio.NewWriter(w)
	writeHeader(bw, "tree leaves")

	corners := 1 << dim
	fmt.Fprintf(bw, "POINTS %d float\n", len(leaves)*corners)
	for _, k := range leaves {
		o, h := k.Origin(), k.BoxWidth()
		// Corner order matches VTK's pixel/voxel convention: dimension 0
		// varies fastest.
		for c := 0; c < corners; c++ {
			p := [3]float64{}
			for j := 0; j < dim; j++ {
				p[j] = o[j]
				if c>>j&1 == 1 {
					p[j] += h
				}
			}
			fmt.Fprintf(bw, "%g %g %g\n", p[0], p[1], p[2])
		}
	}

	fmt.Fprintf(bw, "CELLS %d %d\n", len(leaves), len(leaves)*(corners+1))
	for i := range leaves {
		fmt.Fprintf(bw, "%d", corners)
		for c := 0; c < corners; c++ {
			fmt.Fprintf(bw, " %d", i*corners+c)
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintf(bw, "CELL_TYPES %d\n", len(leaves))
	ct := cellPixel
	if dim == 3 {
		ct = cellVoxel
	}
	for range leaves {
		fmt.Fprintln(bw, ct)
	}

	fmt.Fprintf(bw, "CELL_DATA %d\n", len(leaves))
	fmt.Fprintln(bw, "SCALARS level int 1")
	fmt.Fprintln(bw, "LOOKUP_TABLE default")
	for _, k := range leaves {
		fmt.Fprintln(bw, k.Level())
	}
	fmt.Fprintln(bw, "SCALARS ghost int 1")
	fmt.Fprintln(bw, "LOOKUP_TABLE default")
	for _, g := range ghost {
		if g {
			fmt.Fprintln(bw, 1)
		} else {
			fmt.Fprintln(bw, 0)
		}
	}
	return bw.Flush()
}

// WriteParticles writes a particle group as a point cloud, optionally with
// one of its datasets attached as point data. dataName may be empty.
func WriteParticles[V morton.Vec](w io.Writer, pt *tree.PtTree[V],
	group, dataName string) error {

	dim := pt.Dim()
	coord, err := pt.ParticleCoord(group)
	if err != nil {
		return err
	}
	n := len(coord) / dim

	var data []float64
	dof := 0
	if dataName != "" {
		data, err = pt.GetParticleData(dataName)
		if err != nil {
			return err
		}
		if n > 0 {
			dof = len(data) / n
		}
	}

	bw := bufio.NewWriter(w)
	writeHeader(bw, "particles")

	fmt.Fprintf(bw, "POINTS %d float\n", n)
	for i := 0; i < n; i++ {
		p := [3]float64{}
		for j := 0; j < dim; j++ {
			p[j] = coord[i*dim+j]
		}
		fmt.Fprintf(bw, "%g %g %g\n", p[0], p[1], p[2])
	}
	fmt.Fprintf(bw, "CELLS %d %d\n", n, 2*n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(bw, "1 %d\n", i)
	}
	fmt.Fprintf(bw, "CELL_TYPES %d\n", n)
	for i := 0; i < n; i++ {
		fmt.Fprintln(bw, 1) // VTK_VERTEX
	}

	if dof > 0 {
		fmt.Fprintf(bw, "POINT_DATA %d\n", n)
		fmt.Fprintf(bw, "SCALARS %s float %d\n", dataName, dof)
		fmt.Fprintln(bw, "LOOKUP_TABLE default")
		for i := 0; i < n; i++ {
			for j := 0; j < dof; j++ {
				if j > 0 {
					fmt.Fprint(bw, " ")
				}
				fmt.Fprintf(bw, "%g", data[i*dof+j])
			}
			fmt.Fprintln(bw)
		}
	}
	return bw.Flush()
}

func writeHeader(w io.Writer, title string) {
	fmt.Fprintln(w, "# vtk DataFile Version 3.0")
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "ASCII")
	fmt.Fprintln(w, "DATASET UNSTRUCTURED_GRID")
}

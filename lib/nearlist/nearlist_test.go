package nearlist

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/bimlab/treecode/lib/comm"
)

func runGroup(n int, body func(c comm.Comm)) {
	cs := comm.NewGroup(n)
	wg := sync.WaitGroup{}
	for i := range cs {
		wg.Add(1)
		go func(c comm.Comm) {
			defer wg.Done()
			body(c)
		}(cs[i])
	}
	wg.Wait()
}

// bruteNear returns, per element, the sorted target indices within some
// node's radius.
func bruteNear(trg, src, rad []float64, cnt, dsp []int64, dim int) [][]int {
	out := make([][]int, len(cnt))
	for e := range cnt {
		for t := 0; t*dim < len(trg); t++ {
			hit := false
			for n := dsp[e]; n < dsp[e]+cnt[e]; n++ {
				d2 := 0.0
				for j := 0; j < dim; j++ {
					d := trg[t*dim+j] - src[n*int64(dim)+int64(j)]
					d2 += d * d
				}
				if d2 < rad[n]*rad[n] {
					hit = true
					break
				}
			}
			if hit {
				out[e] = append(out[e], t)
			}
		}
	}
	return out
}

// singleElem is a four-node element of radius 0.1 around the domain center.
func singleElem() (src, rad []float64, cnt, dsp []int64) {
	src = []float64{
		0.45, 0.5, 0.5,
		0.55, 0.5, 0.5,
		0.5, 0.45, 0.5,
		0.5, 0.55, 0.5,
	}
	rad = []float64{0.1, 0.1, 0.1, 0.1}
	return src, rad, []int64{4}, []int64{0}
}

func randomTargets(seed int64, n int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	trg := make([]float64, n*3)
	for i := range trg {
		trg[i] = rng.Float64()
	}
	return trg
}

func TestSingleElementNearList(t *testing.T) {
	src, rad, cnt, dsp := singleElem()
	trg := randomTargets(41, 100)

	nl, err := BuildNearList[[3]float64](comm.Self(), Input{
		TrgCoord: trg, SrcCoord: src, SrcRadius: rad,
		ElemCnt: cnt, ElemDsp: dsp,
	})
	if err != nil {
		t.Fatalf("BuildNearList: %v", err)
	}

	want := bruteNear(trg, src, rad, cnt, dsp, 3)[0]
	if int(nl.ElemCnt[0]) != len(want) {
		t.Fatalf("Expected %d near targets, got %d.",
			len(want), nl.ElemCnt[0])
	}
	if nl.ElemDsp[0] != 0 {
		t.Errorf("Expected ElemDsp[0] = 0, got %d.", nl.ElemDsp[0])
	}

	// The near buffer must hold exactly the brute-force targets, in target
	// order within the element.
	for k, ti := range want {
		for j := 0; j < 3; j++ {
			if nl.TrgCoord[k*3+j] != trg[ti*3+j] {
				t.Errorf("%d) Expected near coordinate %g, got %g.",
					k, trg[ti*3+j], nl.TrgCoord[k*3+j])
			}
		}
	}

	// On one process the element-major buffer positions are local, so the
	// scatter metadata can be checked directly against the brute-force set.
	if len(nl.ScatterIndex) != len(want) {
		t.Fatalf("Expected %d scatter entries, got %d.",
			len(want), len(nl.ScatterIndex))
	}
	hits := map[int]bool{}
	for _, ti := range want {
		hits[ti] = true
	}
	pos := 0
	for ti := 0; ti < 100; ti++ {
		if !hits[ti] {
			if nl.TrgCnt[ti] != 0 {
				t.Errorf("%d) Expected 0 contributions, got %d.",
					ti, nl.TrgCnt[ti])
			}
			continue
		}
		if nl.TrgCnt[ti] != 1 {
			t.Errorf("%d) Expected 1 contribution, got %d.",
				ti, nl.TrgCnt[ti])
			continue
		}
		g := nl.ScatterIndex[nl.TrgDsp[ti]]
		for j := 0; j < 3; j++ {
			if nl.TrgCoord[g*3+int64(j)] != trg[ti*3+j] {
				t.Errorf("%d) Scatter entry %d points at the wrong "+
					"target.", ti, g)
			}
		}
		pos++
	}
	if pos != len(want) {
		t.Errorf("Expected %d targets with contributions, got %d.",
			len(want), pos)
	}
}

func TestEmptyNearList(t *testing.T) {
	src, rad, cnt, dsp := singleElem()
	// All targets far from the element.
	trg := []float64{0.05, 0.05, 0.05, 0.95, 0.95, 0.95}

	nl, err := BuildNearList[[3]float64](comm.Self(), Input{
		TrgCoord: trg, SrcCoord: src, SrcRadius: rad,
		ElemCnt: cnt, ElemDsp: dsp,
	})
	if err != nil {
		t.Fatalf("BuildNearList: %v", err)
	}
	if nl.ElemCnt[0] != 0 || len(nl.TrgCoord) != 0 {
		t.Errorf("Expected an empty near list, got %d targets.",
			nl.ElemCnt[0])
	}
	for i, c := range nl.TrgCnt {
		if c != 0 {
			t.Errorf("%d) Expected 0 contributions, got %d.", i, c)
		}
	}
}

func TestShapeValidation(t *testing.T) {
	src, rad, cnt, dsp := singleElem()
	trg := randomTargets(7, 10)

	bad := []Input{
		{TrgCoord: trg[:4], SrcCoord: src, SrcRadius: rad,
			ElemCnt: cnt, ElemDsp: dsp},
		{TrgCoord: trg, SrcCoord: src, SrcRadius: rad[:3],
			ElemCnt: cnt, ElemDsp: dsp},
		{TrgCoord: trg, TrgNormal: trg[:6], SrcCoord: src,
			SrcRadius: rad, ElemCnt: cnt, ElemDsp: dsp},
		{TrgCoord: trg, SrcCoord: src, SrcRadius: rad,
			ElemCnt: []int64{3}, ElemDsp: dsp},
	}
	for i := range bad {
		_, err := BuildNearList[[3]float64](comm.Self(), bad[i])
		if err == nil {
			t.Errorf("%d) Expected a shape error, got none.", i)
		}
	}
}

// TestDistributedMatchesSerial runs the same multi-element query on one and
// on four processes and checks the near sets and scatter metadata agree.
func TestDistributedMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	nElem := 8
	src, rad := []float64{}, []float64{}
	cnt, dsp := make([]int64, nElem), make([]int64, nElem)
	for e := 0; e < nElem; e++ {
		cx, cy, cz := rng.Float64(), rng.Float64(), rng.Float64()
		cnt[e] = 3
		if e > 0 {
			dsp[e] = dsp[e-1] + cnt[e-1]
		}
		for n := 0; n < 3; n++ {
			src = append(src, cx+0.02*rng.Float64(),
				cy+0.02*rng.Float64(), cz+0.02*rng.Float64())
			rad = append(rad, 0.05+0.05*rng.Float64())
		}
	}
	trg := randomTargets(1234, 300)
	want := bruteNear(trg, src, rad, cnt, dsp, 3)

	check := func(label string, nl *NearList, elem0 int) {
		for e := range nl.ElemCnt {
			w := want[elem0+e]
			if int(nl.ElemCnt[e]) != len(w) {
				t.Errorf("%s: element %d expected %d near targets, "+
					"got %d.", label, elem0+e, len(w), nl.ElemCnt[e])
				continue
			}
			for k, ti := range w {
				o := (nl.ElemDsp[e] + int64(k)) * 3
				for j := 0; j < 3; j++ {
					if nl.TrgCoord[o+int64(j)] != trg[ti*3+j] {
						t.Errorf("%s: element %d entry %d has the wrong "+
							"coordinate.", label, elem0+e, k)
					}
				}
			}
		}
	}

	serial, err := BuildNearList[[3]float64](comm.Self(), Input{
		TrgCoord: trg, SrcCoord: src, SrcRadius: rad,
		ElemCnt: cnt, ElemDsp: dsp,
	})
	if err != nil {
		t.Fatalf("serial BuildNearList: %v", err)
	}
	check("serial", serial, 0)

	np := 4
	mu := sync.Mutex{}
	runGroup(np, func(c comm.Comm) {
		r := c.Rank()
		eLo, eHi := r*nElem/np, (r+1)*nElem/np
		nLo, nHi := dsp[eLo], dsp[eHi-1]+cnt[eHi-1]
		if eLo == eHi {
			nLo, nHi = 0, 0
		}
		tLo, tHi := r*300/np, (r+1)*300/np

		lDsp := make([]int64, eHi-eLo)
		for e := eLo + 1; e < eHi; e++ {
			lDsp[e-eLo] = dsp[e] - nLo
		}
		nl, err := BuildNearList[[3]float64](c, Input{
			TrgCoord:  trg[tLo*3 : tHi*3],
			SrcCoord:  src[nLo*3 : nHi*3],
			SrcRadius: rad[nLo:nHi],
			ElemCnt:   cnt[eLo:eHi],
			ElemDsp:   lDsp,
		})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			t.Errorf("rank %d BuildNearList: %v", r, err)
			return
		}
		check("distributed", nl, eLo)

		// Per-target counts cover this rank's slice of the targets.
		for i := tLo; i < tHi; i++ {
			wantCnt := int64(0)
			for e := 0; e < nElem; e++ {
				for _, ti := range want[e] {
					if ti == i {
						wantCnt++
					}
				}
			}
			if nl.TrgCnt[i-tLo] != wantCnt {
				t.Errorf("rank %d target %d: expected %d contributions, "+
					"got %d.", r, i, wantCnt, nl.TrgCnt[i-tLo])
			}
		}
	})
}

// TestScatterRecoversTargets applies the scatter permutation to the
// element-major buffer and checks every target gets back its own
// coordinates.
func TestScatterRecoversTargets(t *testing.T) {
	src, rad, cnt, dsp := singleElem()
	trg := randomTargets(5, 100)

	np := 4
	mu := sync.Mutex{}
	runGroup(np, func(c comm.Comm) {
		r := c.Rank()
		tLo, tHi := r*100/np, (r+1)*100/np
		var in Input
		in.TrgCoord = trg[tLo*3 : tHi*3]
		if r == 0 {
			in.SrcCoord, in.SrcRadius = src, rad
			in.ElemCnt, in.ElemDsp = cnt, dsp
		}
		nl, err := BuildNearList[[3]float64](c, in)
		if err != nil {
			mu.Lock()
			t.Errorf("rank %d BuildNearList: %v", r, err)
			mu.Unlock()
			return
		}

		got := comm.ScatterForward(c, nl.TrgCoord, 3, nl.ScatterIndex)
		mu.Lock()
		defer mu.Unlock()
		for i := tLo; i < tHi; i++ {
			for k := nl.TrgDsp[i-tLo]; k < nl.TrgDsp[i-tLo]+nl.TrgCnt[i-tLo]; k++ {
				for j := 0; j < 3; j++ {
					if got[k*3+int64(j)] != trg[i*3+j] {
						t.Errorf("rank %d target %d: scattered "+
							"coordinate %g, expected %g.", r, i,
							got[k*3+int64(j)], trg[i*3+j])
					}
				}
			}
			d2 := 0.0
			near := false
			for n := 0; n < 4; n++ {
				d2 = 0
				for j := 0; j < 3; j++ {
					d := trg[i*3+j] - src[n*3+j]
					d2 += d * d
				}
				if math.Sqrt(d2) < rad[n] {
					near = true
					break
				}
			}
			if near && nl.TrgCnt[i-tLo] == 0 {
				t.Errorf("rank %d target %d: near the element but has no "+
					"contribution.", r, i)
			}
		}
	})
}

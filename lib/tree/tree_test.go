package tree

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/bimlab/treecode/lib/comm"
	"github.com/bimlab/treecode/lib/morton"
)

// runGroup drives one goroutine per rank and waits for completion.
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

// uniformCoords returns n points in [0,1)^dim from a fixed seed.
func uniformCoords(seed int64, n, dim int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	coord := make([]float64, n*dim)
	for i := range coord {
		coord[i] = rng.Float64()
	}
	return coord
}

// localSlice splits a flat coordinate array into np contiguous per-rank
// pieces the way a distributed caller would supply them.
func localSlice(coord []float64, dim, rank, np int) []float64 {
	n := len(coord) / dim
	lo, hi := rank*n/np, (rank+1)*n/np
	return coord[lo*dim : hi*dim]
}

// ownedLeaves returns the indices of non-ghost leaf nodes.
func ownedLeaves[V morton.Vec](t *Tree[V]) []int {
	idx := []int{}
	for i, a := range t.NodeAttrs() {
		if a.Leaf && !a.Ghost {
			idx = append(idx, i)
		}
	}
	return idx
}

func TestScenarioA(t *testing.T) {
	// 1,000 uniform random points in [0,1)^2, M=10, balance21, 4 processes.
	coord := uniformCoords(42, 1000, 2)
	keys := pointKeys[[2]float64](coord)

	// Reference single-process run.
	ref := New[[2]float64](comm.Self())
	status, err := ref.UpdateRefinement(coord, 10, true, false)
	if err != nil {
		t.Fatalf("Serial refinement failed: %v", err)
	} else if status.Violated() {
		t.Fatalf("Unexpected capacity violation: %+v", status)
	}
	refLeaves := []morton.Key[[2]float64]{}
	for _, i := range ownedLeaves(ref) {
		refLeaves = append(refLeaves, ref.NodeKeys()[i])
	}

	var mu sync.Mutex
	leaves := []morton.Key[[2]float64]{}
	runGroup(4, func(c comm.Comm) {
		tr := New[[2]float64](c)
		status, err := tr.UpdateRefinement(
			localSlice(coord, 2, c.Rank(), 4), 10, true, false)
		if err != nil {
			t.Errorf("Rank %d refinement failed: %v", c.Rank(), err)
			return
		} else if status.Violated() {
			t.Errorf("Rank %d capacity violation: %+v", c.Rank(), status)
		}
		mu.Lock()
		defer mu.Unlock()
		for _, i := range ownedLeaves(tr) {
			leaves = append(leaves, tr.NodeKeys()[i])
		}
	})

	sortKeys(leaves)

	// Every point is counted by exactly one leaf, and each leaf holds <= 10.
	total := int64(0)
	sortKeys(keys)
	for i := range leaves {
		n := countInBox(keys, leaves[i])
		total += n
		if n > 10 {
			t.Errorf("%d) Leaf at level %d holds %d > 10 points.",
				i, leaves[i].Level(), n)
		}
	}
	if total != 1000 {
		t.Errorf("Leaves hold %d points in total, expected 1000.", total)
	}

	// Partition coverage: the leaves tile [0,1)^2 without gaps or overlaps.
	area := 0.0
	for i := range leaves {
		w := leaves[i].BoxWidth()
		area += w * w
		if i > 0 && !leaves[i-1].Less(leaves[i]) {
			t.Errorf("%d) Leaf sequence is not strictly increasing.", i)
		}
		if i > 0 && leaves[i-1].IsAncestorOf(leaves[i]) {
			t.Errorf("%d) Overlapping leaves.", i)
		}
	}
	if area < 1-1e-12 || area > 1+1e-12 {
		t.Errorf("Leaf areas sum to %g, expected 1.", area)
	}

	// 2:1 balance: no adjacent leaf pair differs by more than one level.
	dirs := morton.NeighborDirs[[2]float64]()
	for i := range leaves {
		for _, dir := range dirs {
			if dir == [3]int{} {
				continue
			}
			nb := leaves[i].Neighbor(dir, false)
			if !nb.Valid() {
				continue
			}
			j := findLeafContaining(leaves, nb)
			if d := leaves[i].Level() - leaves[j].Level(); d > 1 {
				t.Errorf("%d) Neighbor level gap %d > 1.", i, d)
			}
		}
	}

	// The 4-process leaf sequence matches the 1-process run.
	if len(leaves) != len(refLeaves) {
		t.Fatalf("4-process run has %d leaves, 1-process run has %d.",
			len(leaves), len(refLeaves))
	}
	for i := range leaves {
		if leaves[i] != refLeaves[i] {
			t.Errorf("%d) Leaf differs between 1- and 4-process runs.", i)
		}
	}
}

func sortKeys[V morton.Vec](keys []morton.Key[V]) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].Less(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func TestDeterminism(t *testing.T) {
	coord := uniformCoords(7, 300, 3)
	runs := [2][]morton.Key[[3]float64]{}
	for run := 0; run < 2; run++ {
		tr := New[[3]float64](comm.Self())
		if _, err := tr.UpdateRefinement(coord, 8, true, false); err != nil {
			t.Fatalf("Run %d failed: %v", run, err)
		}
		runs[run] = append([]morton.Key[[3]float64]{}, tr.NodeKeys()...)
	}
	if len(runs[0]) != len(runs[1]) {
		t.Fatalf("Node counts differ between runs: %d vs %d.",
			len(runs[0]), len(runs[1]))
	}
	for i := range runs[0] {
		if runs[0][i] != runs[1][i] {
			t.Errorf("%d) Node keys differ between identical runs.", i)
		}
	}
}

// TestPeriodicRefinement clusters points against the x=0 face so balancing
// has to propagate across the wrapped boundary.
func TestPeriodicRefinement(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	coord := []float64{}
	for i := 0; i < 200; i++ {
		coord = append(coord, rng.Float64(), rng.Float64())
	}
	for i := 0; i < 100; i++ {
		coord = append(coord, 0.002*rng.Float64(), 0.5+0.002*rng.Float64())
	}

	tr := New[[2]float64](comm.Self())
	if _, err := tr.UpdateRefinement(coord, 8, true, true); err != nil {
		t.Fatalf("Refinement failed: %v", err)
	}
	keys, lists := tr.NodeKeys(), tr.NodeLists()
	leaves := []morton.Key[[2]float64]{}
	for _, i := range ownedLeaves(tr) {
		leaves = append(leaves, keys[i])
	}

	// Every neighbor wraps, and the 2:1 bound holds across the boundary.
	dirs := morton.NeighborDirs[[2]float64]()
	wrapped := false
	for i := range leaves {
		for _, dir := range dirs {
			if dir == [3]int{} {
				continue
			}
			nb := leaves[i].Neighbor(dir, true)
			if !nb.Valid() {
				t.Fatalf("%d) Periodic neighbor is invalid.", i)
			}
			if !leaves[i].Neighbor(dir, false).Valid() {
				wrapped = true
			}
			j := findLeafContaining(leaves, nb)
			if d := leaves[i].Level() - leaves[j].Level(); d > 1 {
				t.Errorf("%d) Neighbor level gap %d > 1 across the "+
					"boundary.", i, d)
			}
		}
	}
	if !wrapped {
		t.Errorf("No leaf neighbor wrapped around the domain.")
	}

	// Neighbor links in the topology agree with the wrapped key relation.
	for i := range keys {
		for n, dir := range dirs {
			j := lists[i].Nbr[n]
			if j == Nil {
				continue
			}
			if keys[j] != keys[i].Neighbor(dir, true) {
				t.Errorf("%d) Neighbor link %d points at the wrong node.",
					i, n)
			}
		}
	}
}

func TestTopologyInvariants(t *testing.T) {
	coord := uniformCoords(11, 400, 2)
	tr := New[[2]float64](comm.Self())
	if _, err := tr.UpdateRefinement(coord, 8, true, false); err != nil {
		t.Fatalf("Refinement failed: %v", err)
	}

	keys, attrs, lists := tr.NodeKeys(), tr.NodeAttrs(), tr.NodeLists()
	for i := range keys {
		if attrs[i].Leaf {
			for j := 0; j < 4; j++ {
				if lists[i].Child[j] != Nil {
					t.Errorf("%d) Leaf has a child link.", i)
				}
			}
			continue
		}
		// Non-leaf nodes have fully valid children pointing back at them.
		for j := 0; j < 4; j++ {
			ci := lists[i].Child[j]
			if ci == Nil {
				t.Errorf("%d) Non-leaf missing child %d.", i, j)
				continue
			}
			if lists[ci].Parent != int64(i) {
				t.Errorf("%d) Child %d has wrong parent.", i, j)
			}
			if lists[ci].P2N != j {
				t.Errorf("%d) Child %d has p2n %d.", i, j, lists[ci].P2N)
			}
		}
	}

	// Neighbor links are symmetric: the reverse direction points back.
	dirs := morton.NeighborDirs[[2]float64]()
	for i := range keys {
		for n, dir := range dirs {
			ni := lists[i].Nbr[n]
			if ni == Nil {
				continue
			}
			back := [3]int{-dir[0], -dir[1], -dir[2]}
			for m := range dirs {
				if dirs[m] == back {
					if lists[ni].Nbr[m] != int64(i) {
						t.Errorf("%d) Asymmetric neighbor link dir %v.",
							i, dir)
					}
				}
			}
		}
	}
}

func TestCapacityViolation(t *testing.T) {
	// 5 coincident points cannot be split below M=2 at any depth.
	coord := []float64{}
	for i := 0; i < 5; i++ {
		coord = append(coord, 0.3, 0.3)
	}
	tr := New[[2]float64](comm.Self())
	status, err := tr.UpdateRefinement(coord, 2, false, false)
	if err != nil {
		t.Fatalf("Refinement failed: %v", err)
	}
	if !status.Violated() {
		t.Errorf("Expected a capacity violation for coincident points.")
	} else if status.MaxCount != 5 {
		t.Errorf("Expected max count 5, got %d.", status.MaxCount)
	}
}

func TestNamedData(t *testing.T) {
	coord := uniformCoords(3, 100, 2)
	tr := New[[2]float64](comm.Self())
	if _, err := tr.UpdateRefinement(coord, 16, false, false); err != nil {
		t.Fatalf("Refinement failed: %v", err)
	}

	n := len(tr.NodeKeys())
	cnt := make([]int64, n)
	data := []float64{}
	for i := 0; i < n; i++ {
		cnt[i] = 2
		data = append(data, float64(i), float64(-i))
	}
	if err := tr.AddData("phi", data, cnt); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}

	got, gotCnt, err := tr.GetData("phi")
	if err != nil {
		t.Fatalf("GetData failed: %v", err)
	}
	for i := range got {
		if got[i] != data[i] {
			t.Errorf("%d) GetData returned %g, expected %g.",
				i, got[i], data[i])
		}
	}
	for i := range gotCnt {
		if gotCnt[i] != 2 {
			t.Errorf("%d) GetData count %d, expected 2.", i, gotCnt[i])
		}
	}

	if _, _, err := tr.GetData("psi"); err == nil {
		t.Errorf("Expected an error for an unknown name.")
	}
	if err := tr.DeleteData("phi"); err != nil {
		t.Errorf("DeleteData failed: %v", err)
	}
	if err := tr.DeleteData("phi"); err == nil {
		t.Errorf("Expected an error deleting a deleted name.")
	}
}

func TestDataRedistribution(t *testing.T) {
	// Data attached before a refinement survives on the leaves whose keys
	// survive, and starts empty on new nodes.
	coord := uniformCoords(13, 64, 2)
	tr := New[[2]float64](comm.Self())
	if _, err := tr.UpdateRefinement(coord, 16, false, false); err != nil {
		t.Fatalf("First refinement failed: %v", err)
	}

	keys := append([]morton.Key[[2]float64]{}, tr.NodeKeys()...)
	cnt := make([]int64, len(keys))
	data := []float64{}
	for i := range keys {
		cnt[i] = 1
		data = append(data, float64(keys[i].Level()*100+keys[i].P2N()))
	}
	if err := tr.AddData("tag", data, cnt); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}

	// Refine more finely with the same points: old coarse leaves survive
	// or split; surviving keys must keep their values.
	if _, err := tr.UpdateRefinement(coord, 4, false, false); err != nil {
		t.Fatalf("Second refinement failed: %v", err)
	}
	got, gotCnt, err := tr.GetData("tag")
	if err != nil {
		t.Fatalf("GetData failed: %v", err)
	}

	off := 0
	for i, k := range tr.NodeKeys() {
		if gotCnt[i] == 0 {
			continue
		}
		want := float64(k.Level()*100 + k.P2N())
		if got[off] != want {
			t.Errorf("%d) Redistributed value %g, expected %g.",
				i, got[off], want)
		}
		off += int(gotCnt[i])
	}
	if off == 0 {
		t.Errorf("No values survived a compatible refinement.")
	}
}

func TestGhostBroadcast(t *testing.T) {
	coord := uniformCoords(17, 256, 2)
	results := make([]bool, 2)
	runGroup(2, func(c comm.Comm) {
		tr := New[[2]float64](c)
		if _, err := tr.UpdateRefinement(
			localSlice(coord, 2, c.Rank(), 2), 8, true, false); err != nil {
			t.Errorf("Rank %d refinement failed: %v", c.Rank(), err)
			return
		}

		// Owned nodes carry their own key code; ghosts start empty.
		keys, attrs := tr.NodeKeys(), tr.NodeAttrs()
		cnt := make([]int64, len(keys))
		data := []float64{}
		for i := range keys {
			if attrs[i].Ghost {
				continue
			}
			cnt[i] = 1
			data = append(data, float64(keys[i].Code()))
		}
		if err := tr.AddData("code", data, cnt); err != nil {
			t.Errorf("Rank %d AddData failed: %v", c.Rank(), err)
			return
		}
		if err := tr.Broadcast("code"); err != nil {
			t.Errorf("Rank %d Broadcast failed: %v", c.Rank(), err)
			return
		}

		buf, gotCnt, _ := tr.GetData("code")
		off, sawGhost := int64(0), false
		ok := true
		for i := range keys {
			if gotCnt[i] != 1 {
				ok = false
				continue
			}
			if attrs[i].Ghost {
				sawGhost = true
			}
			if buf[off] != float64(keys[i].Code()) {
				ok = false
			}
			off += gotCnt[i]
		}
		results[c.Rank()] = ok && sawGhost
	})

	for r := range results {
		if !results[r] {
			t.Errorf("Rank %d did not see correct ghost values.", r)
		}
	}
}

func TestReduceBroadcast(t *testing.T) {
	coord := uniformCoords(19, 256, 2)
	results := make([]bool, 2)
	runGroup(2, func(c comm.Comm) {
		tr := New[[2]float64](c)
		if _, err := tr.UpdateRefinement(
			localSlice(coord, 2, c.Rank(), 2), 8, true, false); err != nil {
			t.Errorf("Rank %d refinement failed: %v", c.Rank(), err)
			return
		}

		// Every copy of every node, ghosts included, contributes 1.
		keys, attrs := tr.NodeKeys(), tr.NodeAttrs()
		cnt, data := make([]int64, len(keys)), make([]float64, len(keys))
		for i := range keys {
			cnt[i], data[i] = 1, 1
		}
		if err := tr.AddData("mass", data, cnt); err != nil {
			t.Errorf("Rank %d AddData failed: %v", c.Rank(), err)
			return
		}
		if err := tr.ReduceBroadcast("mass"); err != nil {
			t.Errorf("Rank %d ReduceBroadcast failed: %v", c.Rank(), err)
			return
		}

		// A node's reduced value is its number of copies across ranks,
		// and ghost copies must read the same as the owner's.
		allKeys, _ := comm.AllGather(c, keys)
		copies := map[morton.Key[[2]float64]]float64{}
		for _, k := range allKeys {
			copies[k]++
		}

		buf, gotCnt, _ := tr.GetData("mass")
		off, sawShared := int64(0), false
		ok := true
		for i := range keys {
			if gotCnt[i] != 1 {
				ok = false
				continue
			}
			if buf[off] != copies[keys[i]] {
				ok = false
			}
			if attrs[i].Ghost && copies[keys[i]] > 1 {
				sawShared = true
			}
			off += gotCnt[i]
		}
		results[c.Rank()] = ok && sawShared
	})

	for r := range results {
		if !results[r] {
			t.Errorf("Rank %d did not see correctly reduced values.", r)
		}
	}
}

func TestParticleRoundTrip(t *testing.T) {
	for _, np := range []int{1, 4} {
		coord := uniformCoords(23, 200, 3)
		vals := make([]float64, 400) // 2 values per point
		for i := range vals {
			vals[i] = float64(i) * 0.5
		}

		got := make([][]float64, np)
		runGroup(np, func(c comm.Comm) {
			r := c.Rank()
			pt := NewPtTree[[3]float64](c)
			lc := localSlice(coord, 3, r, np)

			if err := pt.AddParticles("src", lc); err != nil {
				t.Errorf("Rank %d AddParticles failed: %v", r, err)
				return
			}
			if _, err := pt.UpdateRefinement(lc, 8, true, false); err != nil {
				t.Errorf("Rank %d refinement failed: %v", r, err)
				return
			}

			n := len(coord) / 3
			lo, hi := r*n/np, (r+1)*n/np
			if err := pt.AddParticleData("vel", "src",
				vals[lo*2:hi*2]); err != nil {
				t.Errorf("Rank %d AddParticleData failed: %v", r, err)
				return
			}
			out, err := pt.GetParticleData("vel")
			if err != nil {
				t.Errorf("Rank %d GetParticleData failed: %v", r, err)
				return
			}
			got[r] = out
		})

		n := len(coord) / 3
		for r := 0; r < np; r++ {
			lo, hi := r*n/np, (r+1)*n/np
			want := vals[lo*2 : hi*2]
			if len(got[r]) != len(want) {
				t.Errorf("np=%d) Rank %d got %d values, expected %d.",
					np, r, len(got[r]), len(want))
				continue
			}
			for i := range want {
				if got[r][i] != want[i] {
					t.Errorf("np=%d) Rank %d value %d: got %g, expected %g.",
						np, r, i, got[r][i], want[i])
					break
				}
			}
		}
	}
}

func TestGroupIndependence(t *testing.T) {
	coord := uniformCoords(29, 100, 2)
	pt := NewPtTree[[2]float64](comm.Self())

	if err := pt.AddParticles("a", coord); err != nil {
		t.Fatalf("AddParticles failed: %v", err)
	}
	if err := pt.AddParticles("b", coord[:40]); err != nil {
		t.Fatalf("AddParticles failed: %v", err)
	}
	if err := pt.AddParticles("a", coord); err == nil {
		t.Errorf("Expected an error re-adding group 'a'.")
	}
	if _, err := pt.UpdateRefinement(coord, 8, false, false); err != nil {
		t.Fatalf("Refinement failed: %v", err)
	}

	va := make([]float64, 100)
	for i := range va {
		va[i] = float64(i)
	}
	if err := pt.AddParticleData("da", "a", va); err != nil {
		t.Fatalf("AddParticleData failed: %v", err)
	}
	if err := pt.AddParticleData("db", "b", va[:20]); err != nil {
		t.Fatalf("AddParticleData failed: %v", err)
	}

	if err := pt.DeleteParticles("b"); err != nil {
		t.Fatalf("DeleteParticles failed: %v", err)
	}
	if _, err := pt.GetParticleData("db"); err == nil {
		t.Errorf("Expected data bound to a deleted group to be gone.")
	}
	out, err := pt.GetParticleData("da")
	if err != nil {
		t.Fatalf("GetParticleData after unrelated delete failed: %v", err)
	}
	for i := range out {
		if out[i] != va[i] {
			t.Errorf("%d) Group 'a' data changed: got %g, expected %g.",
				i, out[i], va[i])
			break
		}
	}
}

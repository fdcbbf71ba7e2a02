/*package comm provides the collective communication layer that the tree and
near-list code is written against. Comm is a narrow byte-level interface;
typed collectives are layered on top of it generically, so the same calling
code drives the serial communicator and the in-process multi-rank
communicator used for testing. An MPI binding can implement Comm without
touching the callers.

Every collective must be invoked by all ranks of a communicator in the same
order. Mismatched buffer shapes across ranks panic; mismatched call order
deadlocks. Neither is recovered from: divergence between ranks is a caller
bug and masking it is worse than failing loudly.
*/
package comm

import (
	"fmt"
	"sync"
)

// Comm is a communicator handle bound to one rank of a process group.
type Comm interface {
	// Rank returns the index of the calling process in 0..Size()-1.
	Rank() int
	// Size returns the number of processes in the group.
	Size() int
	// Alltoallv delivers send[j] to rank j and returns the buffers received
	// from every rank, indexed by source. len(send) must be Size().
	// Collective.
	Alltoallv(send [][]byte) [][]byte
	// Send queues a buffer for one destination rank.
	Send(dst int, data []byte)
	// Recv blocks until a buffer from src is available and returns it.
	// Buffers from one source arrive in the order they were sent.
	Recv(src int) []byte
}

// selfComm is the single-process communicator.
type selfComm struct {
	queue [][]byte
}

// Self returns a serial communicator with a single rank. All collectives
// complete immediately.
func Self() Comm { return &selfComm{} }

func (c *selfComm) Rank() int { return 0 }
func (c *selfComm) Size() int { return 1 }

func (c *selfComm) Alltoallv(send [][]byte) [][]byte {
	if len(send) != 1 {
		panic(fmt.Sprintf("comm: collective protocol violation: "+
			"Alltoallv got %d buffers on a 1-rank communicator", len(send)))
	}
	return [][]byte{append([]byte{}, send[0]...)}
}

func (c *selfComm) Send(dst int, data []byte) {
	if dst != 0 {
		panic(fmt.Sprintf("comm: Send to rank %d on a 1-rank communicator",
			dst))
	}
	c.queue = append(c.queue, append([]byte{}, data...))
}

func (c *selfComm) Recv(src int) []byte {
	if src != 0 || len(c.queue) == 0 {
		panic("comm: Recv with no matching Send on a 1-rank communicator")
	}
	data := c.queue[0]
	c.queue = c.queue[1:]
	return data
}

// group is the shared state of an in-process communicator. Collectives
// rendezvous through a condition variable: each rank deposits its buffers,
// the last arrival transposes them, and every rank picks up its row before
// the next collective may begin.
type group struct {
	n int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	bufs    [][][]byte // bufs[src][dst], this round's deposits
	out     [][][]byte // out[dst][src], nil while a round is in flight
	taken   int

	queues map[[2]int][][]byte // point-to-point, keyed by {src, dst}
}

type groupComm struct {
	g    *group
	rank int
}

// NewGroup creates an in-process communicator with n ranks and returns one
// handle per rank. Each handle must be driven by its own goroutine;
// collectives block until all ranks arrive.
func NewGroup(n int) []Comm {
	g := &group{n: n, queues: map[[2]int][][]byte{}}
	g.cond = sync.NewCond(&g.mu)
	cs := make([]Comm, n)
	for i := range cs {
		cs[i] = &groupComm{g, i}
	}
	return cs
}

func (c *groupComm) Rank() int { return c.rank }
func (c *groupComm) Size() int { return c.g.n }

func (c *groupComm) Alltoallv(send [][]byte) [][]byte {
	g := c.g
	if len(send) != g.n {
		panic(fmt.Sprintf("comm: collective protocol violation: "+
			"Alltoallv got %d buffers on a %d-rank communicator",
			len(send), g.n))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Wait for the previous round to drain before depositing.
	for g.out != nil {
		g.cond.Wait()
	}
	if g.bufs == nil {
		g.bufs = make([][][]byte, g.n)
	}
	g.bufs[c.rank] = send
	g.arrived++

	if g.arrived == g.n {
		out := make([][][]byte, g.n)
		for dst := 0; dst < g.n; dst++ {
			out[dst] = make([][]byte, g.n)
			for src := 0; src < g.n; src++ {
				out[dst][src] = g.bufs[src][dst]
			}
		}
		g.out, g.taken = out, g.n
		g.arrived, g.bufs = 0, nil
		g.cond.Broadcast()
	}
	for g.out == nil {
		g.cond.Wait()
	}

	recv := g.out[c.rank]
	g.taken--
	if g.taken == 0 {
		g.out = nil
		g.cond.Broadcast()
	}
	return recv
}

func (c *groupComm) Send(dst int, data []byte) {
	g := c.g
	if dst < 0 || dst >= g.n {
		panic(fmt.Sprintf("comm: Send to rank %d of %d", dst, g.n))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := [2]int{c.rank, dst}
	g.queues[key] = append(g.queues[key], append([]byte{}, data...))
	g.cond.Broadcast()
}

func (c *groupComm) Recv(src int) []byte {
	g := c.g
	g.mu.Lock()
	defer g.mu.Unlock()
	key := [2]int{src, c.rank}
	for len(g.queues[key]) == 0 {
		g.cond.Wait()
	}
	data := g.queues[key][0]
	g.queues[key] = g.queues[key][1:]
	return data
}

package comm

/* This file contains the typed collectives layered on the byte-level Comm
interface. The operation surface (all-to-all with counts, gather, broadcast,
reductions, prefix sums) follows the usual MPI naming. */

import (
	"fmt"
	"unsafe"
)

// Number constrains the element types reductions are defined over.
type Number interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// bytesOf reinterprets a slice of fixed-size values as raw bytes. T must not
// contain pointers. Exchanges stay within one address space, so layout and
// endianness are uniform.
func bytesOf[T any](x []T) []byte {
	if len(x) == 0 {
		return nil
	}
	size := int(unsafe.Sizeof(x[0]))
	return unsafe.Slice((*byte)(unsafe.Pointer(&x[0])), len(x)*size)
}

// fromBytes copies raw bytes back into a freshly allocated value slice, so
// received data never aliases another rank's buffers.
func fromBytes[T any](b []byte) []T {
	var t T
	size := int(unsafe.Sizeof(t))
	if len(b) == 0 {
		return nil
	}
	if len(b)%size != 0 {
		panic(fmt.Sprintf("comm: received %d bytes for elements of size %d",
			len(b), size))
	}
	out := make([]T, len(b)/size)
	copy(bytesOf(out), b)
	return out
}

// AllToAllv sends cnt[j] consecutive elements of send to rank j and returns
// the received elements concatenated in source-rank order, along with the
// per-source counts. Collective.
func AllToAllv[T any](c Comm, send []T, cnt []int64) ([]T, []int64) {
	np := c.Size()
	if len(cnt) != np {
		panic(fmt.Sprintf("comm: collective protocol violation: "+
			"AllToAllv got %d counts on a %d-rank communicator",
			len(cnt), np))
	}
	msgs := make([][]byte, np)
	off := int64(0)
	for j := 0; j < np; j++ {
		chunk := append([]T{}, send[off:off+cnt[j]]...)
		msgs[j] = bytesOf(chunk)
		off += cnt[j]
	}
	if off != int64(len(send)) {
		panic("comm: collective protocol violation: " +
			"AllToAllv counts do not sum to the send length")
	}

	var t T
	size := int64(unsafe.Sizeof(t))
	recvBufs := c.Alltoallv(msgs)
	recv, recvCnt := []T{}, make([]int64, np)
	for j := 0; j < np; j++ {
		part := fromBytes[T](recvBufs[j])
		recv = append(recv, part...)
		recvCnt[j] = int64(len(recvBufs[j])) / size
	}
	return recv, recvCnt
}

// AllGather concatenates every rank's send buffer in rank order on all
// ranks and returns the per-rank counts. Collective.
func AllGather[T any](c Comm, send []T) ([]T, []int64) {
	np := c.Size()
	all := make([]T, 0, len(send)*np)
	cnt := make([]int64, np)
	for j := 0; j < np; j++ {
		all = append(all, send...)
		cnt[j] = int64(len(send))
	}
	return AllToAllv(c, all, cnt)
}

// Bcast returns root's buffer on every rank. Collective.
func Bcast[T any](c Comm, x []T, root int) []T {
	np := c.Size()
	send, cnt := []T{}, make([]int64, np)
	if c.Rank() == root {
		for j := 0; j < np; j++ {
			send = append(send, x...)
			cnt[j] = int64(len(x))
		}
	}
	recv, _ := AllToAllv(c, send, cnt)
	return recv
}

// AllReduceSum returns the elementwise sum of x over all ranks. Every rank
// must pass a buffer of the same length. Collective.
func AllReduceSum[T Number](c Comm, x []T) []T {
	all, cnt := AllGather(c, x)
	for j := range cnt {
		if cnt[j] != int64(len(x)) {
			panic(fmt.Sprintf("comm: collective protocol violation: "+
				"AllReduceSum got length %d from rank %d, expected %d",
				cnt[j], j, len(x)))
		}
	}
	sum := make([]T, len(x))
	for j := 0; j < c.Size(); j++ {
		row := all[j*len(x) : (j+1)*len(x)]
		for i := range sum {
			sum[i] += row[i]
		}
	}
	return sum
}

// AllReduceOr returns the logical or of x over all ranks. Collective.
func AllReduceOr(c Comm, x bool) bool {
	v := []uint8{0}
	if x {
		v[0] = 1
	}
	all, _ := AllGather(c, v)
	for i := range all {
		if all[i] != 0 {
			return true
		}
	}
	return false
}

// Scan returns the exclusive prefix sum of x over ranks: rank r receives
// the sum of the values passed by ranks 0..r-1. Collective.
func Scan[T Number](c Comm, x T) T {
	all, _ := AllGather(c, []T{x})
	var sum T
	for j := 0; j < c.Rank(); j++ {
		sum += all[j]
	}
	return sum
}

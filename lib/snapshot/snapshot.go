/*package snapshot writes and reads compressed checkpoints of a tree: the
local node keys, node attributes, and every named dataset. Each process
saves its own local portion; Save and Load are not collective. Restoring
means rebuilding the tree from the original points and re-adding the loaded
datasets.
*/
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/DataDog/zstd"

	"github.com/bimlab/treecode/lib/morton"
	"github.com/bimlab/treecode/lib/tree"
)

const (
	// MagicNumber starts every snapshot file, so that reading anything
	// else fails immediately.
	MagicNumber = 0x7b1e5eed
	// ReverseMagicNumber is the magic number read with flipped endianness.
	ReverseMagicNumber = 0xed5e1e7b
	Version            = 1
)

// compressLevel is zstd's fastest level; checkpoint writing is
// bandwidth-bound, not ratio-bound.
const compressLevel = 1

// Dataset is one named dataset of a snapshot.
type Dataset struct {
	Values []float64
	Cnt    []int64
}

// Snapshot holds the decoded local contents of a checkpoint.
type Snapshot[V morton.Vec] struct {
	Keys  []morton.Key[V]
	Attrs []tree.Attr
	Data  map[string]Dataset
}

// Save writes the local nodes and datasets of the tree to w.
func Save[V morton.Vec](w io.Writer, tr *tree.Tree[V]) error {
	order := binary.ByteOrder(binary.LittleEndian)
	keys := tr.NodeKeys()
	attrs := tr.NodeAttrs()
	names := tr.DataNames()

	if err := binary.Write(w, order, uint32(MagicNumber)); err != nil {
		return err
	}
	if err := binary.Write(w, order, uint32(Version)); err != nil {
		return err
	}
	hd := []int64{int64(tr.Dim()), int64(len(keys)), int64(len(names))}
	if err := binary.Write(w, order, hd); err != nil {
		return err
	}

	// Keys: 3 coordinate words and a depth word per node.
	kbuf := &bytes.Buffer{}
	for _, k := range keys {
		x, depth := k.Bits()
		binary.Write(kbuf, order, x[:])
		binary.Write(kbuf, order, int32(depth))
	}
	if err := writeBlob(w, order, kbuf.Bytes()); err != nil {
		return err
	}

	// Attributes: one byte per node.
	abuf := make([]byte, len(attrs))
	for i, a := range attrs {
		if a.Leaf {
			abuf[i] |= 1
		}
		if a.Ghost {
			abuf[i] |= 2
		}
	}
	if err := writeBlob(w, order, abuf); err != nil {
		return err
	}

	for _, name := range names {
		vals, cnt, err := tr.GetData(name)
		if err != nil {
			return err
		}
		nb := []byte(name)
		if err := binary.Write(w, order, uint32(len(nb))); err != nil {
			return err
		}
		if _, err := w.Write(nb); err != nil {
			return err
		}
		cbuf := &bytes.Buffer{}
		binary.Write(cbuf, order, cnt)
		if err := writeBlob(w, order, cbuf.Bytes()); err != nil {
			return err
		}
		vbuf := &bytes.Buffer{}
		binary.Write(vbuf, order, vals)
		if err := writeBlob(w, order, vbuf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a snapshot written by Save. The stored dimension must match V.
func Load[V morton.Vec](r io.Reader) (*Snapshot[V], error) {
	order, err := checkHeader(r)
	if err != nil {
		return nil, err
	}
	hd := make([]int64, 3)
	if err := binary.Read(r, order, hd); err != nil {
		return nil, err
	}
	dim, nNodes, nData := hd[0], hd[1], hd[2]
	if dim != int64(morton.Dim[V]()) {
		return nil, fmt.Errorf("snapshot stores a %d-dimensional tree, "+
			"not %d-dimensional", dim, morton.Dim[V]())
	}

	snap := &Snapshot[V]{Data: map[string]Dataset{}}

	kb, err := readBlob(r, order)
	if err != nil {
		return nil, err
	}
	if int64(len(kb)) != nNodes*16 {
		return nil, fmt.Errorf("snapshot key section has %d bytes for %d "+
			"nodes", len(kb), nNodes)
	}
	kr := bytes.NewReader(kb)
	snap.Keys = make([]morton.Key[V], nNodes)
	for i := range snap.Keys {
		var x [3]uint32
		var depth int32
		binary.Read(kr, order, x[:])
		binary.Read(kr, order, &depth)
		snap.Keys[i] = morton.FromBits[V](x, int(depth))
	}

	ab, err := readBlob(r, order)
	if err != nil {
		return nil, err
	}
	if int64(len(ab)) != nNodes {
		return nil, fmt.Errorf("snapshot attribute section has %d bytes "+
			"for %d nodes", len(ab), nNodes)
	}
	snap.Attrs = make([]tree.Attr, nNodes)
	for i, b := range ab {
		snap.Attrs[i] = tree.Attr{Leaf: b&1 != 0, Ghost: b&2 != 0}
	}

	for i := int64(0); i < nData; i++ {
		var nName uint32
		if err := binary.Read(r, order, &nName); err != nil {
			return nil, err
		}
		nb := make([]byte, nName)
		if _, err := io.ReadFull(r, nb); err != nil {
			return nil, err
		}
		cb, err := readBlob(r, order)
		if err != nil {
			return nil, err
		}
		cnt := make([]int64, len(cb)/8)
		binary.Read(bytes.NewReader(cb), order, cnt)
		vb, err := readBlob(r, order)
		if err != nil {
			return nil, err
		}
		vals := make([]float64, len(vb)/8)
		binary.Read(bytes.NewReader(vb), order, vals)
		snap.Data[string(nb)] = Dataset{Values: vals, Cnt: cnt}
	}
	return snap, nil
}

// Restore re-adds every dataset of the snapshot to a tree with the same
// local nodes.
func (snap *Snapshot[V]) Restore(tr *tree.Tree[V]) error {
	for name, d := range snap.Data {
		if err := tr.AddData(name, d.Values, d.Cnt); err != nil {
			return err
		}
	}
	return nil
}

// writeBlob compresses b and writes it with raw and compressed lengths in
// front, so the reader never needs to seek.
func writeBlob(w io.Writer, order binary.ByteOrder, b []byte) error {
	comp, err := zstd.CompressLevel(nil, b, compressLevel)
	if err != nil {
		return err
	}
	if err := binary.Write(w, order, int64(len(b))); err != nil {
		return err
	}
	if err := binary.Write(w, order, int64(len(comp))); err != nil {
		return err
	}
	_, err = w.Write(comp)
	return err
}

func readBlob(r io.Reader, order binary.ByteOrder) ([]byte, error) {
	var rawLen, compLen int64
	if err := binary.Read(r, order, &rawLen); err != nil {
		return nil, err
	}
	if err := binary.Read(r, order, &compLen); err != nil {
		return nil, err
	}
	comp := make([]byte, compLen)
	if _, err := io.ReadFull(r, comp); err != nil {
		return nil, err
	}
	b, err := zstd.Decompress(make([]byte, 0, rawLen), comp)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != rawLen {
		return nil, fmt.Errorf("snapshot blob decompressed to %d bytes, "+
			"expected %d", len(b), rawLen)
	}
	return b, nil
}

// checkHeader reads the magic and version numbers and returns the file's
// byte order.
func checkHeader(r io.Reader) (binary.ByteOrder, error) {
	var magic, version uint32
	order := binary.ByteOrder(binary.LittleEndian)
	if err := binary.Read(r, order, &magic); err != nil {
		return nil, err
	}
	switch magic {
	case MagicNumber:
	case ReverseMagicNumber:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a snapshot: file starts with %x, "+
			"expected %x or %x", magic, uint32(MagicNumber),
			uint32(ReverseMagicNumber))
	}
	if err := binary.Read(r, order, &version); err != nil {
		return nil, err
	}
	if version > Version {
		return nil, fmt.Errorf("snapshot version %d is newer than the "+
			"supported version %d", version, Version)
	}
	return order, nil
}

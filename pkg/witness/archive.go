package witness

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
)

// Archive is a self-contained, content-addressed bundle: an ordered block
// sequence plus a roots list, CAR-like in shape. A witness archive carries
// exactly one root (the anchor commit) and the closure of blocks the
// verification walk resolves.
type Archive struct {
	roots  []cid.Cid
	order  []cid.Cid
	blocks map[cid.Cid][]byte
}

func NewArchive() *Archive {
	return &Archive{blocks: make(map[cid.Cid][]byte)}
}

// AddRoot registers a root CID. The root's block must also be in the
// archive for the archive to verify.
func (a *Archive) AddRoot(c cid.Cid) {
	a.roots = append(a.roots, c)
}

// PutBlock adds a block. Duplicate puts of the same CID are idempotent.
func (a *Archive) PutBlock(block blockstore.Block) {
	if _, exists := a.blocks[block.Cid]; exists {
		return
	}
	a.order = append(a.order, block.Cid)
	a.blocks[block.Cid] = append([]byte(nil), block.Data...)
}

// GetBlock resolves a CID from within the archive, or nil if absent.
func (a *Archive) GetBlock(c cid.Cid) []byte {
	return a.blocks[c]
}

// Roots returns the registered roots in order.
func (a *Archive) Roots() []cid.Cid {
	return append([]cid.Cid(nil), a.roots...)
}

// Blocks returns the blocks in insertion order.
func (a *Archive) Blocks() []blockstore.Block {
	blocks := make([]blockstore.Block, 0, len(a.order))
	for _, c := range a.order {
		blocks = append(blocks, blockstore.Block{Cid: c, Data: a.blocks[c]})
	}
	return blocks
}

type archiveBlockWire struct {
	Cid  []byte `cbor:"cid"`
	Data []byte `cbor:"data"`
}

type archiveWire struct {
	Roots  [][]byte           `cbor:"roots"`
	Blocks []archiveBlockWire `cbor:"blocks"`
}

// Encode serializes the archive for transport.
func (a *Archive) Encode() ([]byte, error) {
	w := archiveWire{}
	for _, root := range a.roots {
		w.Roots = append(w.Roots, root.Bytes())
	}
	for _, block := range a.Blocks() {
		w.Blocks = append(w.Blocks, archiveBlockWire{Cid: block.Cid.Bytes(), Data: block.Data})
	}
	data, err := cbor.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive: %w", err)
	}
	return data, nil
}

// DecodeArchive parses a serialized archive.
func DecodeArchive(data []byte) (*Archive, error) {
	var w archiveWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}

	archive := NewArchive()
	for _, raw := range w.Roots {
		root, err := cid.Cast(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid archive root: %w", err)
		}
		archive.AddRoot(root)
	}
	for i, block := range w.Blocks {
		c, err := cid.Cast(block.Cid)
		if err != nil {
			return nil, fmt.Errorf("invalid archive block cid at %d: %w", i, err)
		}
		archive.PutBlock(blockstore.Block{Cid: c, Data: block.Data})
	}
	return archive, nil
}

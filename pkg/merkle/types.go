package merkle

import (
	"github.com/ipfs/go-cid"

	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// Tree is a bounded-depth binary merkle tree whose nodes are
// content-addressed blocks. Leaves correspond one-to-one to candidates in
// batch order; each internal node is the CID of its serialized
// [left, right, metadata] tuple.
//
// The tree is an arena of CID levels rather than a pointer graph:
// levels[0] holds the leaf CIDs, levels[len-1] holds only the root.
type Tree struct {
	candidates []*types.Candidate
	levels     [][]cid.Cid
}

// Root returns the root CID. For a single-leaf tree the root is the leaf.
func (t *Tree) Root() cid.Cid {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Depth is the number of edges from root to leaf level.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Candidates returns the candidates in leaf order.
func (t *Tree) Candidates() []*types.Candidate {
	return t.candidates
}

// Leaf returns the CID anchored at a leaf index.
func (t *Tree) Leaf(index int) cid.Cid {
	return t.levels[0][index]
}

package merkle

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ipfs/go-cid"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// bloomFalsePositiveRate sizes the per-node stream id bloom filters.
const bloomFalsePositiveRate = 0.01

// Build creates a merkle tree over the candidates' tip CIDs in the given
// order. Every merge writes an internal node block [left, right, metadata]
// to the store; the store-computed CID becomes the node's identity, so the
// same candidates and the same store hash function always yield the same
// root.
//
// Adjacent pairs are merged bottom-up; an odd trailing node is carried up
// unchanged. depthLimit caps the tree depth when > 0; the orchestrator
// enforces the matching leaf-count cap, so exceeding it here is an error.
//
// Panics if candidates is empty: callers must not ask for a tree over
// nothing.
func Build(ctx context.Context, store blockstore.IBlockStore, candidates []*types.Candidate, depthLimit int) (*Tree, error) {
	if len(candidates) == 0 {
		panic("merkle: cannot build a tree from zero candidates")
	}

	leaves := make([]cid.Cid, len(candidates))
	streams := make([][]string, len(candidates))
	for i, candidate := range candidates {
		leaves[i] = candidate.CID
		streams[i] = []string{candidate.StreamID}
	}

	levels := [][]cid.Cid{leaves}
	currentLevel := leaves

	for len(currentLevel) > 1 {
		if depthLimit > 0 && len(levels) > depthLimit {
			return nil, fmt.Errorf("merkle tree would exceed depth limit %d with %d leaves", depthLimit, len(leaves))
		}

		nextLevel := make([]cid.Cid, 0, (len(currentLevel)+1)/2)
		nextStreams := make([][]string, 0, (len(currentLevel)+1)/2)

		for i := 0; i+1 < len(currentLevel); i += 2 {
			merged := unionStreams(streams[i], streams[i+1])
			parent, err := mergeNodes(ctx, store, currentLevel[i], currentLevel[i+1], merged)
			if err != nil {
				return nil, err
			}
			nextLevel = append(nextLevel, parent)
			nextStreams = append(nextStreams, merged)
		}

		// Odd trailing node is carried up unchanged.
		if len(currentLevel)%2 == 1 {
			nextLevel = append(nextLevel, currentLevel[len(currentLevel)-1])
			nextStreams = append(nextStreams, streams[len(currentLevel)-1])
		}

		levels = append(levels, nextLevel)
		currentLevel = nextLevel
		streams = nextStreams
	}

	tree := &Tree{
		candidates: candidates,
		levels:     levels,
	}
	if depthLimit > 0 && tree.Depth() > depthLimit {
		return nil, fmt.Errorf("merkle tree depth %d exceeds limit %d", tree.Depth(), depthLimit)
	}
	return tree, nil
}

// mergeNodes writes the metadata aggregate and the internal node block for
// one pair, returning the internal node's CID.
func mergeNodes(ctx context.Context, store blockstore.IBlockStore, left, right cid.Cid, streams []string) (cid.Cid, error) {
	metadata, err := buildMetadata(streams)
	if err != nil {
		return cid.Undef, err
	}
	metaCid, err := store.StoreRecord(ctx, metadata)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to store tree metadata: %w", err)
	}

	nodeCid, data, err := blockstore.EncodeTreeNode(left, right, &metaCid)
	if err != nil {
		return cid.Undef, err
	}
	if err := store.Put(ctx, blockstore.Block{Cid: nodeCid, Data: data}); err != nil {
		return cid.Undef, fmt.Errorf("failed to store tree node: %w", err)
	}
	return nodeCid, nil
}

// buildMetadata aggregates a subtree's stream ids into the metadata record:
// the sorted id list plus a bloom filter over it.
func buildMetadata(streams []string) (*blockstore.TreeMetadata, error) {
	filter := bloom.NewWithEstimates(uint(len(streams)), bloomFalsePositiveRate)
	for _, id := range streams {
		filter.AddString(id)
	}

	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize bloom filter: %w", err)
	}

	return &blockstore.TreeMetadata{
		StreamIDs: streams,
		Bloom:     buf.Bytes(),
	}, nil
}

// PathTo returns the root-to-leaf walk for a leaf index, encoded as
// slash-delimited binary digits. A single-leaf tree has the empty path.
func (t *Tree) PathTo(leafIndex int) (string, error) {
	if leafIndex < 0 || leafIndex >= t.LeafCount() {
		return "", fmt.Errorf("leaf index %d out of bounds (tree has %d leaves)", leafIndex, t.LeafCount())
	}

	// Walk leaf-to-root: a node merged with a sibling contributes its side
	// bit, a carried odd node contributes nothing. Reversing the collected
	// bits yields the root-to-leaf walk.
	var bits []string
	index := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		size := len(t.levels[level])
		mergedNodes := (size / 2) * 2
		if index < mergedNodes {
			bits = append(bits, strconv.Itoa(index%2))
		}
		index = index / 2
	}

	for i, j := 0, len(bits)-1; i < j; i, j = i+1, j-1 {
		bits[i], bits[j] = bits[j], bits[i]
	}
	return strings.Join(bits, "/"), nil
}

// DecodePath parses a slash-delimited binary path back into digits.
// The empty string is the valid path of a single-leaf tree.
func DecodePath(path string) ([]int, error) {
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "/")
	digits := make([]int, len(parts))
	for i, part := range parts {
		switch part {
		case "0":
			digits[i] = 0
		case "1":
			digits[i] = 1
		default:
			return nil, fmt.Errorf("invalid path element %q at position %d", part, i)
		}
	}
	return digits, nil
}

func unionStreams(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, exists := seen[id]; exists {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	sort.Strings(merged)
	return merged
}

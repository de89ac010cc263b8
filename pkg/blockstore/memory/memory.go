package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
)

// MemoryBlockStore is an in-memory CID-keyed block store for tests.
// Thread-safe; block payloads are copied on the way in and out so callers
// cannot mutate stored state.
type MemoryBlockStore struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
	pins   map[string][]cid.Cid
	closed bool
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{
		blocks: make(map[cid.Cid][]byte),
		pins:   make(map[string][]cid.Cid),
	}
}

// Put stores a block. Re-putting an existing CID is a no-op.
func (m *MemoryBlockStore) Put(_ context.Context, block Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("block store is closed")
	}
	if _, exists := m.blocks[block.Cid]; exists {
		return nil
	}
	m.blocks[block.Cid] = append([]byte(nil), block.Data...)
	return nil
}

// Get returns the block for a CID, or nil if it was never stored.
func (m *MemoryBlockStore) Get(_ context.Context, c cid.Cid) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("block store is closed")
	}
	data, exists := m.blocks[c]
	if !exists {
		return nil, nil
	}
	return &Block{Cid: c, Data: append([]byte(nil), data...)}, nil
}

// StoreRecord canonically encodes the record and stores it under its CID.
func (m *MemoryBlockStore) StoreRecord(ctx context.Context, record interface{}) (cid.Cid, error) {
	c, data, err := blockstore.EncodeRecord(record)
	if err != nil {
		return cid.Undef, err
	}
	return c, m.Put(ctx, Block{Cid: c, Data: data})
}

// PublishAnchorCommit stores the commit block and pins it to the stream.
func (m *MemoryBlockStore) PublishAnchorCommit(ctx context.Context, commit *blockstore.AnchorCommit, streamID string) (cid.Cid, error) {
	c, data, err := blockstore.EncodeAnchorCommit(commit)
	if err != nil {
		return cid.Undef, err
	}
	if err := m.Put(ctx, Block{Cid: c, Data: data}); err != nil {
		return cid.Undef, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[streamID] = append(m.pins[streamID], c)
	return c, nil
}

// UnpinStream drops the pin set for a stream.
func (m *MemoryBlockStore) UnpinStream(_ context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, streamID)
	return nil
}

// PinnedCommits returns the commits pinned for a stream, for assertions.
func (m *MemoryBlockStore) PinnedCommits(streamID string) []cid.Cid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]cid.Cid(nil), m.pins[streamID]...)
}

// Len returns the number of distinct blocks stored.
func (m *MemoryBlockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// Block aliases the shared block type for brevity inside this package.
type Block = blockstore.Block

var _ blockstore.IBlockStore = (*MemoryBlockStore)(nil)
var _ blockstore.IPinningService = (*MemoryBlockStore)(nil)

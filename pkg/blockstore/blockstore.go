package blockstore

import (
	"context"

	"github.com/ipfs/go-cid"
)

// Block is an opaque content-addressed byte sequence.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// IBlockStore is the CID-keyed block store the anchor pipeline writes to.
// Puts are idempotent by CID; no coordination is required between writers.
//
// Get returns nil (not an error) when the block is absent, error only on
// storage failure.
type IBlockStore interface {
	Put(ctx context.Context, block Block) error
	Get(ctx context.Context, c cid.Cid) (*Block, error)

	// StoreRecord canonically encodes a record, writes it, and returns the
	// CID the store computed for it.
	StoreRecord(ctx context.Context, record interface{}) (cid.Cid, error)

	// PublishAnchorCommit writes an anchor commit and ties it to the stream
	// so the pinning layer keeps the stream's log alive.
	PublishAnchorCommit(ctx context.Context, commit *AnchorCommit, streamID string) (cid.Cid, error)
}

// IPinningService releases a stream's pinned blocks. Implemented by the
// durable block stores and consumed by the garbage-collect loop.
type IPinningService interface {
	UnpinStream(ctx context.Context, streamID string) error
}

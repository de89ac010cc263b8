package repository

import (
	"context"

	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// IRequestRepository is the durable queue of anchor requests.
// All implementations must be safe for concurrent use: multiple cooperating
// processes run batches against the same queue.
//
// Status lifecycle is a DAG:
//
//	PENDING -> READY -> PROCESSING -> {COMPLETED, FAILED}
//	FAILED -> PENDING (retry), READY -> PENDING (expiry without promotion)
type IRequestRepository interface {
	// Create inserts a new request. Returns error only on storage failure.
	Create(ctx context.Context, request *types.Request) error

	// CountByStatus returns the number of requests currently in a status.
	CountByStatus(ctx context.Context, status types.RequestStatus) (int, error)

	// FindByStatus returns all requests in a status, earliest CreatedAt
	// first. Returns empty slice if none exist.
	FindByStatus(ctx context.Context, status types.RequestStatus) ([]*types.Request, error)

	// BatchProcessing atomically selects up to max READY requests and flips
	// them to PROCESSING, provided at least min are available; otherwise it
	// selects nothing. The claim is a single transaction so two concurrent
	// batch runners never share a request.
	BatchProcessing(ctx context.Context, min, max int) ([]*types.Request, error)

	// FindAndMarkReady promotes up to max PENDING requests to READY (all of
	// them when max <= 0), provided at least min are available; otherwise it
	// promotes nothing.
	FindAndMarkReady(ctx context.Context, max, min int) ([]*types.Request, error)

	// UpdateExpiringReadyRequests returns READY requests whose promotion is
	// older than the ready-retention window to PENDING, making them
	// eligible for a new promotion and anchor event. Returns the number of
	// requests transitioned.
	UpdateExpiringReadyRequests(ctx context.Context) (int, error)

	// UpdateRequests applies a partial update to the given subset.
	UpdateRequests(ctx context.Context, patch types.RequestPatch, subset []*types.Request) error

	// FindRequestsToGarbageCollect returns terminal pinned requests older
	// than the GC retention window.
	FindRequestsToGarbageCollect(ctx context.Context) ([]*types.Request, error)

	// WithTransaction runs fn with request and anchor writes bound to one
	// database transaction. fn returning an error rolls everything back.
	WithTransaction(ctx context.Context, fn func(tx ITransaction) error) error
}

// ITransaction exposes the writes that must commit atomically at the end of
// a batch: anchor record inserts plus the final request transitions.
type ITransaction interface {
	CreateAnchors(anchors []*types.Anchor) error
	UpdateRequests(patch types.RequestPatch, subset []*types.Request) error
}

// IAnchorRepository is the persistent record of produced anchors.
type IAnchorRepository interface {
	// FindByRequest returns the anchor previously produced for a request,
	// or nil if none exists.
	FindByRequest(ctx context.Context, request *types.Request) (*types.Anchor, error)
}

// IMetadataRepository returns per-stream metadata required to build a leaf.
type IMetadataRepository interface {
	// Load returns the stream's metadata, or nil if the stream is unknown.
	Load(ctx context.Context, streamID string) (*types.StreamMetadata, error)

	// Save upserts a stream's metadata.
	Save(ctx context.Context, streamID string, metadata *types.StreamMetadata) error
}

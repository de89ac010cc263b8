package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lexa-Bard/Ceramic/pkg/repository"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// MemoryRepository is an in-memory implementation of the request, anchor,
// and metadata repositories. Intended for tests; all data is lost when the
// process exits. Thread-safe, deep-copies requests on the way in and out.
type MemoryRepository struct {
	mu sync.Mutex

	requests map[string]*types.Request
	anchors  map[string]*types.Anchor
	metadata map[string]*types.StreamMetadata

	readyRetention time.Duration
	gcRetention    time.Duration

	// TransactionErr, when set, makes WithTransaction fail after fn runs
	// without applying any writes. Used to exercise persist-failure paths.
	TransactionErr error
}

func NewMemoryRepository(readyRetention, gcRetention time.Duration) *MemoryRepository {
	return &MemoryRepository{
		requests:       make(map[string]*types.Request),
		anchors:        make(map[string]*types.Anchor),
		metadata:       make(map[string]*types.StreamMetadata),
		readyRetention: readyRetention,
		gcRetention:    gcRetention,
	}
}

func (m *MemoryRepository) Create(_ context.Context, request *types.Request) error {
	if request == nil {
		return fmt.Errorf("cannot create nil request")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[request.ID] = copyRequest(request)
	return nil
}

func (m *MemoryRepository) CountByStatus(_ context.Context, status types.RequestStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, req := range m.requests {
		if req.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) FindByStatus(_ context.Context, status types.RequestStatus) ([]*types.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(func(req *types.Request) bool { return req.Status == status }), nil
}

func (m *MemoryRepository) BatchProcessing(_ context.Context, min, max int) ([]*types.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ready := m.findLocked(func(req *types.Request) bool {
		return req.Status == types.RequestStatus_Ready
	})
	if len(ready) < min {
		return nil, nil
	}
	if len(ready) > max {
		ready = ready[:max]
	}

	now := time.Now().UTC()
	for _, req := range ready {
		req.Status = types.RequestStatus_Processing
		req.UpdatedAt = now
		m.requests[req.ID] = copyRequest(req)
	}
	return ready, nil
}

func (m *MemoryRepository) FindAndMarkReady(_ context.Context, max, min int) ([]*types.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.findLocked(func(req *types.Request) bool {
		return req.Status == types.RequestStatus_Pending
	})
	if len(pending) < min {
		return nil, nil
	}
	if max > 0 && len(pending) > max {
		pending = pending[:max]
	}

	now := time.Now().UTC()
	for _, req := range pending {
		req.Status = types.RequestStatus_Ready
		req.UpdatedAt = now
		m.requests[req.ID] = copyRequest(req)
	}
	return pending, nil
}

func (m *MemoryRepository) UpdateExpiringReadyRequests(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := time.Now().UTC().Add(-m.readyRetention)
	expiring := m.findLocked(func(req *types.Request) bool {
		return req.Status == types.RequestStatus_Ready && req.UpdatedAt.Before(deadline)
	})

	now := time.Now().UTC()
	for _, req := range expiring {
		req.Status = types.RequestStatus_Pending
		req.UpdatedAt = now
		m.requests[req.ID] = copyRequest(req)
	}
	return len(expiring), nil
}

func (m *MemoryRepository) UpdateRequests(_ context.Context, patch types.RequestPatch, subset []*types.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyPatchLocked(patch, subset)
	return nil
}

func (m *MemoryRepository) FindRequestsToGarbageCollect(_ context.Context) ([]*types.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := time.Now().UTC().Add(-m.gcRetention)
	return m.findLocked(func(req *types.Request) bool {
		terminal := req.Status == types.RequestStatus_Completed || req.Status == types.RequestStatus_Failed
		return terminal && req.Pinned && req.UpdatedAt.Before(deadline)
	}), nil
}

// WithTransaction stages anchor inserts and request patches, applying them
// only if fn succeeds and TransactionErr is unset.
func (m *MemoryRepository) WithTransaction(_ context.Context, fn func(tx repository.ITransaction) error) error {
	tx := &memoryTransaction{}
	if err := fn(tx); err != nil {
		return err
	}
	if m.TransactionErr != nil {
		return m.TransactionErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, anchor := range tx.anchors {
		m.anchors[anchor.RequestID] = anchor
	}
	for _, staged := range tx.patches {
		m.applyPatchLocked(staged.patch, staged.subset)
	}
	return nil
}

func (m *MemoryRepository) FindByRequest(_ context.Context, request *types.Request) (*types.Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	anchor, exists := m.anchors[request.ID]
	if !exists {
		return nil, nil
	}
	copied := *anchor
	return &copied, nil
}

func (m *MemoryRepository) Load(_ context.Context, streamID string) (*types.StreamMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, exists := m.metadata[streamID]
	if !exists {
		return nil, nil
	}
	copied := *md
	return &copied, nil
}

func (m *MemoryRepository) Save(_ context.Context, streamID string, metadata *types.StreamMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *metadata
	m.metadata[streamID] = &copied
	return nil
}

// GetRequest returns a snapshot of one request, for assertions.
func (m *MemoryRepository) GetRequest(id string) *types.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, exists := m.requests[id]
	if !exists {
		return nil
	}
	return copyRequest(req)
}

// AnchorCount returns the number of persisted anchors, for assertions.
func (m *MemoryRepository) AnchorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.anchors)
}

func (m *MemoryRepository) findLocked(match func(*types.Request) bool) []*types.Request {
	var matched []*types.Request
	for _, req := range m.requests {
		if match(req) {
			matched = append(matched, copyRequest(req))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched
}

func (m *MemoryRepository) applyPatchLocked(patch types.RequestPatch, subset []*types.Request) {
	now := time.Now().UTC()
	for _, req := range subset {
		stored, exists := m.requests[req.ID]
		if !exists {
			continue
		}
		if patch.Status != nil {
			stored.Status = *patch.Status
		}
		if patch.Message != nil {
			stored.Message = *patch.Message
		}
		if patch.Pinned != nil {
			stored.Pinned = *patch.Pinned
		}
		stored.UpdatedAt = now
	}
}

type stagedPatch struct {
	patch  types.RequestPatch
	subset []*types.Request
}

type memoryTransaction struct {
	anchors []*types.Anchor
	patches []stagedPatch
}

func (t *memoryTransaction) CreateAnchors(anchors []*types.Anchor) error {
	t.anchors = append(t.anchors, anchors...)
	return nil
}

func (t *memoryTransaction) UpdateRequests(patch types.RequestPatch, subset []*types.Request) error {
	t.patches = append(t.patches, stagedPatch{patch: patch, subset: subset})
	return nil
}

func copyRequest(req *types.Request) *types.Request {
	copied := *req
	return &copied
}

var _ repository.IRequestRepository = (*MemoryRepository)(nil)
var _ repository.IAnchorRepository = (*MemoryRepository)(nil)
var _ repository.IMetadataRepository = (*MemoryRepository)(nil)

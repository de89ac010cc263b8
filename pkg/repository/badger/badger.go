package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/repository"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// Key prefixes for namespacing
const (
	keyPrefixRequest     = "request:"
	keyPrefixAnchor      = "anchor:"
	keyPrefixStreamMeta  = "streammeta:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerRepository implements the request, anchor, and metadata repositories
// over one Badger database. Badger's serializable transactions provide the
// atomicity the READY->PROCESSING claim and the final batch persist need.
type BadgerRepository struct {
	db     *badgerdb.DB
	logger *zap.Logger

	readyRetention time.Duration
	gcRetention    time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewBadgerRepository opens the repository database at the given path.
// readyRetention bounds how long a READY request waits before it is handed
// back to the event emitter; gcRetention bounds how long terminal pinned
// requests are kept before garbage collection.
func NewBadgerRepository(dataPath string, readyRetention, gcRetention time.Duration, logger *zap.Logger) (*BadgerRepository, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	r := &BadgerRepository{
		db:             db,
		logger:         logger,
		readyRetention: readyRetention,
		gcRetention:    gcRetention,
	}

	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Badger repository initialized", "path", absPath)

	return r, nil
}

func (r *BadgerRepository) initSchema() error {
	return r.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}

		return nil
	})
}

// Create inserts a new request.
func (r *BadgerRepository) Create(_ context.Context, request *types.Request) error {
	if request == nil {
		return fmt.Errorf("cannot create nil request")
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return r.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(requestKey(request.ID), data)
	})
}

// CountByStatus returns the number of requests in a status.
func (r *BadgerRepository) CountByStatus(ctx context.Context, status types.RequestStatus) (int, error) {
	requests, err := r.FindByStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	return len(requests), nil
}

// FindByStatus returns all requests in a status, earliest first.
func (r *BadgerRepository) FindByStatus(_ context.Context, status types.RequestStatus) ([]*types.Request, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	var requests []*types.Request
	err := r.db.View(func(txn *badgerdb.Txn) error {
		matched, err := scanRequests(txn, func(req *types.Request) bool {
			return req.Status == status
		})
		requests = matched
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan requests: %w", err)
	}

	sortByCreation(requests)
	return requests, nil
}

// BatchProcessing atomically claims up to max READY requests.
func (r *BadgerRepository) BatchProcessing(_ context.Context, min, max int) ([]*types.Request, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	var claimed []*types.Request
	err := r.db.Update(func(txn *badgerdb.Txn) error {
		claimed = nil
		ready, err := scanRequests(txn, func(req *types.Request) bool {
			return req.Status == types.RequestStatus_Ready
		})
		if err != nil {
			return err
		}
		if len(ready) < min {
			return nil
		}
		sortByCreation(ready)
		if len(ready) > max {
			ready = ready[:max]
		}

		now := time.Now().UTC()
		for _, req := range ready {
			req.Status = types.RequestStatus_Processing
			req.UpdatedAt = now
			if err := writeRequest(txn, req); err != nil {
				return err
			}
		}
		claimed = ready
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim requests: %w", err)
	}
	return claimed, nil
}

// FindAndMarkReady promotes up to max PENDING requests to READY (all of them
// when max <= 0).
func (r *BadgerRepository) FindAndMarkReady(_ context.Context, max, min int) ([]*types.Request, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	var promoted []*types.Request
	err := r.db.Update(func(txn *badgerdb.Txn) error {
		promoted = nil
		pending, err := scanRequests(txn, func(req *types.Request) bool {
			return req.Status == types.RequestStatus_Pending
		})
		if err != nil {
			return err
		}
		if len(pending) < min {
			return nil
		}
		sortByCreation(pending)
		if max > 0 && len(pending) > max {
			pending = pending[:max]
		}

		now := time.Now().UTC()
		for _, req := range pending {
			req.Status = types.RequestStatus_Ready
			req.UpdatedAt = now
			if err := writeRequest(txn, req); err != nil {
				return err
			}
		}
		promoted = pending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark requests ready: %w", err)
	}
	return promoted, nil
}

// UpdateExpiringReadyRequests returns READY requests whose promotion has
// outlived the retention window to PENDING, making them eligible for a new
// promotion. Returns the count transitioned.
func (r *BadgerRepository) UpdateExpiringReadyRequests(_ context.Context) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	count := 0
	deadline := time.Now().UTC().Add(-r.readyRetention)
	err := r.db.Update(func(txn *badgerdb.Txn) error {
		count = 0
		expiring, err := scanRequests(txn, func(req *types.Request) bool {
			return req.Status == types.RequestStatus_Ready && req.UpdatedAt.Before(deadline)
		})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, req := range expiring {
			req.Status = types.RequestStatus_Pending
			req.UpdatedAt = now
			if err := writeRequest(txn, req); err != nil {
				return err
			}
		}
		count = len(expiring)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update expiring ready requests: %w", err)
	}
	return count, nil
}

// UpdateRequests applies a patch to the given subset.
func (r *BadgerRepository) UpdateRequests(_ context.Context, patch types.RequestPatch, subset []*types.Request) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.db.Update(func(txn *badgerdb.Txn) error {
		return applyPatch(txn, patch, subset)
	})
}

// FindRequestsToGarbageCollect returns terminal pinned requests older than
// the GC retention window.
func (r *BadgerRepository) FindRequestsToGarbageCollect(_ context.Context) ([]*types.Request, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	deadline := time.Now().UTC().Add(-r.gcRetention)
	var expired []*types.Request
	err := r.db.View(func(txn *badgerdb.Txn) error {
		matched, err := scanRequests(txn, func(req *types.Request) bool {
			terminal := req.Status == types.RequestStatus_Completed || req.Status == types.RequestStatus_Failed
			return terminal && req.Pinned && req.UpdatedAt.Before(deadline)
		})
		expired = matched
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan requests for gc: %w", err)
	}

	sortByCreation(expired)
	return expired, nil
}

// WithTransaction binds anchor inserts and request updates to one
// serializable Badger transaction.
func (r *BadgerRepository) WithTransaction(_ context.Context, fn func(tx repository.ITransaction) error) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.db.Update(func(txn *badgerdb.Txn) error {
		return fn(&badgerTransaction{txn: txn})
	})
}

// FindByRequest returns any prior anchor produced for the request.
func (r *BadgerRepository) FindByRequest(_ context.Context, request *types.Request) (*types.Anchor, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := r.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(anchorKey(request.ID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load anchor: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var anchor types.Anchor
	if err := json.Unmarshal(data, &anchor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anchor: %w", err)
	}
	return &anchor, nil
}

// Load returns a stream's metadata, or nil if unknown.
func (r *BadgerRepository) Load(_ context.Context, streamID string) (*types.StreamMetadata, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := r.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(streamMetaKey(streamID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load stream metadata: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var md types.StreamMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream metadata: %w", err)
	}
	return &md, nil
}

// Save upserts a stream's metadata.
func (r *BadgerRepository) Save(_ context.Context, streamID string, metadata *types.StreamMetadata) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal stream metadata: %w", err)
	}
	return r.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(streamMetaKey(streamID), data)
	})
}

// Close shuts the repository down. Idempotent.
func (r *BadgerRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func (r *BadgerRepository) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("repository is closed")
	}
	return nil
}

// badgerTransaction binds batch-final writes to a single *badgerdb.Txn.
type badgerTransaction struct {
	txn *badgerdb.Txn
}

func (t *badgerTransaction) CreateAnchors(anchors []*types.Anchor) error {
	for _, anchor := range anchors {
		data, err := json.Marshal(anchor)
		if err != nil {
			return fmt.Errorf("failed to marshal anchor: %w", err)
		}
		if err := t.txn.Set(anchorKey(anchor.RequestID), data); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTransaction) UpdateRequests(patch types.RequestPatch, subset []*types.Request) error {
	return applyPatch(t.txn, patch, subset)
}

func applyPatch(txn *badgerdb.Txn, patch types.RequestPatch, subset []*types.Request) error {
	now := time.Now().UTC()
	for _, req := range subset {
		if patch.Status != nil {
			req.Status = *patch.Status
		}
		if patch.Message != nil {
			req.Message = *patch.Message
		}
		if patch.Pinned != nil {
			req.Pinned = *patch.Pinned
		}
		req.UpdatedAt = now
		if err := writeRequest(txn, req); err != nil {
			return err
		}
	}
	return nil
}

func scanRequests(txn *badgerdb.Txn, match func(*types.Request) bool) ([]*types.Request, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefixRequest)

	it := txn.NewIterator(opts)
	defer it.Close()

	var requests []*types.Request
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()

		var data []byte
		err := item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read value: %w", err)
		}

		var req types.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request %s: %w", string(item.Key()), err)
		}
		if match(&req) {
			requests = append(requests, &req)
		}
	}
	return requests, nil
}

func writeRequest(txn *badgerdb.Txn, req *types.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return txn.Set(requestKey(req.ID), data)
}

func sortByCreation(requests []*types.Request) {
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].ID < requests[j].ID
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}

func requestKey(id string) []byte          { return []byte(keyPrefixRequest + id) }
func anchorKey(requestID string) []byte    { return []byte(keyPrefixAnchor + requestID) }
func streamMetaKey(streamID string) []byte { return []byte(keyPrefixStreamMeta + streamID) }

var _ repository.IRequestRepository = (*BadgerRepository)(nil)
var _ repository.IAnchorRepository = (*BadgerRepository)(nil)
var _ repository.IMetadataRepository = (*BadgerRepository)(nil)

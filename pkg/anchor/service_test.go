package anchor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	storeMemory "github.com/Lexa-Bard/Ceramic/pkg/blockstore/memory"
	"github.com/Lexa-Bard/Ceramic/pkg/caserrors"
	"github.com/Lexa-Bard/Ceramic/pkg/config"
	"github.com/Lexa-Bard/Ceramic/pkg/metrics"
	"github.com/Lexa-Bard/Ceramic/pkg/repository"
	repoMemory "github.com/Lexa-Bard/Ceramic/pkg/repository/memory"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
	"github.com/Lexa-Bard/Ceramic/pkg/witness"
)

// mockLedger returns a fixed transaction and counts submissions.
type mockLedger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockLedger) SendTransaction(_ context.Context, _ cid.Cid) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &types.Transaction{
		TxHash:         common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"),
		BlockNumber:    19284732,
		BlockTimestamp: 1709290800,
		Chain:          "eip155:1",
	}, nil
}

func (m *mockLedger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// failingPublishStore rejects anchor commit publishes for chosen streams.
type failingPublishStore struct {
	*storeMemory.MemoryBlockStore
	failStreams map[string]bool
}

func (f *failingPublishStore) PublishAnchorCommit(ctx context.Context, commit *blockstore.AnchorCommit, streamID string) (cid.Cid, error) {
	if f.failStreams[streamID] {
		return cid.Undef, fmt.Errorf("block store rejected publish for %s", streamID)
	}
	return f.MemoryBlockStore.PublishAnchorCommit(ctx, commit, streamID)
}

type testHarness struct {
	cfg     *config.Config
	repo    *repoMemory.MemoryRepository
	store   *storeMemory.MemoryBlockStore
	ledger  *mockLedger
	service *Service
}

func newTestHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	store := storeMemory.NewMemoryBlockStore()
	mock := &mockLedger{}
	logger := zap.NewNop()

	service := NewService(cfg, repo, repo, repo, store, mock, nil,
		metrics.NewLogMetricService(logger), logger)

	return &testHarness{cfg: cfg, repo: repo, store: store, ledger: mock, service: service}
}

// createReadyRequest inserts one READY request whose commit block is also
// present in the block store.
func (h *testHarness) createReadyRequest(t *testing.T, id, streamID string, createdAt time.Time) *types.Request {
	t.Helper()
	commitData := []byte("stream commit for " + id)
	tip, err := blockstore.CidForData(commitData)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), blockstore.Block{Cid: tip, Data: commitData}))

	req := &types.Request{
		ID:        id,
		StreamID:  streamID,
		CID:       tip,
		Status:    types.RequestStatus_Ready,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, h.repo.Create(context.Background(), req))
	return req
}

func defaultConfig() *config.Config {
	return &config.Config{
		MerkleDepthLimit: 2,
		MinStreamCount:   1,
	}
}

func TestAnchorEmptyBatch(t *testing.T) {
	h := newTestHarness(t, defaultConfig())

	require.NoError(t, h.service.AnchorReadyRequests(context.Background()))
	require.Equal(t, 0, h.ledger.callCount())
	require.Equal(t, 0, h.repo.AnchorCount())
}

func TestAnchorSingleLeaf(t *testing.T) {
	h := newTestHarness(t, defaultConfig())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req := h.createReadyRequest(t, "request-a", "kjz..A", base)

	require.NoError(t, h.service.AnchorReadyRequests(context.Background()))
	require.Equal(t, 1, h.ledger.callCount())

	stored := h.repo.GetRequest(req.ID)
	require.Equal(t, types.RequestStatus_Completed, stored.Status)
	require.True(t, stored.Pinned)

	anchor, err := h.repo.FindByRequest(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, anchor)
	require.Equal(t, "", anchor.Path)

	// The produced anchor commit yields a verifiable witness.
	archive, err := witness.Build(context.Background(), h.store, anchor.CID)
	require.NoError(t, err)
	returned, err := witness.Verify(archive)
	require.NoError(t, err)
	require.Equal(t, anchor.CID, returned)
}

func TestAnchorFullBatchDepthTwo(t *testing.T) {
	h := newTestHarness(t, defaultConfig())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	requests := make([]*types.Request, 5)
	for i := 0; i < 5; i++ {
		requests[i] = h.createReadyRequest(t,
			fmt.Sprintf("request-%d", i),
			fmt.Sprintf("kjzl-stream-%03d", i),
			base.Add(time.Duration(i)*time.Minute))
	}

	require.NoError(t, h.service.AnchorReadyRequests(context.Background()))
	require.Equal(t, 1, h.ledger.callCount())

	// The four earliest candidates are anchored in order; the fifth is
	// returned to the queue.
	expectedPaths := []string{"0/0", "0/1", "1/0", "1/1"}
	for i, want := range expectedPaths {
		stored := h.repo.GetRequest(requests[i].ID)
		require.Equal(t, types.RequestStatus_Completed, stored.Status, "request %d", i)

		anchor, err := h.repo.FindByRequest(context.Background(), requests[i])
		require.NoError(t, err)
		require.NotNil(t, anchor, "request %d", i)
		require.Equal(t, want, anchor.Path, "request %d", i)
	}

	overflow := h.repo.GetRequest(requests[4].ID)
	require.Equal(t, types.RequestStatus_Pending, overflow.Status)

	anchor, err := h.repo.FindByRequest(context.Background(), requests[4])
	require.NoError(t, err)
	require.Nil(t, anchor)
}

func TestAnchorAlreadyAnchored(t *testing.T) {
	h := newTestHarness(t, defaultConfig())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req := h.createReadyRequest(t, "request-a", "kjz..A", base)

	prior := &types.Anchor{RequestID: req.ID, Path: "0/1", ProofCID: req.CID, CID: req.CID}
	require.NoError(t, h.repo.WithTransaction(context.Background(), func(tx repository.ITransaction) error {
		return tx.CreateAnchors([]*types.Anchor{prior})
	}))

	require.NoError(t, h.service.AnchorReadyRequests(context.Background()))

	// Not included in any tree: the ledger was never touched.
	require.Equal(t, 0, h.ledger.callCount())

	stored := h.repo.GetRequest(req.ID)
	require.Equal(t, types.RequestStatus_Completed, stored.Status)
	require.True(t, stored.Pinned)
	require.Equal(t, caserrors.MessageAlreadyAnchored, stored.Message)
	require.Equal(t, 1, h.repo.AnchorCount())
}

func TestAnchorPerCandidatePublishFailure(t *testing.T) {
	cfg := defaultConfig()
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	inner := storeMemory.NewMemoryBlockStore()
	failing := &failingPublishStore{
		MemoryBlockStore: inner,
		failStreams:      map[string]bool{"kjzl-stream-001": true},
	}
	mock := &mockLedger{}
	logger := zap.NewNop()
	service := NewService(cfg, repo, repo, repo, failing, mock, nil,
		metrics.NewLogMetricService(logger), logger)

	h := &testHarness{cfg: cfg, repo: repo, store: inner, ledger: mock, service: service}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	requests := make([]*types.Request, 3)
	for i := 0; i < 3; i++ {
		requests[i] = h.createReadyRequest(t,
			fmt.Sprintf("request-%d", i),
			fmt.Sprintf("kjzl-stream-%03d", i),
			base.Add(time.Duration(i)*time.Minute))
	}

	require.NoError(t, service.AnchorReadyRequests(context.Background()))

	for _, i := range []int{0, 2} {
		stored := repo.GetRequest(requests[i].ID)
		require.Equal(t, types.RequestStatus_Completed, stored.Status, "request %d", i)

		anchor, err := repo.FindByRequest(context.Background(), requests[i])
		require.NoError(t, err)
		require.NotNil(t, anchor, "request %d", i)
	}

	failed := repo.GetRequest(requests[1].ID)
	require.Equal(t, types.RequestStatus_Failed, failed.Status)

	anchor, err := repo.FindByRequest(context.Background(), requests[1])
	require.NoError(t, err)
	require.Nil(t, anchor)
}

func TestAnchorLedgerFailureRevertsAndRetries(t *testing.T) {
	h := newTestHarness(t, defaultConfig())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	requests := make([]*types.Request, 2)
	for i := 0; i < 2; i++ {
		requests[i] = h.createReadyRequest(t,
			fmt.Sprintf("request-%d", i),
			fmt.Sprintf("kjzl-stream-%03d", i),
			base.Add(time.Duration(i)*time.Minute))
	}

	h.ledger.err = errors.New("ledger rejected transaction")
	err := h.service.AnchorReadyRequests(context.Background())
	require.Error(t, err)
	require.Equal(t, caserrors.KindLedger, caserrors.KindOf(err))

	for _, req := range requests {
		stored := h.repo.GetRequest(req.ID)
		require.Equal(t, types.RequestStatus_Pending, stored.Status)
	}
	require.Equal(t, 0, h.repo.AnchorCount())

	// Next batch retries and succeeds.
	h.ledger.err = nil
	_, err = h.repo.FindAndMarkReady(context.Background(), 0, 1)
	require.NoError(t, err)
	require.NoError(t, h.service.AnchorReadyRequests(context.Background()))

	for _, req := range requests {
		stored := h.repo.GetRequest(req.ID)
		require.Equal(t, types.RequestStatus_Completed, stored.Status)
	}
	require.Equal(t, 2, h.repo.AnchorCount())
}

func TestAnchorPersistFailureInvokesReconciliation(t *testing.T) {
	h := newTestHarness(t, defaultConfig())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.createReadyRequest(t, "request-a", "kjz..A", base)

	h.repo.TransactionErr = errors.New("database gone")

	var reconciled []*types.Anchor
	h.service.Reconcile = func(_ context.Context, anchors []*types.Anchor, _ error) {
		reconciled = anchors
	}

	err := h.service.AnchorReadyRequests(context.Background())
	require.Error(t, err)
	require.Equal(t, caserrors.KindPersist, caserrors.KindOf(err))
	require.Len(t, reconciled, 1)
	require.Equal(t, 0, h.repo.AnchorCount())
}

func TestAnchorBelowMinimumIsNoOp(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinStreamCount = 3
	h := newTestHarness(t, cfg)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.createReadyRequest(t, "request-a", "kjz..A", base)
	h.createReadyRequest(t, "request-b", "kjz..B", base.Add(time.Minute))

	require.NoError(t, h.service.AnchorReadyRequests(context.Background()))
	require.Equal(t, 0, h.ledger.callCount())
	require.Equal(t, types.RequestStatus_Ready, h.repo.GetRequest("request-a").Status)
}

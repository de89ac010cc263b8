package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	"github.com/Lexa-Bard/Ceramic/pkg/repository"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

func newTestRepository(t *testing.T) *BadgerRepository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir(), 30*time.Minute, 48*time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func createRequest(t *testing.T, repo *BadgerRepository, id string, status types.RequestStatus, createdAt time.Time) *types.Request {
	t.Helper()
	tip, err := blockstore.CidForData([]byte(id))
	require.NoError(t, err)

	req := &types.Request{
		ID:        id,
		StreamID:  "stream-" + id,
		CID:       tip,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, repo.Create(context.Background(), req))
	return req
}

func TestBatchProcessingClaimsEarliestFirst(t *testing.T) {
	repo := newTestRepository(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		createRequest(t, repo, fmt.Sprintf("request-%d", i), types.RequestStatus_Ready,
			base.Add(time.Duration(5-i)*time.Minute))
	}

	claimed, err := repo.BatchProcessing(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	// Earliest CreatedAt wins: request-4 has the smallest offset.
	require.Equal(t, "request-4", claimed[0].ID)
	require.Equal(t, "request-3", claimed[1].ID)
	require.Equal(t, "request-2", claimed[2].ID)

	for _, req := range claimed {
		require.Equal(t, types.RequestStatus_Processing, req.Status)
	}

	remaining, err := repo.CountByStatus(context.Background(), types.RequestStatus_Ready)
	require.NoError(t, err)
	require.Equal(t, 2, remaining)
}

func TestBatchProcessingRespectsMinimum(t *testing.T) {
	repo := newTestRepository(t)
	createRequest(t, repo, "request-a", types.RequestStatus_Ready, time.Now().UTC())

	claimed, err := repo.BatchProcessing(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	count, err := repo.CountByStatus(context.Background(), types.RequestStatus_Ready)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestConcurrentBatchProcessingNeverSharesARequest(t *testing.T) {
	repo := newTestRepository(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		createRequest(t, repo, fmt.Sprintf("request-%02d", i), types.RequestStatus_Ready,
			base.Add(time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[string]int)

	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := repo.BatchProcessing(context.Background(), 1, 5)
				if err != nil {
					// Badger reports write conflicts; the caller simply
					// retries and the claim stays exclusive.
					continue
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, req := range claimed {
					seen[req.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 20)
	for id, count := range seen {
		require.Equal(t, 1, count, "request %s claimed more than once", id)
	}
}

func TestFindAndMarkReady(t *testing.T) {
	repo := newTestRepository(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		createRequest(t, repo, fmt.Sprintf("request-%d", i), types.RequestStatus_Pending,
			base.Add(time.Duration(i)*time.Minute))
	}

	promoted, err := repo.FindAndMarkReady(context.Background(), 2, 1)
	require.NoError(t, err)
	require.Len(t, promoted, 2)

	ready, err := repo.CountByStatus(context.Background(), types.RequestStatus_Ready)
	require.NoError(t, err)
	require.Equal(t, 2, ready)
}

func TestUpdateRequestsAppliesPatch(t *testing.T) {
	repo := newTestRepository(t)
	req := createRequest(t, repo, "request-a", types.RequestStatus_Processing, time.Now().UTC())

	patch := types.RequestPatch{
		Status:  types.StatusPtr(types.RequestStatus_Failed),
		Message: types.StringPtr("commit could not be loaded"),
	}
	require.NoError(t, repo.UpdateRequests(context.Background(), patch, []*types.Request{req}))

	failed, err := repo.FindByStatus(context.Background(), types.RequestStatus_Failed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "commit could not be loaded", failed[0].Message)
}

func TestWithTransactionCommitsAnchorsAndTransitions(t *testing.T) {
	repo := newTestRepository(t)
	req := createRequest(t, repo, "request-a", types.RequestStatus_Processing, time.Now().UTC())

	anchor := &types.Anchor{RequestID: req.ID, Path: "0/1", ProofCID: req.CID, CID: req.CID}
	err := repo.WithTransaction(context.Background(), func(tx repository.ITransaction) error {
		if err := tx.CreateAnchors([]*types.Anchor{anchor}); err != nil {
			return err
		}
		patch := types.RequestPatch{
			Status: types.StatusPtr(types.RequestStatus_Completed),
			Pinned: types.BoolPtr(true),
		}
		return tx.UpdateRequests(patch, []*types.Request{req})
	})
	require.NoError(t, err)

	found, err := repo.FindByRequest(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "0/1", found.Path)

	completed, err := repo.FindByStatus(context.Background(), types.RequestStatus_Completed)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.True(t, completed[0].Pinned)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	repo := newTestRepository(t)
	req := createRequest(t, repo, "request-a", types.RequestStatus_Processing, time.Now().UTC())

	anchor := &types.Anchor{RequestID: req.ID, Path: "", ProofCID: req.CID, CID: req.CID}
	err := repo.WithTransaction(context.Background(), func(tx repository.ITransaction) error {
		if err := tx.CreateAnchors([]*types.Anchor{anchor}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	found, err := repo.FindByRequest(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestFindRequestsToGarbageCollect(t *testing.T) {
	repo := newTestRepository(t)

	old := time.Now().UTC().Add(-72 * time.Hour)
	tip, err := blockstore.CidForData([]byte("request-old"))
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), &types.Request{
		ID:        "request-old",
		StreamID:  "stream-request-old",
		CID:       tip,
		Status:    types.RequestStatus_Completed,
		Pinned:    true,
		CreatedAt: old,
		UpdatedAt: old,
	}))

	createRequest(t, repo, "request-fresh", types.RequestStatus_Completed, time.Now().UTC())

	expired, err := repo.FindRequestsToGarbageCollect(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "request-old", expired[0].ID)
}

func TestStreamMetadataRoundTrip(t *testing.T) {
	repo := newTestRepository(t)

	missing, err := repo.Load(context.Background(), "unknown-stream")
	require.NoError(t, err)
	require.Nil(t, missing)

	md := &types.StreamMetadata{Controllers: []string{"did:key:z6Mk"}, Family: "test"}
	require.NoError(t, repo.Save(context.Background(), "stream-a", md))

	loaded, err := repo.Load(context.Background(), "stream-a")
	require.NoError(t, err)
	require.Equal(t, md, loaded)
}

func TestUpdateExpiringReadyRequests(t *testing.T) {
	repo := newTestRepository(t)

	stale := time.Now().UTC().Add(-time.Hour)
	createRequest(t, repo, "request-stale", types.RequestStatus_Ready, stale)
	createRequest(t, repo, "request-fresh", types.RequestStatus_Ready, time.Now().UTC())

	count, err := repo.UpdateExpiringReadyRequests(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// The stale request fell back to PENDING; the fresh one kept READY.
	pending, err := repo.FindByStatus(context.Background(), types.RequestStatus_Pending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "request-stale", pending[0].ID)

	ready, err := repo.CountByStatus(context.Background(), types.RequestStatus_Ready)
	require.NoError(t, err)
	require.Equal(t, 1, ready)

	// A second pass finds nothing stale.
	count, err = repo.UpdateExpiringReadyRequests(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	storeMemory "github.com/Lexa-Bard/Ceramic/pkg/blockstore/memory"
	repoMemory "github.com/Lexa-Bard/Ceramic/pkg/repository/memory"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

func createTerminalRequest(t *testing.T, repo *repoMemory.MemoryRepository, store *storeMemory.MemoryBlockStore, id, streamID string, updatedAt time.Time) {
	t.Helper()
	ctx := context.Background()

	tip, err := blockstore.CidForData([]byte(id))
	require.NoError(t, err)
	streamCid, err := blockstore.StreamIDCid(streamID)
	require.NoError(t, err)

	_, err = store.PublishAnchorCommit(ctx, &blockstore.AnchorCommit{
		ID: streamCid, Prev: tip, Proof: tip, Path: "",
	}, streamID)
	require.NoError(t, err)

	require.NoError(t, repo.Create(ctx, &types.Request{
		ID:        id,
		StreamID:  streamID,
		CID:       tip,
		Status:    types.RequestStatus_Completed,
		Pinned:    true,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}))
}

func TestGarbageCollectPinnedStreams(t *testing.T) {
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	store := storeMemory.NewMemoryBlockStore()
	service := NewService(repo, store, zap.NewNop())

	old := time.Now().UTC().Add(-72 * time.Hour)
	fresh := time.Now().UTC()
	createTerminalRequest(t, repo, store, "request-old", "stream-old", old)
	createTerminalRequest(t, repo, store, "request-fresh", "stream-fresh", fresh)

	require.NoError(t, service.GarbageCollectPinnedStreams(context.Background()))

	require.Empty(t, store.PinnedCommits("stream-old"))
	require.NotEmpty(t, store.PinnedCommits("stream-fresh"))

	require.False(t, repo.GetRequest("request-old").Pinned)
	require.True(t, repo.GetRequest("request-fresh").Pinned)
}

func TestGarbageCollectNothingToDo(t *testing.T) {
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	store := storeMemory.NewMemoryBlockStore()
	service := NewService(repo, store, zap.NewNop())

	require.NoError(t, service.GarbageCollectPinnedStreams(context.Background()))
}

package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	repoMemory "github.com/Lexa-Bard/Ceramic/pkg/repository/memory"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

type fakeBus struct {
	events []*AnchorEvent
	err    error
}

func (f *fakeBus) Publish(_ context.Context, event *AnchorEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func createRequest(t *testing.T, repo *repoMemory.MemoryRepository, id string, status types.RequestStatus, updatedAt time.Time) {
	t.Helper()
	tip, err := blockstore.CidForData([]byte(id))
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), &types.Request{
		ID:        id,
		StreamID:  "stream-" + id,
		CID:       tip,
		Status:    status,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}))
}

func TestEmitIfReadyPromotesPending(t *testing.T) {
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	bus := &fakeBus{}
	emitter := NewEmitter(repo, bus, 0, 1, zap.NewNop())

	now := time.Now().UTC()
	createRequest(t, repo, "request-a", types.RequestStatus_Pending, now)
	createRequest(t, repo, "request-b", types.RequestStatus_Pending, now)

	require.NoError(t, emitter.EmitIfReady(context.Background()))
	require.Len(t, bus.events, 1)
	require.NotEmpty(t, bus.events[0].ID)

	ready, err := repo.CountByStatus(context.Background(), types.RequestStatus_Ready)
	require.NoError(t, err)
	require.Equal(t, 2, ready)
}

func TestEmitIfReadyNothingPending(t *testing.T) {
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	bus := &fakeBus{}
	emitter := NewEmitter(repo, bus, 0, 1, zap.NewNop())

	require.NoError(t, emitter.EmitIfReady(context.Background()))
	require.Empty(t, bus.events)
}

func TestEmitIfReadyFreshReadyBatchIsNotReannounced(t *testing.T) {
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	bus := &fakeBus{}
	emitter := NewEmitter(repo, bus, 0, 1, zap.NewNop())

	createRequest(t, repo, "request-a", types.RequestStatus_Ready, time.Now().UTC())

	require.NoError(t, emitter.EmitIfReady(context.Background()))
	require.Empty(t, bus.events)
}

func TestEmitIfReadyExpiredReadyBatchReemits(t *testing.T) {
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	bus := &fakeBus{}
	emitter := NewEmitter(repo, bus, 0, 1, zap.NewNop())

	stale := time.Now().UTC().Add(-time.Hour)
	createRequest(t, repo, "request-a", types.RequestStatus_Ready, stale)

	require.NoError(t, emitter.EmitIfReady(context.Background()))
	require.Len(t, bus.events, 1)

	// The expired request fell back to PENDING; the next invocation
	// re-promotes it and announces the retry.
	pending, err := repo.CountByStatus(context.Background(), types.RequestStatus_Pending)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	require.NoError(t, emitter.EmitIfReady(context.Background()))
	require.Len(t, bus.events, 2)

	// A freshly promoted READY batch is not announced a third time.
	require.NoError(t, emitter.EmitIfReady(context.Background()))
	require.Len(t, bus.events, 2)
}

func TestEmitIfReadySwallowsPublishFailure(t *testing.T) {
	repo := repoMemory.NewMemoryRepository(30*time.Minute, 48*time.Hour)
	bus := &fakeBus{err: fmt.Errorf("redis unavailable")}
	emitter := NewEmitter(repo, bus, 0, 1, zap.NewNop())

	createRequest(t, repo, "request-a", types.RequestStatus_Pending, time.Now().UTC())

	require.NoError(t, emitter.EmitIfReady(context.Background()))
	require.Empty(t, bus.events)
}

package gc

import (
	"context"

	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	"github.com/Lexa-Bard/Ceramic/pkg/repository"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// Service releases the pins of streams whose anchor requests reached a
// terminal state long enough ago.
type Service struct {
	requests repository.IRequestRepository
	pinning  blockstore.IPinningService
	logger   *zap.Logger
}

func NewService(requests repository.IRequestRepository, pinning blockstore.IPinningService, logger *zap.Logger) *Service {
	return &Service{
		requests: requests,
		pinning:  pinning,
		logger:   logger,
	}
}

// GarbageCollectPinnedStreams unpins every stream whose expired requests
// the repository reports, then marks those requests unpinned. A stream that
// fails to unpin is skipped and retried on the next run.
func (s *Service) GarbageCollectPinnedStreams(ctx context.Context) error {
	expired, err := s.requests.FindRequestsToGarbageCollect(ctx)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		s.logger.Info("Garbage collection: nothing to collect")
		return nil
	}

	byStream := make(map[string][]*types.Request)
	for _, req := range expired {
		byStream[req.StreamID] = append(byStream[req.StreamID], req)
	}

	collected := 0
	for streamID, requests := range byStream {
		if err := s.pinning.UnpinStream(ctx, streamID); err != nil {
			s.logger.Sugar().Warnw("Failed to unpin stream, will retry next run",
				"streamId", streamID,
				"error", err,
			)
			continue
		}

		patch := types.RequestPatch{Pinned: types.BoolPtr(false)}
		if err := s.requests.UpdateRequests(ctx, patch, requests); err != nil {
			return err
		}
		collected++
	}

	s.logger.Sugar().Infow("Garbage collection finished",
		"streams", collected,
		"requests", len(expired),
	)
	return nil
}

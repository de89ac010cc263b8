package anchor

import (
	"context"
	"sort"

	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// buildCandidates groups claimed requests by stream, loads stream metadata,
// classifies each group's requests, and returns the candidates sorted by
// (earliest request date, stream id).
func (s *Service) buildCandidates(ctx context.Context, requests []*types.Request) []*types.Candidate {
	byStream := make(map[string][]*types.Request)
	order := make([]string, 0)
	for _, req := range requests {
		if _, seen := byStream[req.StreamID]; !seen {
			order = append(order, req.StreamID)
		}
		byStream[req.StreamID] = append(byStream[req.StreamID], req)
	}

	candidates := make([]*types.Candidate, 0, len(order))
	for _, streamID := range order {
		candidates = append(candidates, s.buildCandidate(ctx, streamID, byStream[streamID]))
	}

	sort.Slice(candidates, func(i, j int) bool {
		di, dj := candidates[i].EarliestRequestDate(), candidates[j].EarliestRequestDate()
		if di.Equal(dj) {
			return candidates[i].StreamID < candidates[j].StreamID
		}
		return di.Before(dj)
	})
	return candidates
}

// buildCandidate classifies one stream's requests. With stream loading off
// (the default), or with no stream loader set, every request is accepted and
// the newest accepted request's commit becomes the tip. With stream loading on, the stream
// network's resolved log decides: commits absent from the log are conflict
// rejections, and the log tip is anchored.
func (s *Service) buildCandidate(ctx context.Context, streamID string, requests []*types.Request) *types.Candidate {
	builder := types.NewCandidateBuilder(streamID, requests)

	metadata, err := s.metadata.Load(ctx, streamID)
	if err != nil {
		s.logger.Sugar().Warnw("Failed to load stream metadata",
			"streamId", streamID,
			"error", err,
		)
	}
	builder.WithMetadata(metadata)

	if !s.config.LoadStreams || s.streamLoader == nil {
		var newest *types.Request
		for _, req := range requests {
			builder.Accept(req)
			if newest == nil || req.CreatedAt.After(newest.CreatedAt) {
				newest = req
			}
		}
		builder.SetTip(newest.CID)
		return builder.Build()
	}

	state, err := s.streamLoader.LoadStream(ctx, streamID)
	if err != nil {
		s.logger.Sugar().Warnw("Failed to load stream",
			"streamId", streamID,
			"error", err,
		)
		for _, req := range requests {
			builder.Fail(req)
		}
		return builder.Build()
	}

	for _, req := range requests {
		if state.IncludesCommit(req.CID) {
			builder.Accept(req)
		} else {
			builder.Reject(req)
		}
	}
	if tip, err := state.Tip(); err == nil {
		builder.SetTip(tip)
	}
	return builder.Build()
}

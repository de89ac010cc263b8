package anchor

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	"github.com/Lexa-Bard/Ceramic/pkg/caserrors"
	"github.com/Lexa-Bard/Ceramic/pkg/ceramic"
	"github.com/Lexa-Bard/Ceramic/pkg/config"
	"github.com/Lexa-Bard/Ceramic/pkg/ledger"
	"github.com/Lexa-Bard/Ceramic/pkg/merkle"
	"github.com/Lexa-Bard/Ceramic/pkg/metrics"
	"github.com/Lexa-Bard/Ceramic/pkg/repository"
	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// publishRatePerSecond paces the per-candidate anchor commit publish loop
// so a large batch does not saturate the block store's write path.
const publishRatePerSecond = 50

// ReconciliationHook is invoked when the final persist transaction fails
// after anchors were already published on chain and to the block store.
// Database state was rolled back; external state was not.
type ReconciliationHook func(ctx context.Context, anchors []*types.Anchor, persistErr error)

// Service is the anchor batch orchestrator: it claims READY requests,
// groups them into candidates, builds the merkle tree, commits the root on
// chain, publishes proof and anchor commits, and persists the results.
type Service struct {
	config       *config.Config
	requests     repository.IRequestRepository
	anchors      repository.IAnchorRepository
	metadata     repository.IMetadataRepository
	store        blockstore.IBlockStore
	ledger       ledger.ILedgerService
	streamLoader ceramic.IStreamLoader
	metrics      metrics.IMetricService
	logger       *zap.Logger

	publishLimiter *rate.Limiter

	// Reconcile handles persist failures that follow external side
	// effects. Defaults to logging the orphaned anchors.
	Reconcile ReconciliationHook
}

func NewService(
	cfg *config.Config,
	requests repository.IRequestRepository,
	anchors repository.IAnchorRepository,
	metadata repository.IMetadataRepository,
	store blockstore.IBlockStore,
	ledgerService ledger.ILedgerService,
	streamLoader ceramic.IStreamLoader,
	metricService metrics.IMetricService,
	logger *zap.Logger,
) *Service {
	s := &Service{
		config:         cfg,
		requests:       requests,
		anchors:        anchors,
		metadata:       metadata,
		store:          store,
		ledger:         ledgerService,
		streamLoader:   streamLoader,
		metrics:        metricService,
		logger:         logger,
		publishLimiter: rate.NewLimiter(rate.Limit(publishRatePerSecond), publishRatePerSecond),
	}
	s.Reconcile = s.logOrphanedAnchors
	return s
}

// AnchorReadyRequests executes one anchor batch end to end, or a no-op if
// too few eligible requests exist. It returns only after all durable state
// reflects the batch outcome.
func (s *Service) AnchorReadyRequests(ctx context.Context) error {
	claimed, err := s.requests.BatchProcessing(ctx, s.config.MinStreamCountOrDefault(), s.config.MaxStreamCountOrDefault())
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		s.logger.Info("Anchor batch: no eligible requests")
		return nil
	}
	s.logger.Sugar().Infow("Anchor batch: claimed requests", "count", len(claimed))

	candidates := s.buildCandidates(ctx, claimed)

	selection, err := s.selectCandidates(ctx, candidates)
	if err != nil {
		return s.revertToPending(ctx, candidates, err)
	}

	if err := s.updateNonSelectedRequests(ctx, selection); err != nil {
		return s.revertToPending(ctx, selection.toAnchor, err)
	}

	if len(selection.toAnchor) == 0 {
		s.metrics.Count(metrics.MetricEmptyBatch, 1)
		s.logger.Info("Anchor batch: no anchor-eligible candidates remain")
		return nil
	}

	tree, err := merkle.Build(ctx, s.store, selection.toAnchor, s.config.MerkleDepthLimit)
	if err != nil {
		s.metrics.Count(metrics.MetricMerkleBuildFailure, 1)
		return s.revertToPending(ctx, selection.toAnchor,
			caserrors.WithKind(caserrors.KindMerkleBuild, err, "merkle build failed"))
	}

	// Only one root submission may be in flight per ledger account; the
	// ledger service's mutex serializes concurrent batches here.
	tx, err := s.ledger.SendTransaction(ctx, tree.Root())
	if err != nil {
		s.metrics.Count(metrics.MetricLedgerFailure, 1)
		return s.revertToPending(ctx, selection.toAnchor,
			caserrors.WithKind(caserrors.KindLedger, err, "ledger submission failed"))
	}

	proofCid, err := s.publishProof(ctx, tree, tx)
	if err != nil {
		s.metrics.Count(metrics.MetricProofPublishFail, 1)
		return s.revertToPending(ctx, selection.toAnchor,
			caserrors.WithKind(caserrors.KindProofPublish, err, "proof publication failed"))
	}

	anchors, anchored := s.publishAnchorCommits(ctx, tree, proofCid)

	if err := s.persist(ctx, anchors, anchored); err != nil {
		s.metrics.Count(metrics.MetricPersistFailure, 1)
		wrapped := caserrors.WithKind(caserrors.KindPersist, err, "batch persist failed")
		s.Reconcile(ctx, anchors, wrapped)
		return wrapped
	}

	s.metrics.Count(metrics.MetricAnchorSuccess, 1)
	s.logger.Sugar().Infow("Anchor batch complete",
		"candidates", len(selection.toAnchor),
		"anchored", len(anchored),
		"txHash", tx.TxHash.Hex(),
		"blockNumber", tx.BlockNumber,
	)
	return nil
}

// batchSelection partitions candidates by their fate in this batch.
// selected is the full capped set; its candidates' failed and rejected
// requests are transitioned even when nothing in the candidate was
// accepted, so no request is left behind in PROCESSING.
type batchSelection struct {
	selected        []*types.Candidate
	toAnchor        []*types.Candidate
	alreadyAnchored []*types.Candidate
	unprocessed     []*types.Candidate
}

// selectCandidates applies the batch cap and drops candidates whose newest
// accepted request already has an anchor.
func (s *Service) selectCandidates(ctx context.Context, candidates []*types.Candidate) (*batchSelection, error) {
	selection := &batchSelection{}

	limit := s.config.StreamCountLimit()
	selected := candidates
	if limit > 0 && len(candidates) > limit {
		selected = candidates[:limit]
		selection.unprocessed = candidates[limit:]
	}
	selection.selected = selected

	for _, candidate := range selected {
		newest := candidate.NewestAcceptedRequest()
		if newest == nil {
			// Nothing accepted; the candidate stays in selected so its
			// rejected/failed requests are still transitioned below.
			continue
		}
		prior, err := s.anchors.FindByRequest(ctx, newest)
		if err != nil {
			return selection, err
		}
		if prior != nil {
			selection.alreadyAnchored = append(selection.alreadyAnchored, candidate)
			continue
		}
		selection.toAnchor = append(selection.toAnchor, candidate)
	}
	return selection, nil
}

// updateNonSelectedRequests transitions every request that will not be
// anchored in this batch: load failures, conflict rejections, already
// anchored streams, and the unprocessed overflow.
func (s *Service) updateNonSelectedRequests(ctx context.Context, selection *batchSelection) error {
	var failed, conflicting, anchored, unprocessed []*types.Request

	for _, candidate := range selection.selected {
		failed = append(failed, candidate.FailedRequests...)
		conflicting = append(conflicting, candidate.RejectedRequests...)
	}

	for _, candidate := range selection.alreadyAnchored {
		anchored = append(anchored, candidate.AcceptedRequests...)
	}
	for _, candidate := range selection.unprocessed {
		unprocessed = append(unprocessed, candidate.Requests...)
	}

	if len(failed) > 0 {
		patch := types.RequestPatch{
			Status:  types.StatusPtr(types.RequestStatus_Failed),
			Message: types.StringPtr(caserrors.MessageCommitLoadFailed),
		}
		if err := s.requests.UpdateRequests(ctx, patch, failed); err != nil {
			return err
		}
		s.metrics.Count(metrics.MetricFailedRequests, len(failed))
	}

	if len(conflicting) > 0 {
		patch := types.RequestPatch{
			Status:  types.StatusPtr(types.RequestStatus_Failed),
			Message: types.StringPtr(caserrors.MessageConflictRejection),
		}
		if err := s.requests.UpdateRequests(ctx, patch, conflicting); err != nil {
			return err
		}
		s.metrics.Count(metrics.MetricConflictingRequest, len(conflicting))
	}

	if len(anchored) > 0 {
		patch := types.RequestPatch{
			Status:  types.StatusPtr(types.RequestStatus_Completed),
			Message: types.StringPtr(caserrors.MessageAlreadyAnchored),
			Pinned:  types.BoolPtr(true),
		}
		if err := s.requests.UpdateRequests(ctx, patch, anchored); err != nil {
			return err
		}
		s.metrics.Count(metrics.MetricAlreadyAnchored, len(anchored))
	}

	if len(unprocessed) > 0 {
		patch := types.RequestPatch{
			Status: types.StatusPtr(types.RequestStatus_Pending),
		}
		if err := s.requests.UpdateRequests(ctx, patch, unprocessed); err != nil {
			return err
		}
		s.metrics.Count(metrics.MetricUnprocessed, len(unprocessed))
	}

	return nil
}

// publishProof writes the proof block tying the merkle root to the
// transaction.
func (s *Service) publishProof(ctx context.Context, tree *merkle.Tree, tx *types.Transaction) (cid.Cid, error) {
	txHashCid, err := blockstore.TxHashCid(tx.TxHash)
	if err != nil {
		return cid.Undef, err
	}

	proof := &blockstore.Proof{
		BlockNumber:    tx.BlockNumber,
		BlockTimestamp: tx.BlockTimestamp,
		Root:           tree.Root(),
		ChainID:        tx.Chain,
		TxHash:         txHashCid,
	}
	if s.config.UseSmartContractAnchors {
		proof.TxType = ledger.TxTypeFunctionBytes32
	}

	proofRecordCid, data, err := blockstore.EncodeProof(proof)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.store.Put(ctx, blockstore.Block{Cid: proofRecordCid, Data: data}); err != nil {
		return cid.Undef, err
	}
	return proofRecordCid, nil
}

// publishAnchorCommits publishes one anchor commit per leaf in tree order.
// A per-candidate failure marks that candidate's accepted requests FAILED
// and continues; it does not abort the batch.
func (s *Service) publishAnchorCommits(ctx context.Context, tree *merkle.Tree, proofCid cid.Cid) ([]*types.Anchor, []*types.Request) {
	var anchors []*types.Anchor
	var anchored []*types.Request

	for i, candidate := range tree.Candidates() {
		path, err := tree.PathTo(i)
		if err != nil {
			s.failCandidate(ctx, candidate, err)
			continue
		}

		streamCid, err := blockstore.StreamIDCid(candidate.StreamID)
		if err != nil {
			s.failCandidate(ctx, candidate, err)
			continue
		}

		commit := &blockstore.AnchorCommit{
			ID:    streamCid,
			Prev:  candidate.CID,
			Proof: proofCid,
			Path:  path,
		}

		if err := s.publishLimiter.Wait(ctx); err != nil {
			s.failCandidate(ctx, candidate, err)
			continue
		}
		commitCid, err := s.store.PublishAnchorCommit(ctx, commit, candidate.StreamID)
		if err == nil && !commitCid.Defined() {
			err = errors.New("block store returned an undefined commit cid")
		}
		if err != nil {
			s.failCandidate(ctx, candidate, caserrors.WithKind(caserrors.KindAnchorCommitPublish, err, "anchor commit publish failed"))
			continue
		}

		for _, req := range candidate.AcceptedRequests {
			anchors = append(anchors, &types.Anchor{
				RequestID: req.ID,
				ProofCID:  proofCid,
				Path:      path,
				CID:       commitCid,
			})
		}
		anchored = append(anchored, candidate.AcceptedRequests...)
	}

	return anchors, anchored
}

// persist writes the batch outcome in one repeatable-read transaction:
// anchor records plus the COMPLETED transitions.
func (s *Service) persist(ctx context.Context, anchors []*types.Anchor, anchored []*types.Request) error {
	return s.requests.WithTransaction(ctx, func(tx repository.ITransaction) error {
		if err := tx.CreateAnchors(anchors); err != nil {
			return err
		}
		patch := types.RequestPatch{
			Status: types.StatusPtr(types.RequestStatus_Completed),
			Pinned: types.BoolPtr(true),
		}
		return tx.UpdateRequests(patch, anchored)
	})
}

// failCandidate marks a candidate's accepted requests FAILED after a
// per-candidate publish failure. The batch continues.
func (s *Service) failCandidate(ctx context.Context, candidate *types.Candidate, cause error) {
	s.logger.Sugar().Warnw("Anchor commit publish failed for candidate",
		"streamId", candidate.StreamID,
		"error", cause,
	)
	s.metrics.Count(metrics.MetricCommitPublishFail, 1)

	patch := types.RequestPatch{
		Status:  types.StatusPtr(types.RequestStatus_Failed),
		Message: types.StringPtr(cause.Error()),
	}
	if err := s.requests.UpdateRequests(ctx, patch, candidate.AcceptedRequests); err != nil {
		s.logger.Sugar().Errorw("Failed to mark candidate requests failed",
			"streamId", candidate.StreamID,
			"error", err,
		)
	}
}

// revertToPending hands every still-accepted request back to the queue
// after a fatal pre-persist failure, then re-raises the original error.
func (s *Service) revertToPending(ctx context.Context, candidates []*types.Candidate, cause error) error {
	var accepted []*types.Request
	for _, candidate := range candidates {
		accepted = append(accepted, candidate.AcceptedRequests...)
	}
	if len(accepted) > 0 {
		patch := types.RequestPatch{
			Status: types.StatusPtr(types.RequestStatus_Pending),
		}
		if err := s.requests.UpdateRequests(ctx, patch, accepted); err != nil {
			s.logger.Sugar().Errorw("Failed to revert requests to pending",
				"count", len(accepted),
				"error", err,
			)
		}
	}
	s.logger.Sugar().Errorw("Anchor batch failed", "error", cause)
	return cause
}

// logOrphanedAnchors is the default reconciliation hook: on-chain and
// block-store state exist for these anchors but the database does not know
// about them.
func (s *Service) logOrphanedAnchors(_ context.Context, anchors []*types.Anchor, persistErr error) {
	ids := make([]string, 0, len(anchors))
	for _, anchor := range anchors {
		ids = append(ids, anchor.RequestID)
	}
	s.logger.Sugar().Errorw("Batch persist failed after external side effects; manual reconciliation required",
		"requestIds", ids,
		"error", persistErr,
	)
}

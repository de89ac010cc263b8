package metrics

import "go.uber.org/zap"

// Counter names mirror the batch failure taxonomy plus the happy-path
// classification counts.
const (
	MetricAnchorSuccess      = "anchor_success"
	MetricAcceptedRequests   = "accepted_requests"
	MetricAlreadyAnchored    = "already_anchored"
	MetricConflictingRequest = "conflicting_requests"
	MetricFailedRequests     = "failed_requests"
	MetricUnprocessed        = "unprocessed_requests"
	MetricMerkleBuildFailure = "merkle_build_failure"
	MetricLedgerFailure      = "ledger_failure"
	MetricProofPublishFail   = "proof_publish_failure"
	MetricCommitPublishFail  = "anchor_commit_publish_failure"
	MetricPersistFailure     = "persist_failure"
	MetricEmptyBatch         = "empty_batch"
)

// IMetricService is the metric emission capability handed to the
// orchestrator. Transport is out of scope for the core; the default
// implementation logs counters.
type IMetricService interface {
	Count(name string, n int)
}

// LogMetricService emits counters as structured log lines.
type LogMetricService struct {
	logger *zap.Logger
}

func NewLogMetricService(logger *zap.Logger) *LogMetricService {
	return &LogMetricService{logger: logger}
}

func (l *LogMetricService) Count(name string, n int) {
	if n == 0 {
		return
	}
	l.logger.Sugar().Infow("metric", "name", name, "count", n)
}

var _ IMetricService = (*LogMetricService)(nil)

package caserrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a batch failure. The orchestrator wraps merkle build,
// ledger submission, proof publication, anchor commit publication and
// persist failures with exactly one kind; repository errors raised while
// claiming, selecting and classifying requests are returned without a kind.
// Metric counters mirror the kinds.
type Kind string

const (
	KindRequestLoad         Kind = "request_load"
	KindConflictRejection   Kind = "conflict_rejection"
	KindBatchOverflow       Kind = "batch_overflow"
	KindMerkleBuild         Kind = "merkle_build"
	KindLedger              Kind = "ledger"
	KindProofPublish        Kind = "proof_publish"
	KindAnchorCommitPublish Kind = "anchor_commit_publish"
	KindPersist             Kind = "persist"
)

// Request status messages written back to the database. These are part of
// the service's observable surface; clients match on them.
const (
	MessageCommitLoadFailed  = "commit could not be loaded"
	MessageConflictRejection = "commit rejected by conflict resolution"
	MessageAlreadyAnchored   = "already anchored"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// WithKind wraps err with a failure kind, preserving the original chain.
func WithKind(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

// KindOf returns the failure kind attached to err, or "" if none.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// InvalidWitnessError reports a structural defect found while verifying a
// witness archive. Reason is surfaced to the caller verbatim.
type InvalidWitnessError struct {
	Reason string
}

func (e *InvalidWitnessError) Error() string {
	return fmt.Sprintf("invalid witness: %s", e.Reason)
}

func NewInvalidWitness(format string, args ...interface{}) *InvalidWitnessError {
	return &InvalidWitnessError{Reason: fmt.Sprintf(format, args...)}
}

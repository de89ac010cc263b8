package types

import (
	"time"

	"github.com/ipfs/go-cid"
)

// Candidate is one stream's requests grouped for a batch, classified into
// disjoint accepted/rejected/failed partitions. Candidates are built once by
// CandidateBuilder and never mutated afterwards; the orchestrator works on
// the finished record.
type Candidate struct {
	StreamID string
	Metadata *StreamMetadata

	// CID is the commit chosen as the stream tip to anchor.
	CID cid.Cid

	Requests         []*Request
	AcceptedRequests []*Request
	RejectedRequests []*Request
	FailedRequests   []*Request

	AlreadyAnchored bool
}

// NewestAcceptedRequest returns the accepted request with the greatest
// CreatedAt, or nil if nothing was accepted.
func (c *Candidate) NewestAcceptedRequest() *Request {
	var newest *Request
	for _, r := range c.AcceptedRequests {
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	return newest
}

// EarliestRequestDate returns the smallest CreatedAt across all requests.
// Candidates are ordered into the merkle tree by this date.
func (c *Candidate) EarliestRequestDate() time.Time {
	var earliest time.Time
	for i, r := range c.Requests {
		if i == 0 || r.CreatedAt.Before(earliest) {
			earliest = r.CreatedAt
		}
	}
	return earliest
}

// CandidateBuilder assembles an immutable Candidate from staged
// classification decisions.
type CandidateBuilder struct {
	streamID string
	metadata *StreamMetadata
	tip      cid.Cid
	requests []*Request
	accepted []*Request
	rejected []*Request
	failed   []*Request
	anchored bool
}

func NewCandidateBuilder(streamID string, requests []*Request) *CandidateBuilder {
	return &CandidateBuilder{streamID: streamID, requests: requests}
}

func (b *CandidateBuilder) WithMetadata(md *StreamMetadata) *CandidateBuilder {
	b.metadata = md
	return b
}

// SetTip records the commit that will be anchored for this stream.
func (b *CandidateBuilder) SetTip(tip cid.Cid) *CandidateBuilder {
	b.tip = tip
	return b
}

func (b *CandidateBuilder) Accept(r *Request) *CandidateBuilder {
	b.accepted = append(b.accepted, r)
	return b
}

func (b *CandidateBuilder) Reject(r *Request) *CandidateBuilder {
	b.rejected = append(b.rejected, r)
	return b
}

func (b *CandidateBuilder) Fail(r *Request) *CandidateBuilder {
	b.failed = append(b.failed, r)
	return b
}

func (b *CandidateBuilder) MarkAlreadyAnchored() *CandidateBuilder {
	b.anchored = true
	return b
}

// Build freezes the classification. Every request ends up in at most one of
// the accepted/rejected/failed partitions.
func (b *CandidateBuilder) Build() *Candidate {
	return &Candidate{
		StreamID:         b.streamID,
		Metadata:         b.metadata,
		CID:              b.tip,
		Requests:         append([]*Request(nil), b.requests...),
		AcceptedRequests: append([]*Request(nil), b.accepted...),
		RejectedRequests: append([]*Request(nil), b.rejected...),
		FailedRequests:   append([]*Request(nil), b.failed...),
		AlreadyAnchored:  b.anchored,
	}
}

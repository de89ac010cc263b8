package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
)

// RequestStatus is the lifecycle state of an anchor request.
// Wire values match the original service's database enum and must not be
// reordered.
type RequestStatus uint8

const (
	RequestStatus_Pending RequestStatus = iota
	RequestStatus_Processing
	RequestStatus_Ready
	RequestStatus_Failed
	RequestStatus_Completed
)

func (s RequestStatus) String() string {
	switch s {
	case RequestStatus_Pending:
		return "PENDING"
	case RequestStatus_Processing:
		return "PROCESSING"
	case RequestStatus_Ready:
		return "READY"
	case RequestStatus_Failed:
		return "FAILED"
	case RequestStatus_Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Request is one client ask to anchor a specific commit of a stream.
// A request is PROCESSING for at most one in-flight batch; ownership is
// taken by the atomic READY->PROCESSING claim in the request repository.
type Request struct {
	ID        string        `json:"id"`
	StreamID  string        `json:"streamId"`
	CID       cid.Cid       `json:"cid"`
	Status    RequestStatus `json:"status"`
	Message   string        `json:"message"`
	Pinned    bool          `json:"pinned"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// RequestPatch is a partial update applied to a set of requests in one
// repository call. Nil fields are left untouched.
type RequestPatch struct {
	Status  *RequestStatus
	Message *string
	Pinned  *bool
}

// StreamMetadata is the per-stream header needed to build a merkle leaf.
type StreamMetadata struct {
	Controllers []string `json:"controllers"`
	SchemaID    string   `json:"schema,omitempty"`
	Family      string   `json:"family,omitempty"`
}

// Transaction is the receipt of one on-chain root submission.
// Chain is a CAIP-2 identifier, e.g. "eip155:1".
type Transaction struct {
	TxHash         common.Hash `json:"txHash"`
	BlockNumber    int64       `json:"blockNumber"`
	BlockTimestamp int64       `json:"blockTimestamp"`
	Chain          string      `json:"chain"`
}

// Anchor is the persisted record of one published anchor commit.
type Anchor struct {
	RequestID string  `json:"requestId"`
	ProofCID  cid.Cid `json:"proofCid"`
	Path      string  `json:"path"`
	CID       cid.Cid `json:"cid"`
}

func StatusPtr(s RequestStatus) *RequestStatus { return &s }
func StringPtr(s string) *string               { return &s }
func BoolPtr(b bool) *bool                     { return &b }

package blockstore

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// All stored records are encoded with canonical CBOR so that the same record
// always yields the same bytes, and therefore the same CID, on every run.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// AnchorCommit binds a stream's tip to an on-chain proof via a merkle path.
type AnchorCommit struct {
	ID    cid.Cid
	Prev  cid.Cid
	Proof cid.Cid
	Path  string
}

// Proof ties a merkle root to a specific on-chain transaction.
// TxType is "f(bytes32)" when the root was anchored through the smart
// contract method, empty otherwise.
type Proof struct {
	BlockNumber    int64
	BlockTimestamp int64
	Root           cid.Cid
	ChainID        string
	TxHash         cid.Cid
	TxType         string
}

type anchorCommitWire struct {
	ID    []byte `cbor:"id"`
	Path  string `cbor:"path"`
	Prev  []byte `cbor:"prev"`
	Proof []byte `cbor:"proof"`
}

type proofWire struct {
	BlockNumber    int64  `cbor:"blockNumber"`
	BlockTimestamp int64  `cbor:"blockTimestamp"`
	ChainID        string `cbor:"chainId"`
	Root           []byte `cbor:"root"`
	TxHash         []byte `cbor:"txHash"`
	TxType         string `cbor:"txType,omitempty"`
}

// TreeMetadata is the aggregate stored alongside an internal merkle node:
// the stream ids of the subtree plus a bloom filter over them.
type TreeMetadata struct {
	StreamIDs []string `cbor:"streamIds"`
	Bloom     []byte   `cbor:"bloom"`
}

func (c *AnchorCommit) wire() *anchorCommitWire {
	return &anchorCommitWire{
		ID:    c.ID.Bytes(),
		Path:  c.Path,
		Prev:  c.Prev.Bytes(),
		Proof: c.Proof.Bytes(),
	}
}

// EncodeAnchorCommit returns the commit's canonical block bytes and CID.
func EncodeAnchorCommit(c *AnchorCommit) (cid.Cid, []byte, error) {
	return encodeRecord(c.wire())
}

func DecodeAnchorCommit(data []byte) (*AnchorCommit, error) {
	var w anchorCommitWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode anchor commit: %w", err)
	}
	id, err := cid.Cast(w.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid anchor commit id: %w", err)
	}
	prev, err := cid.Cast(w.Prev)
	if err != nil {
		return nil, fmt.Errorf("invalid anchor commit prev: %w", err)
	}
	proof, err := cid.Cast(w.Proof)
	if err != nil {
		return nil, fmt.Errorf("invalid anchor commit proof: %w", err)
	}
	return &AnchorCommit{ID: id, Prev: prev, Proof: proof, Path: w.Path}, nil
}

// EncodeProof returns the proof's canonical block bytes and CID.
func EncodeProof(p *Proof) (cid.Cid, []byte, error) {
	return encodeRecord(&proofWire{
		BlockNumber:    p.BlockNumber,
		BlockTimestamp: p.BlockTimestamp,
		ChainID:        p.ChainID,
		Root:           p.Root.Bytes(),
		TxHash:         p.TxHash.Bytes(),
		TxType:         p.TxType,
	})
}

func DecodeProof(data []byte) (*Proof, error) {
	var w proofWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode proof: %w", err)
	}
	root, err := cid.Cast(w.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid proof root: %w", err)
	}
	txHash, err := cid.Cast(w.TxHash)
	if err != nil {
		return nil, fmt.Errorf("invalid proof txHash: %w", err)
	}
	return &Proof{
		BlockNumber:    w.BlockNumber,
		BlockTimestamp: w.BlockTimestamp,
		ChainID:        w.ChainID,
		Root:           root,
		TxHash:         txHash,
		TxType:         w.TxType,
	}, nil
}

// EncodeTreeNode serializes an internal merkle node as the tuple
// [leftCID, rightCID] or [leftCID, rightCID, metadataCID].
func EncodeTreeNode(left, right cid.Cid, metadata *cid.Cid) (cid.Cid, []byte, error) {
	tuple := [][]byte{left.Bytes(), right.Bytes()}
	if metadata != nil {
		tuple = append(tuple, metadata.Bytes())
	}
	return encodeRecord(tuple)
}

// DecodeTreeNode parses an internal node tuple back into child CIDs.
// The returned slice has 2 or 3 elements; indexes 0 and 1 are the walkable
// children.
func DecodeTreeNode(data []byte) ([]cid.Cid, error) {
	var tuple [][]byte
	if err := cbor.Unmarshal(data, &tuple); err != nil {
		return nil, fmt.Errorf("failed to decode tree node: %w", err)
	}
	if len(tuple) < 2 || len(tuple) > 3 {
		return nil, fmt.Errorf("tree node has %d elements, want 2 or 3", len(tuple))
	}
	cids := make([]cid.Cid, len(tuple))
	for i, raw := range tuple {
		c, err := cid.Cast(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid tree node child %d: %w", i, err)
		}
		cids[i] = c
	}
	return cids, nil
}

// EncodeRecord canonically encodes an arbitrary record and computes its CID.
func EncodeRecord(record interface{}) (cid.Cid, []byte, error) {
	return encodeRecord(record)
}

func encodeRecord(record interface{}) (cid.Cid, []byte, error) {
	data, err := encMode.Marshal(record)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("failed to encode record: %w", err)
	}
	c, err := CidForData(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}

// CidForData computes the CIDv1 (dag-cbor, sha2-256) of a block payload.
func CidForData(data []byte) (cid.Cid, error) {
	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.DagCBOR,
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := prefix.Sum(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash block: %w", err)
	}
	return c, nil
}

// TxHashCid wraps a raw 32-byte transaction hash as an eth-tx CID over its
// keccak-256 multihash, so the proof block references the transaction the
// same way the rest of the graph references blocks.
func TxHashCid(hash common.Hash) (cid.Cid, error) {
	digest, err := mh.Encode(hash.Bytes(), mh.KECCAK_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to wrap tx hash: %w", err)
	}
	return cid.NewCidV1(cid.EthTx, digest), nil
}

// StreamIDCid resolves a stream id to the CID used as the anchor commit's
// id field. Stream ids that are themselves CID strings resolve directly;
// anything else is addressed by hashing the id bytes under the raw codec.
func StreamIDCid(streamID string) (cid.Cid, error) {
	if c, err := cid.Decode(streamID); err == nil {
		return c, nil
	}
	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := prefix.Sum([]byte(streamID))
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to derive stream id cid: %w", err)
	}
	return c, nil
}

package blockstore

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func testCid(t *testing.T, seed string) cid.Cid {
	t.Helper()
	c, err := CidForData([]byte(seed))
	require.NoError(t, err)
	return c
}

func TestAnchorCommitRoundTrip(t *testing.T) {
	commit := &AnchorCommit{
		ID:    testCid(t, "stream"),
		Prev:  testCid(t, "tip"),
		Proof: testCid(t, "proof"),
		Path:  "0/1/1",
	}

	c, data, err := EncodeAnchorCommit(commit)
	require.NoError(t, err)
	require.True(t, c.Defined())

	decoded, err := DecodeAnchorCommit(data)
	require.NoError(t, err)
	require.Equal(t, commit, decoded)

	// Same record, same bytes, same CID.
	c2, data2, err := EncodeAnchorCommit(commit)
	require.NoError(t, err)
	require.Equal(t, c, c2)
	require.Equal(t, data, data2)
}

func TestAnchorCommitEmptyPath(t *testing.T) {
	commit := &AnchorCommit{
		ID:    testCid(t, "stream"),
		Prev:  testCid(t, "tip"),
		Proof: testCid(t, "proof"),
		Path:  "",
	}

	_, data, err := EncodeAnchorCommit(commit)
	require.NoError(t, err)

	decoded, err := DecodeAnchorCommit(data)
	require.NoError(t, err)
	require.Equal(t, "", decoded.Path)
}

func TestDecodeAnchorCommitRejectsGarbage(t *testing.T) {
	_, err := DecodeAnchorCommit([]byte("not cbor at all"))
	require.Error(t, err)
}

func TestProofRoundTrip(t *testing.T) {
	txHash, err := TxHashCid(common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
	require.NoError(t, err)

	testCases := []struct {
		name   string
		txType string
	}{
		{"raw transaction", ""},
		{"smart contract anchor", "f(bytes32)"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			proof := &Proof{
				BlockNumber:    19284732,
				BlockTimestamp: 1709290800,
				Root:           testCid(t, "root"),
				ChainID:        "eip155:1",
				TxHash:         txHash,
				TxType:         tc.txType,
			}

			_, data, err := EncodeProof(proof)
			require.NoError(t, err)

			decoded, err := DecodeProof(data)
			require.NoError(t, err)
			require.Equal(t, proof, decoded)
		})
	}
}

func TestTreeNodeRoundTrip(t *testing.T) {
	left := testCid(t, "left")
	right := testCid(t, "right")
	meta := testCid(t, "meta")

	t.Run("without metadata", func(t *testing.T) {
		_, data, err := EncodeTreeNode(left, right, nil)
		require.NoError(t, err)

		tuple, err := DecodeTreeNode(data)
		require.NoError(t, err)
		require.Len(t, tuple, 2)
		require.Equal(t, left, tuple[0])
		require.Equal(t, right, tuple[1])
	})

	t.Run("with metadata", func(t *testing.T) {
		_, data, err := EncodeTreeNode(left, right, &meta)
		require.NoError(t, err)

		tuple, err := DecodeTreeNode(data)
		require.NoError(t, err)
		require.Len(t, tuple, 3)
		require.Equal(t, meta, tuple[2])
	})
}

func TestTxHashCidUsesEthTxCodec(t *testing.T) {
	hash := common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132")
	c, err := TxHashCid(hash)
	require.NoError(t, err)
	require.Equal(t, uint64(cid.EthTx), c.Type())
}

func TestStreamIDCid(t *testing.T) {
	// A stream id that is itself a CID string resolves directly.
	direct := testCid(t, "genesis")
	resolved, err := StreamIDCid(direct.String())
	require.NoError(t, err)
	require.Equal(t, direct, resolved)

	// Opaque ids are hashed, deterministically.
	first, err := StreamIDCid("kjzl-not-a-cid")
	require.NoError(t, err)
	second, err := StreamIDCid("kjzl-not-a-cid")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := StreamIDCid("kjzl-different")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

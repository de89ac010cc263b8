package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

const anchorContractABI = `[{"inputs":[{"internalType":"bytes32","name":"_root","type":"bytes32"}],"name":"anchorDagCbor","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// EthereumLedgerService anchors merkle roots on an Ethereum chain.
// A raw self-addressed data transaction carries the root digest unless the
// service is configured to call the anchor contract's anchorDagCbor method.
type EthereumLedgerService struct {
	ethClient *ethclient.Client
	signer    ITransactionSigner
	logger    *zap.Logger
	chainID   *big.Int

	useContract     bool
	contractAddress common.Address
	contractABI     abi.ABI

	// txMu serializes submissions: one in-flight transaction per account.
	txMu sync.Mutex
}

func NewEthereumLedgerService(ethClient *ethclient.Client, signer ITransactionSigner, useContract bool, contractAddress string, logger *zap.Logger) (*EthereumLedgerService, error) {
	chainID, err := ethClient.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(anchorContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse anchor contract ABI: %w", err)
	}

	if useContract && contractAddress == "" {
		return nil, fmt.Errorf("anchor contract address required when smart contract anchors are enabled")
	}

	return &EthereumLedgerService{
		ethClient:       ethClient,
		signer:          signer,
		logger:          logger,
		chainID:         chainID,
		useContract:     useContract,
		contractAddress: common.HexToAddress(contractAddress),
		contractABI:     parsedABI,
	}, nil
}

// SendTransaction submits the merkle root and waits for inclusion. The
// transaction mutex is held for the whole submit-and-confirm sequence.
func (e *EthereumLedgerService) SendTransaction(ctx context.Context, root cid.Cid) (*types.Transaction, error) {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	digest, err := RootDigest(root)
	if err != nil {
		return nil, err
	}

	var to common.Address
	var data []byte
	if e.useContract {
		to = e.contractAddress
		data, err = e.contractABI.Pack("anchorDagCbor", digest)
		if err != nil {
			return nil, errors.Wrap(err, "failed to pack anchor call")
		}
	} else {
		to = e.signer.GetFromAddress()
		data = digest[:]
	}

	e.logger.Sugar().Infow("Submitting anchor transaction",
		"root", root.String(),
		"useContract", e.useContract,
	)

	unsigned := ethereumTypes.NewTx(&ethereumTypes.DynamicFeeTx{
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})

	receipt, err := e.signer.SignAndSendTransaction(ctx, unsigned)
	if err != nil {
		return nil, errors.Wrap(err, "failed to submit anchor transaction")
	}

	header, err := e.ethClient.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load anchor block header")
	}

	return &types.Transaction{
		TxHash:         receipt.TxHash,
		BlockNumber:    receipt.BlockNumber.Int64(),
		BlockTimestamp: int64(header.Time),
		Chain:          fmt.Sprintf("eip155:%s", e.chainID.String()),
	}, nil
}

// RootDigest extracts the 32-byte sha2-256 digest carried on chain from the
// root CID's multihash.
func RootDigest(root cid.Cid) ([32]byte, error) {
	var digest [32]byte
	decoded, err := mh.Decode(root.Hash())
	if err != nil {
		return digest, fmt.Errorf("failed to decode root multihash: %w", err)
	}
	if len(decoded.Digest) != 32 {
		return digest, fmt.Errorf("root digest is %d bytes, want 32", len(decoded.Digest))
	}
	copy(digest[:], decoded.Digest)
	return digest, nil
}

var _ ILedgerService = (*EthereumLedgerService)(nil)

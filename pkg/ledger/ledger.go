package ledger

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// TxTypeFunctionBytes32 is the proof txType recorded when the root was
// anchored through the smart contract's f(bytes32) method.
const TxTypeFunctionBytes32 = "f(bytes32)"

// ILedgerService submits one transaction carrying a 32-byte merkle root and
// reports where it landed on chain.
//
// Implementations serialize SendTransaction with a mutex: only one
// submission may be in flight per ledger account, so concurrent batches
// block here instead of racing the account nonce.
type ILedgerService interface {
	SendTransaction(ctx context.Context, root cid.Cid) (*types.Transaction, error)
}

package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxReceipt summarises a mined transaction.
type TxReceipt struct {
	Hash        common.Hash
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r *TxReceipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

// ContractInvoker sends state-changing contract calls from a single signing
// account and waits for them to be mined. Adapters depend on this interface
// rather than on a concrete chain client.
type ContractInvoker interface {
	From() common.Address
	Transact(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) (*TxReceipt, error)
	Close()
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/skillxchange/trustforge/internal/amount"
)

// EthClient is the subset of the go-ethereum client the EVM rail uses.
type EthClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// TransferError wraps an on-chain verification failure with its tx hash.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("evm rail: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("evm rail: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EVMRail settles fees as native-currency transfers the payer broadcasts
// from their own wallet. The payer submits the transaction hash; the rail
// checks the transaction pays the payee at least the fee from the payer's
// address and that its receipt succeeded.
type EVMRail struct {
	client  EthClient
	chainID *big.Int
	signer  types.Signer
}

// DialEVMRail connects to an RPC endpoint.
func DialEVMRail(rpcURL string, chainID int64) (*EVMRail, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, &TransferError{Op: "dial", Err: fmt.Errorf("%w: %v", ErrRailUnavailable, err)}
	}
	return NewEVMRail(client, chainID), nil
}

// NewEVMRail creates a rail on an existing client.
func NewEVMRail(client EthClient, chainID int64) *EVMRail {
	id := big.NewInt(chainID)
	return &EVMRail{client: client, chainID: id, signer: types.LatestSignerForChainID(id)}
}

var _ Rail = (*EVMRail)(nil)

func (r *EVMRail) Name() string { return "evm" }

// Close releases the RPC connection.
func (r *EVMRail) Close() { r.client.Close() }

func (r *EVMRail) Submit(ctx context.Context, req RailRequest) (*RailResult, error) {
	if !isTxHash(req.ExternalRef) {
		return nil, fmt.Errorf("%w: externalRef must be a transaction hash", ErrInvalidTransfer)
	}
	hash := common.HexToHash(req.ExternalRef)

	tx, _, err := r.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		// Not yet visible to this node. If the payer cannot cover the fee
		// it never will be, so refuse now.
		bal, berr := r.client.BalanceAt(ctx, common.HexToAddress(req.From), nil)
		if berr != nil {
			return nil, &TransferError{Op: "balance", Err: fmt.Errorf("%w: %v", ErrRailUnavailable, berr)}
		}
		if bal.Cmp(req.Amount) < 0 {
			return nil, &TransferError{Op: "balance", TxHash: req.ExternalRef, Err: ErrInsufficientFunds}
		}
		return &RailResult{ExternalRef: hash.Hex(), Status: StatusPending}, nil
	}
	if err != nil {
		return nil, &TransferError{Op: "lookup", TxHash: req.ExternalRef, Err: fmt.Errorf("%w: %v", ErrRailUnavailable, err)}
	}
	if reason := r.mismatch(tx, req.From, req.To, req.Amount); reason != "" {
		return &RailResult{ExternalRef: hash.Hex(), Status: StatusFailed, Reason: reason}, nil
	}
	return &RailResult{ExternalRef: hash.Hex(), Status: StatusPending}, nil
}

func (r *EVMRail) Status(ctx context.Context, t *Transfer) (*RailResult, error) {
	hash := common.HexToHash(t.ExternalRef)

	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &RailResult{Status: StatusPending}, nil
	}
	if err != nil {
		return nil, &TransferError{Op: "receipt", TxHash: t.ExternalRef, Err: fmt.Errorf("%w: %v", ErrRailUnavailable, err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &RailResult{Status: StatusFailed, Reason: "transaction reverted"}, nil
	}

	tx, _, err := r.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, &TransferError{Op: "lookup", TxHash: t.ExternalRef, Err: fmt.Errorf("%w: %v", ErrRailUnavailable, err)}
	}
	want, ok := amount.Parse(t.Amount)
	if !ok {
		return &RailResult{Status: StatusFailed, Reason: "unreadable amount"}, nil
	}
	if reason := r.mismatch(tx, t.From, t.To, want); reason != "" {
		return &RailResult{Status: StatusFailed, Reason: reason}, nil
	}
	return &RailResult{Status: StatusSucceeded}, nil
}

// mismatch returns why tx does not pay fee from -> to, or "".
func (r *EVMRail) mismatch(tx *types.Transaction, from, to string, fee *big.Int) string {
	if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), to) {
		return "transaction recipient is not the payee"
	}
	if tx.Value().Cmp(fee) < 0 {
		return "transaction value below fee"
	}
	sender, err := types.Sender(r.signer, tx)
	if err != nil {
		return "cannot recover transaction sender"
	}
	if !strings.EqualFold(sender.Hex(), from) {
		return "transaction sender is not the payer"
	}
	return ""
}

func isTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

package web3

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

// ErrInsufficientSignatures is returned when the Safe contract rejects the
// signature set (GS020 signatures too short, GS026 invalid owner order).
var ErrInsufficientSignatures = xerrors.New(xerrors.CodeSignature, "safe contract rejected the signature set")

// IsInsufficientSignatures recognises contract-level signature rejections.
func IsInsufficientSignatures(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.CodeOf(err) == xerrors.CodeSignature {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "GS020") || strings.Contains(msg, "GS026")
}

// TxOptions overrides gas parameters of the outer chain transaction. Nil
// fields fall through to the SDK defaults.
type TxOptions struct {
	GasLimit *uint64
	GasPrice *big.Int
}

// Receipt is the subset of a chain receipt the lifecycle needs.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Successful  bool
}

// ReceiptFromTypes converts a go-ethereum receipt.
func ReceiptFromTypes(r *types.Receipt) *Receipt {
	if r == nil {
		return nil
	}
	out := &Receipt{
		TxHash:     r.TxHash.Hex(),
		GasUsed:    r.GasUsed,
		Successful: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

// TransactionResponse is the handle returned by a broadcast.
type TransactionResponse interface {
	Hash() string
	// Wait blocks until the transaction is mined or ctx is done.
	Wait(ctx context.Context) (*Receipt, error)
}

// ExecutionResult is what ExecuteTransaction returns. Response may be nil
// when the node accepted the call without handing back a transaction.
type ExecutionResult struct {
	Hash     string
	Response TransactionResponse
}

// SafeSDK is the capability set the lifecycle consumes from a Safe
// protocol binding for one (chain, safe) pair.
type SafeSDK interface {
	ChainID() safetx.ChainID
	SafeAddress() common.Address
	GetTransactionHash(ctx context.Context, params safetx.Params) (string, error)
	GetOwners(ctx context.Context) ([]string, error)
	GetThreshold(ctx context.Context) (int, error)
	GetNonce(ctx context.Context) (uint64, error)
	GetBalance(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// SignTransactionHash signs a SafeTx hash with the attached signer.
	SignTransactionHash(ctx context.Context, params safetx.Params) (string, error)
	ExecuteTransaction(ctx context.Context, tx *safetx.Transaction, opts TxOptions) (ExecutionResult, error)
	// Signer returns the attached signer address, empty for read-only sessions.
	Signer() string
	Close()
}

// Signer is a key holder able to produce Safe and chain signatures. The
// concrete backing (memory key, keystore, hardware device) is selected by
// configuration and invisible to callers.
type Signer interface {
	Kind() string
	Address() common.Address
	IsAvailable(ctx context.Context) bool
	// SignTypedData signs keccak256(0x1901 || domainSeparator || structHash).
	SignTypedData(ctx context.Context, domainSeparator, structHash []byte) ([]byte, error)
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
	SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

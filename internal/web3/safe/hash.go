package safe

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

var safeTxTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SafeTx": {
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "operation", Type: "uint8"},
		{Name: "safeTxGas", Type: "uint256"},
		{Name: "baseGas", Type: "uint256"},
		{Name: "gasPrice", Type: "uint256"},
		{Name: "gasToken", Type: "address"},
		{Name: "refundReceiver", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// TypedHash holds the EIP-712 pieces of a SafeTx.
type TypedHash struct {
	DomainSeparator []byte
	StructHash      []byte
	Digest          common.Hash
}

// Hex returns the SafeTx hash as stored on transactions.
func (h TypedHash) Hex() string {
	return h.Digest.Hex()
}

// HashSafeTx computes the EIP-712 SafeTx hash for safe on chainID.
func HashSafeTx(chainID safetx.ChainID, safe common.Address, params safetx.Params) (TypedHash, error) {
	params = params.WithDefaults()
	message, err := safeTxMessage(params)
	if err != nil {
		return TypedHash{}, err
	}
	typed := apitypes.TypedData{
		Types:       safeTxTypes,
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           math.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: safe.Hex(),
		},
		Message: message,
	}
	domain, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return TypedHash{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "计算 EIP-712 域分隔符失败")
	}
	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return TypedHash{}, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "计算 SafeTx 结构哈希失败")
	}
	digest := crypto.Keccak256Hash([]byte{0x19, 0x01}, domain, structHash)
	return TypedHash{DomainSeparator: domain, StructHash: structHash, Digest: digest}, nil
}

func safeTxMessage(p safetx.Params) (apitypes.TypedDataMessage, error) {
	for _, addr := range []string{p.To, p.GasToken, p.RefundReceiver} {
		if !common.IsHexAddress(addr) {
			return nil, xerrors.Parameter("无效的地址: %q", addr)
		}
	}
	data, err := hexutil.Decode(ensure0x(p.Data))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "data 不是有效的十六进制")
	}
	value, err := ParseAmount(p.Value)
	if err != nil {
		return nil, err
	}
	safeTxGas, err := ParseAmount(p.SafeTxGas)
	if err != nil {
		return nil, err
	}
	baseGas, err := ParseAmount(p.BaseGas)
	if err != nil {
		return nil, err
	}
	gasPrice, err := ParseAmount(p.GasPrice)
	if err != nil {
		return nil, err
	}
	return apitypes.TypedDataMessage{
		"to":             common.HexToAddress(p.To).Hex(),
		"value":          value,
		"data":           data,
		"operation":      big.NewInt(int64(p.Operation)),
		"safeTxGas":      safeTxGas,
		"baseGas":        baseGas,
		"gasPrice":       gasPrice,
		"gasToken":       common.HexToAddress(p.GasToken).Hex(),
		"refundReceiver": common.HexToAddress(p.RefundReceiver).Hex(),
		"nonce":          new(big.Int).SetUint64(p.Nonce),
	}, nil
}

// ParseAmount parses a non-negative decimal or 0x-hex integer.
func ParseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := math.ParseBig256(raw)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.Parameter("无效的数值: %q", raw)
	}
	return value, nil
}

func ensure0x(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "0x"
	}
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		return "0x" + value
	}
	return value
}

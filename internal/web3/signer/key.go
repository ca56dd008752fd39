package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenSafe-Chain/internal/errors"
)

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key, with or without 0x.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "私钥格式无效")
	}
	return NewKeySignerFromECDSA(key), nil
}

// NewKeySignerFromECDSA wraps an existing key.
func NewKeySignerFromECDSA(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeySigner) Kind() string { return KindPrivateKey }

func (s *KeySigner) Address() common.Address { return s.address }

func (s *KeySigner) IsAvailable(context.Context) bool { return s.key != nil }

func (s *KeySigner) SignTypedData(_ context.Context, domainSeparator, structHash []byte) ([]byte, error) {
	sig, err := crypto.Sign(TypedDataDigest(domainSeparator, structHash), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "签名交易哈希失败")
	}
	return toEthereumV(sig), nil
}

func (s *KeySigner) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "签名消息失败")
	}
	return toEthereumV(sig), nil
}

func (s *KeySigner) SignTransaction(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "签名链上交易失败")
	}
	return signed, nil
}

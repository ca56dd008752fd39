// Package signer provides the key holders used to sign Safe transaction
// hashes and outer chain transactions. Implementations are selected by an
// explicit kind so callers never depend on the backing store.
package signer

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/web3"
)

// Supported signer kinds.
const (
	KindPrivateKey = "private_key"
	KindKeystore   = "keystore"
	KindLedger     = "ledger"
)

// Config selects and parameterises a signer.
type Config struct {
	Kind           string
	PrivateKey     string
	KeystoreDir    string
	Address        string
	Passphrase     string
	DerivationPath string
}

// New 根据 Kind 创建签名器。
func New(ctx context.Context, cfg Config) (web3.Signer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindPrivateKey, "key", "":
		if strings.TrimSpace(cfg.PrivateKey) == "" {
			return nil, xerrors.Configuration("未配置签名私钥")
		}
		return NewKeySigner(cfg.PrivateKey)
	case KindKeystore:
		return NewKeystoreSigner(cfg.KeystoreDir, cfg.Address, cfg.Passphrase)
	case KindLedger:
		return NewLedgerSigner(ctx, cfg.DerivationPath)
	default:
		return nil, xerrors.Configuration("不支持的签名器类型: %s", cfg.Kind)
	}
}

// TypedDataDigest is keccak256(0x19 0x01 || domainSeparator || structHash).
func TypedDataDigest(domainSeparator, structHash []byte) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}

// RecoverTypedData returns the address that produced sig over the EIP-712
// digest. sig must carry v in {27, 28}.
func RecoverTypedData(domainSeparator, structHash, sig []byte) (common.Address, error) {
	return recoverDigest(TypedDataDigest(domainSeparator, structHash), sig)
}

// RecoverMessage returns the eth_sign signer of message.
func RecoverMessage(message, sig []byte) (common.Address, error) {
	return recoverDigest(accounts.TextHash(message), sig)
}

func recoverDigest(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.Parameter("签名长度错误: %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeSignature, err, "恢复签名地址失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// toEthereumV shifts a recovery id in {0,1} to the {27,28} form Safe expects.
func toEthereumV(sig []byte) []byte {
	if len(sig) == crypto.SignatureLength && sig[64] < 27 {
		sig[64] += 27
	}
	return sig
}

package signer

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenSafe-Chain/internal/errors"
)

// KeystoreSigner unlocks a Web3 Secret Storage file per signature.
type KeystoreSigner struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

// NewKeystoreSigner opens dir and selects address, or the only account in
// dir when address is empty.
func NewKeystoreSigner(dir, address, passphrase string) (*KeystoreSigner, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.Configuration("未配置 keystore 目录")
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)

	var account accounts.Account
	switch {
	case strings.TrimSpace(address) != "":
		if !common.IsHexAddress(address) {
			return nil, xerrors.Configuration("keystore 地址无效: %s", address)
		}
		found, err := ks.Find(accounts.Account{Address: common.HexToAddress(address)})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "keystore 中未找到地址 "+address)
		}
		account = found
	default:
		all := ks.Accounts()
		if len(all) != 1 {
			return nil, xerrors.Configuration("keystore 目录包含 %d 个账户，请指定地址", len(all))
		}
		account = all[0]
	}
	return &KeystoreSigner{ks: ks, account: account, passphrase: passphrase}, nil
}

func (s *KeystoreSigner) Kind() string { return KindKeystore }

func (s *KeystoreSigner) Address() common.Address { return s.account.Address }

func (s *KeystoreSigner) IsAvailable(context.Context) bool {
	return s.ks.HasAddress(s.account.Address)
}

func (s *KeystoreSigner) SignTypedData(_ context.Context, domainSeparator, structHash []byte) ([]byte, error) {
	sig, err := s.ks.SignHashWithPassphrase(s.account, s.passphrase, TypedDataDigest(domainSeparator, structHash))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "keystore 签名失败")
	}
	return toEthereumV(sig), nil
}

func (s *KeystoreSigner) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := s.ks.SignHashWithPassphrase(s.account, s.passphrase, accounts.TextHash(message))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "keystore 签名消息失败")
	}
	return toEthereumV(sig), nil
}

func (s *KeystoreSigner) SignTransaction(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := s.ks.SignTxWithPassphrase(s.account, s.passphrase, tx, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "keystore 签名链上交易失败")
	}
	return signed, nil
}

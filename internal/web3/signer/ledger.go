package signer

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/usbwallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenSafe-Chain/internal/errors"
)

// DefaultDerivationPath is the first account of the Ledger Live layout.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// LedgerSigner signs on a Ledger device. EIP-712 hashes are confirmed on
// the device from the domain separator and struct hash.
type LedgerSigner struct {
	mu      sync.Mutex
	hub     *usbwallet.Hub
	wallet  accounts.Wallet
	account accounts.Account
}

// NewLedgerSigner opens the first attached Ledger and derives path.
func NewLedgerSigner(_ context.Context, path string) (*LedgerSigner, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultDerivationPath
	}
	derivation, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "派生路径无效: "+path)
	}
	hub, err := usbwallet.NewLedgerHub()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "无法访问 Ledger USB 设备")
	}
	wallets := hub.Wallets()
	if len(wallets) == 0 {
		return nil, xerrors.Configuration("未检测到 Ledger 设备")
	}
	wallet := wallets[0]
	if err := wallet.Open(""); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "打开 Ledger 失败，请解锁设备并打开 Ethereum 应用")
	}
	account, err := wallet.Derive(derivation, true)
	if err != nil {
		_ = wallet.Close()
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "Ledger 派生账户失败")
	}
	return &LedgerSigner{hub: hub, wallet: wallet, account: account}, nil
}

func (s *LedgerSigner) Kind() string { return KindLedger }

func (s *LedgerSigner) Address() common.Address { return s.account.Address }

func (s *LedgerSigner) IsAvailable(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet == nil {
		return false
	}
	_, err := s.wallet.Status()
	return err == nil
}

func (s *LedgerSigner) SignTypedData(_ context.Context, domainSeparator, structHash []byte) ([]byte, error) {
	payload := make([]byte, 0, 66)
	payload = append(payload, 0x19, 0x01)
	payload = append(payload, domainSeparator...)
	payload = append(payload, structHash...)

	s.mu.Lock()
	defer s.mu.Unlock()
	sig, err := s.wallet.SignData(s.account, accounts.MimetypeTypedData, payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "Ledger 签名失败")
	}
	return toEthereumV(sig), nil
}

func (s *LedgerSigner) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, err := s.wallet.SignText(s.account, message)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "Ledger 签名消息失败")
	}
	return toEthereumV(sig), nil
}

func (s *LedgerSigner) SignTransaction(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	signed, err := s.wallet.SignTx(s.account, tx, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignature, err, "Ledger 签名链上交易失败")
	}
	return signed, nil
}

// Close releases the USB handle.
func (s *LedgerSigner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet == nil {
		return nil
	}
	err := s.wallet.Close()
	s.wallet = nil
	return err
}

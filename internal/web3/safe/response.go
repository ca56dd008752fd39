package safe

import (
	"context"
	"errors"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"OpenSafe-Chain/internal/web3"
)

type pendingTx struct {
	backend  Backend
	hash     common.Hash
	interval time.Duration
}

func (p *pendingTx) Hash() string { return p.hash.Hex() }

// Wait polls for the receipt until it is available or ctx is done.
func (p *pendingTx) Wait(ctx context.Context) (*web3.Receipt, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, p.hash)
		if err == nil && receipt != nil {
			return web3.ReceiptFromTypes(receipt), nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

package lifecycle

import (
	"context"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/web3"
)

// GasPriceDecimals is the fixed precision of gwei prices.
const GasPriceDecimals = 9

// GasPolicy describes the caller's gas overrides. GasPrice is in gwei. An
// empty policy leaves every field to the SDK.
type GasPolicy struct {
	GasLimit *uint64
	GasPrice string
	// BoostPercent raises the live fee quote when GasPrice is empty.
	BoostPercent int64
}

// BoostGasPrice returns base*(100+pct)/100 with nine decimals.
func BoostGasPrice(base string, pct int64) (string, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(base))
	if err != nil {
		return "", xerrors.Parameter("无效的 gas 价格: %q", base)
	}
	if value.IsNegative() {
		return "", xerrors.Parameter("gas 价格不能为负数: %q", base)
	}
	if pct < 0 {
		return "", xerrors.Parameter("gas 加价比例不能为负数: %d", pct)
	}
	boosted := value.Mul(decimal.NewFromInt(100 + pct)).Div(decimal.NewFromInt(100))
	return boosted.StringFixed(GasPriceDecimals), nil
}

// GweiToWei converts a decimal gwei amount to wei, dropping sub-wei digits.
func GweiToWei(gwei string) (*big.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(gwei))
	if err != nil || value.IsNegative() {
		return nil, xerrors.Parameter("无效的 gas 价格: %q", gwei)
	}
	return value.Shift(GasPriceDecimals).BigInt(), nil
}

// WeiToGwei formats a wei amount as gwei.
func WeiToGwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -GasPriceDecimals).StringFixed(GasPriceDecimals)
}

// Resolve turns the policy into chain transaction options, querying the
// live fee only when a boost is requested.
func (p GasPolicy) Resolve(ctx context.Context, sdk web3.SafeSDK) (web3.TxOptions, error) {
	var opts web3.TxOptions
	if p.GasLimit != nil {
		limit := *p.GasLimit
		opts.GasLimit = &limit
	}
	switch {
	case strings.TrimSpace(p.GasPrice) != "":
		wei, err := GweiToWei(p.GasPrice)
		if err != nil {
			return opts, err
		}
		opts.GasPrice = wei
	case p.BoostPercent > 0:
		live, err := sdk.SuggestGasPrice(ctx)
		if err != nil {
			return opts, xerrors.Wrap(xerrors.CodeExecution, err, "查询当前 gas 价格失败")
		}
		boosted, err := BoostGasPrice(WeiToGwei(live), p.BoostPercent)
		if err != nil {
			return opts, err
		}
		wei, err := GweiToWei(boosted)
		if err != nil {
			return opts, err
		}
		opts.GasPrice = wei
	}
	return opts, nil
}

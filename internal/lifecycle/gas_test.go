package lifecycle

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	xerrors "OpenSafe-Chain/internal/errors"
)

func TestBoostGasPrice(t *testing.T) {
	cases := []struct {
		base string
		pct  int64
		want string
	}{
		{"20", 10, "22.000000000"},
		{"20", 0, "20.000000000"},
		{"1.5", 50, "2.250000000"},
		{"0.000000001", 100, "0.000000002"},
	}
	for _, tc := range cases {
		got, err := BoostGasPrice(tc.base, tc.pct)
		if err != nil {
			t.Fatalf("boost %s by %d%%: %v", tc.base, tc.pct, err)
		}
		if got != tc.want {
			t.Fatalf("boost %s by %d%%: want %s, got %s", tc.base, tc.pct, tc.want, got)
		}
	}
	for _, bad := range []string{"", "abc", "-1"} {
		if _, err := BoostGasPrice(bad, 10); !stdErrors.Is(err, xerrors.ErrInvalidParameter) {
			t.Fatalf("expected parameter error for %q, got %v", bad, err)
		}
	}
}

func TestGweiConversion(t *testing.T) {
	wei, err := GweiToWei("22.000000000")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if wei.Cmp(big.NewInt(22_000_000_000)) != 0 {
		t.Fatalf("unexpected wei %s", wei)
	}
	if got := WeiToGwei(big.NewInt(1_500_000_000)); got != "1.500000000" {
		t.Fatalf("unexpected gwei %s", got)
	}
}

func TestGasPolicyResolve(t *testing.T) {
	sdk := newFakeSDK(ownerA)
	ctx := context.Background()

	opts, err := GasPolicy{}.Resolve(ctx, sdk)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.GasLimit != nil || opts.GasPrice != nil {
		t.Fatalf("empty policy must defer to the SDK: %+v", opts)
	}

	opts, err = GasPolicy{GasPrice: "1.5", BoostPercent: 50}.Resolve(ctx, sdk)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.GasPrice.Cmp(big.NewInt(1_500_000_000)) != 0 {
		t.Fatalf("explicit price must win over boost, got %s", opts.GasPrice)
	}

	opts, err = GasPolicy{BoostPercent: 10}.Resolve(ctx, sdk)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.GasPrice.Cmp(big.NewInt(22_000_000_000)) != 0 {
		t.Fatalf("unexpected boosted price %s", opts.GasPrice)
	}
}

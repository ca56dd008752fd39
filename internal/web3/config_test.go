package web3

import (
	stdErrors "errors"
	"fmt"
	"testing"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

const sampleChains = `
chains:
  sepolia:
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.example
    description: test network
  devnet:
    chain_id: 900001
    network: devnet
    rpc_url: http://127.0.0.1:8545
`

func TestParseChainDefinitionsAndResolve(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(sampleChains))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if names := defs.Names(); len(names) != 2 || names[0] != "devnet" {
		t.Fatalf("unexpected names %v", names)
	}

	cases := map[string]uint64{
		"sepolia":  11155111,
		"devnet":   900001,
		"DEVNET":   900001,
		"polygon":  137,
		"0x89":     137,
		"11155111": 11155111,
	}
	for ref, want := range cases {
		got, err := defs.Resolve(ref)
		if err != nil || uint64(got) != want {
			t.Fatalf("resolve %q: got %d err %v", ref, got, err)
		}
	}
	if _, err := defs.Resolve("nowhere"); !stdErrors.Is(err, xerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	url, err := defs.RPCURL(900001)
	if err != nil || url != "http://127.0.0.1:8545" {
		t.Fatalf("rpc url: %s %v", url, err)
	}
	if _, err := defs.RPCURL(1); !stdErrors.Is(err, xerrors.ErrConfiguration) {
		t.Fatalf("expected missing rpc to be a configuration error, got %v", err)
	}
}

func TestParseChainDefinitionsRejectsDuplicates(t *testing.T) {
	content := `
chains:
  a:
    chain_id: 5
  b:
    chain_id: 5
`
	if _, err := ParseChainDefinitions([]byte(content)); err == nil {
		t.Fatal("expected duplicate chain ids to be rejected")
	}
	if _, err := ParseChainDefinitions([]byte("chains:\n  a:\n    rpc_url: x\n")); err == nil {
		t.Fatal("expected missing chain_id to be rejected")
	}
}

func TestNetworkNames(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(sampleChains))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	networks := NewNetworks(defs)
	cases := map[uint64]string{
		11155111: "sepolia",
		900001:   "devnet",
		1:        "mainnet",
		424242:   fmt.Sprintf("chain-%d", 424242),
	}
	for id, want := range cases {
		if got := networks.Name(safetx.ChainID(id)); got != want {
			t.Fatalf("chain %d: expected %s, got %s", id, want, got)
		}
	}
	var nilNetworks *Networks
	if nilNetworks.Name(137) != "polygon" {
		t.Fatal("nil resolver should fall back to the built-in table")
	}
}

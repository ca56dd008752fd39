package web3

import (
	"fmt"
	"strings"

	"OpenSafe-Chain/internal/safetx"
)

var knownNetworks = map[safetx.ChainID]string{
	1:        "mainnet",
	10:       "optimism",
	56:       "bsc",
	100:      "gnosis",
	137:      "polygon",
	324:      "zksync",
	1101:     "polygon-zkevm",
	8453:     "base",
	17000:    "holesky",
	42161:    "arbitrum",
	43114:    "avalanche",
	59144:    "linea",
	80002:    "amoy",
	84532:    "base-sepolia",
	421614:   "arbitrum-sepolia",
	11155111: "sepolia",
	11155420: "optimism-sepolia",
	1337:     "localhost",
	31337:    "hardhat",
}

// NetworkName maps a chain id to the directory name used by the store.
func NetworkName(chainID safetx.ChainID) string {
	if name, ok := knownNetworks[chainID]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", chainID)
}

func chainIDByNetwork(name string) (safetx.ChainID, bool) {
	for id, network := range knownNetworks {
		if strings.EqualFold(network, name) {
			return id, true
		}
	}
	return 0, false
}

// Networks resolves network names, letting chain definitions override the
// built-in table.
type Networks struct {
	overrides map[safetx.ChainID]string
}

// NewNetworks builds a resolver from chain definitions.
func NewNetworks(defs ChainDefinitions) *Networks {
	n := &Networks{overrides: make(map[safetx.ChainID]string)}
	for _, def := range defs.Chains {
		if network := strings.TrimSpace(def.Network); network != "" {
			n.overrides[safetx.ChainID(def.ChainID)] = network
		}
	}
	return n
}

// Name returns the network name for chainID.
func (n *Networks) Name(chainID safetx.ChainID) string {
	if n != nil {
		if name, ok := n.overrides[chainID]; ok {
			return name
		}
	}
	return NetworkName(chainID)
}

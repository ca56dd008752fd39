package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	ChainID     uint64 `yaml:"chain_id"`
	Network     string `yaml:"network"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取链配置失败")
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes YAML content and validates chain ids.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	seen := make(map[uint64]string, len(defs.Chains))
	for name, def := range defs.Chains {
		if def.ChainID == 0 {
			return ChainDefinitions{}, xerrors.Configuration("链 %s 缺少 chain_id", name)
		}
		if other, ok := seen[def.ChainID]; ok {
			return ChainDefinitions{}, xerrors.Configuration("链 %s 与 %s 使用了相同的 chain_id %d", name, other, def.ChainID)
		}
		seen[def.ChainID] = name
	}
	return defs, nil
}

// Lookup finds a chain by id.
func (d ChainDefinitions) Lookup(chainID safetx.ChainID) (string, ChainDefinition, bool) {
	for name, def := range d.Chains {
		if def.ChainID == uint64(chainID) {
			return name, def, true
		}
	}
	return "", ChainDefinition{}, false
}

// Resolve accepts a configured chain name, a network name or a numeric id.
func (d ChainDefinitions) Resolve(ref string) (safetx.ChainID, error) {
	ref = strings.TrimSpace(ref)
	if def, ok := d.Chains[ref]; ok {
		return safetx.ChainID(def.ChainID), nil
	}
	for _, def := range d.Chains {
		if def.Network != "" && strings.EqualFold(def.Network, ref) {
			return safetx.ChainID(def.ChainID), nil
		}
	}
	if id, ok := chainIDByNetwork(ref); ok {
		return id, nil
	}
	id, err := safetx.ParseChainID(ref)
	if err != nil {
		return 0, xerrors.Configuration("未知的链: %q (已配置: %s)", ref, strings.Join(d.Names(), ", "))
	}
	return id, nil
}

// RPCURL returns the endpoint configured for chainID.
func (d ChainDefinitions) RPCURL(chainID safetx.ChainID) (string, error) {
	name, def, ok := d.Lookup(chainID)
	if !ok || strings.TrimSpace(def.RPCURL) == "" {
		label := name
		if label == "" {
			label = fmt.Sprintf("chain %d", chainID)
		}
		return "", xerrors.Configuration("%s 未配置 RPC 地址", label)
	}
	return def.RPCURL, nil
}

// Names returns the configured chain names sorted.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/web3"
	"OpenSafe-Chain/internal/web3/safe"
)

// Dialer opens a chain backend for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (safe.Backend, func(), error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, rpcURL string) (safe.Backend, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "连接以太坊节点失败: "+rpcURL)
	}
	return client, client.Close, nil
}

// Registry manages one backend per chain id, dialed on first use.
type Registry struct {
	defs   web3.ChainDefinitions
	dial   Dialer
	mu     sync.Mutex
	chains map[safetx.ChainID]*chainBackend
}

type chainBackend struct {
	backend safe.Backend
	close   func()
}

// NewRegistry wraps chain definitions. A nil dialer uses DialEthclient.
func NewRegistry(defs web3.ChainDefinitions, dial Dialer) *Registry {
	if dial == nil {
		dial = DialEthclient
	}
	return &Registry{defs: defs, dial: dial, chains: make(map[safetx.ChainID]*chainBackend)}
}

// Backend returns the backend for chainID, dialing it if needed.
func (r *Registry) Backend(ctx context.Context, chainID safetx.ChainID) (safe.Backend, error) {
	if r == nil {
		return nil, xerrors.Configuration("未初始化的链客户端注册表")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.chains[chainID]; ok {
		return existing.backend, nil
	}
	rpcURL, err := r.defs.RPCURL(chainID)
	if err != nil {
		return nil, err
	}
	backend, closer, err := r.dial(ctx, strings.TrimSpace(rpcURL))
	if err != nil {
		return nil, err
	}
	r.chains[chainID] = &chainBackend{backend: backend, close: closer}
	return backend, nil
}

// Drop closes and forgets the backend for chainID.
func (r *Registry) Drop(chainID safetx.ChainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.chains[chainID]; ok {
		if existing.close != nil {
			existing.close()
		}
		delete(r.chains, chainID)
	}
}

// Close releases all backends managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, chain := range r.chains {
		if chain.close != nil {
			chain.close()
		}
		delete(r.chains, id)
	}
}

// Chains returns the ids of dialed chains.
func (r *Registry) Chains() []safetx.ChainID {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]safetx.ChainID, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

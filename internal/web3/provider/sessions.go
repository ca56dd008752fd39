package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/web3"
	"OpenSafe-Chain/internal/web3/safe"
)

// Key identifies one cached Safe session.
type Key struct {
	ChainID  safetx.ChainID
	Safe     common.Address
	ReadOnly bool
}

// SDKFactory builds a Safe session for key.
type SDKFactory func(ctx context.Context, key Key) (web3.SafeSDK, error)

// Sessions caches Safe SDK instances per (chain, safe, readOnly). The cache
// is owned by the caller; nothing is process global.
type Sessions struct {
	mu       sync.Mutex
	factory  SDKFactory
	registry *Registry
	items    map[Key]web3.SafeSDK
}

// SessionsOption customises the cache.
type SessionsOption func(*Sessions)

// WithRegistry makes InvalidateChain also drop the chain's RPC backend so
// the next session redials.
func WithRegistry(r *Registry) SessionsOption {
	return func(s *Sessions) { s.registry = r }
}

// NewSessions creates an empty cache.
func NewSessions(factory SDKFactory, opts ...SessionsOption) *Sessions {
	s := &Sessions{factory: factory, items: make(map[Key]web3.SafeSDK)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewRegistryFactory builds sessions over registry backends. Writable
// sessions get the signer produced by newSigner.
func NewRegistryFactory(registry *Registry, newSigner func(ctx context.Context) (web3.Signer, error)) SDKFactory {
	return func(ctx context.Context, key Key) (web3.SafeSDK, error) {
		backend, err := registry.Backend(ctx, key.ChainID)
		if err != nil {
			return nil, err
		}
		cfg := safe.Config{ChainID: key.ChainID, Safe: key.Safe}
		if !key.ReadOnly {
			if newSigner == nil {
				return nil, xerrors.Configuration("未配置签名器")
			}
			s, err := newSigner(ctx)
			if err != nil {
				return nil, err
			}
			if closer, ok := s.(interface{ Close() error }); ok {
				cfg.OnClose = func() { _ = closer.Close() }
			}
			cfg.Signer = s
		}
		client, err := safe.New(backend, cfg)
		if err != nil {
			if cfg.OnClose != nil {
				cfg.OnClose()
			}
			return nil, err
		}
		return client, nil
	}
}

// ParseSafeAddress validates a Safe address.
func ParseSafeAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Parameter("无效的 Safe 地址: %q", raw)
	}
	return common.HexToAddress(raw), nil
}

// Get returns the cached session for key, creating it on first use.
func (s *Sessions) Get(ctx context.Context, key Key) (web3.SafeSDK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sdk, ok := s.items[key]; ok {
		return sdk, nil
	}
	if s.factory == nil {
		return nil, xerrors.Configuration("未配置 Safe 会话工厂")
	}
	sdk, err := s.factory(ctx, key)
	if err != nil {
		return nil, err
	}
	s.items[key] = sdk
	return sdk, nil
}

// Invalidate closes and drops the session for key.
func (s *Sessions) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sdk, ok := s.items[key]; ok {
		sdk.Close()
		delete(s.items, key)
	}
}

// InvalidateChain drops every session on chainID, e.g. after the node
// stopped answering.
func (s *Sessions) InvalidateChain(chainID safetx.ChainID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sdk := range s.items {
		if key.ChainID == chainID {
			sdk.Close()
			delete(s.items, key)
		}
	}
	if s.registry != nil {
		s.registry.Drop(chainID)
	}
}

// Len returns the number of cached sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close releases all sessions.
func (s *Sessions) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sdk := range s.items {
		sdk.Close()
		delete(s.items, key)
	}
}

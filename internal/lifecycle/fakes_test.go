package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenSafe-Chain/internal/observability/alerting"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/storage/file"
	"OpenSafe-Chain/internal/web3"
	"OpenSafe-Chain/internal/web3/provider"
)

const (
	testSafe  = "0x5afe000000000000000000000000000000000001"
	recipient = "0x00000000000000000000000000000000000000d0"
	ownerA    = "0x00000000000000000000000000000000000000a1"
	ownerB    = "0x00000000000000000000000000000000000000b2"
	ownerC    = "0x00000000000000000000000000000000000000c3"
	outsider  = "0x00000000000000000000000000000000000000ee"
	sepolia   = safetx.ChainID(11155111)
	testCID   = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeResponse struct {
	hash    string
	receipt *web3.Receipt
	err     error
	block   bool
}

func (r *fakeResponse) Hash() string { return r.hash }

func (r *fakeResponse) Wait(ctx context.Context) (*web3.Receipt, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.receipt, r.err
}

// fakeSDK 模拟一个 Safe 会话，哈希由参数的 keccak256 得出。
type fakeSDK struct {
	mu        sync.Mutex
	signer    string
	owners    []string
	threshold int
	nonce     uint64
	balance   *big.Int
	gasPrice  *big.Int
	gasErr    error

	result   web3.ExecutionResult
	execErr  error
	executed int
	lastOpts web3.TxOptions
}

func newFakeSDK(signer string) *fakeSDK {
	return &fakeSDK{
		signer:    signer,
		owners:    []string{ownerA, ownerB, ownerC},
		threshold: 2,
		nonce:     7,
		balance:   big.NewInt(1_000_000),
		gasPrice:  big.NewInt(20_000_000_000),
	}
}

func (f *fakeSDK) ChainID() safetx.ChainID     { return sepolia }
func (f *fakeSDK) SafeAddress() common.Address { return common.HexToAddress(testSafe) }

func (f *fakeSDK) GetTransactionHash(_ context.Context, p safetx.Params) (string, error) {
	encoded := fmt.Sprintf("%d|%s|%s|%s|%s|%d|%d", p.ChainID, strings.ToLower(p.To), p.Value, p.Data, p.GasPrice, p.Operation, p.Nonce)
	return crypto.Keccak256Hash([]byte(encoded)).Hex(), nil
}

func (f *fakeSDK) GetOwners(context.Context) ([]string, error) { return f.owners, nil }

func (f *fakeSDK) GetThreshold(context.Context) (int, error) { return f.threshold, nil }

func (f *fakeSDK) GetNonce(context.Context) (uint64, error) { return f.nonce, nil }

func (f *fakeSDK) GetBalance(context.Context) (*big.Int, error) { return f.balance, nil }

func (f *fakeSDK) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasErr != nil {
		return nil, f.gasErr
	}
	return f.gasPrice, nil
}

func (f *fakeSDK) SignTransactionHash(context.Context, safetx.Params) (string, error) {
	return "0x" + strings.Repeat("11", 64) + "1b", nil
}

func (f *fakeSDK) ExecuteTransaction(_ context.Context, _ *safetx.Transaction, opts web3.TxOptions) (web3.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	f.lastOpts = opts
	return f.result, f.execErr
}

func (f *fakeSDK) Signer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signer
}

func (f *fakeSDK) setSigner(signer string) {
	f.mu.Lock()
	f.signer = signer
	f.mu.Unlock()
}

func (f *fakeSDK) Close() {}

type fakeSessions struct {
	sdk         *fakeSDK
	keys        []provider.Key
	invalidated []safetx.ChainID
}

func (s *fakeSessions) InvalidateChain(chainID safetx.ChainID) {
	s.invalidated = append(s.invalidated, chainID)
}

func (s *fakeSessions) Get(_ context.Context, key provider.Key) (web3.SafeSDK, error) {
	s.keys = append(s.keys, key)
	return s.sdk, nil
}

type fakeRemote struct {
	content map[string]*safetx.Transaction
}

func (r *fakeRemote) Publish(_ context.Context, tx *safetx.Transaction) (*safetx.Transaction, error) {
	if r.content == nil {
		r.content = map[string]*safetx.Transaction{}
	}
	r.content[testCID] = tx
	return tx.WithMetadata(func(m *safetx.Metadata) {
		m.Remote = &safetx.RemoteReference{ContentID: testCID, URI: "ipfs://" + testCID, PublishedAt: fixedNow}
	}), nil
}

func (r *fakeRemote) Retrieve(_ context.Context, id string) (*safetx.Transaction, error) {
	tx, ok := r.content[id]
	if !ok {
		return nil, fmt.Errorf("content %s not pinned", id)
	}
	return tx, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type harness struct {
	service  *Service
	store    *file.Store
	sdk      *fakeSDK
	sessions *fakeSessions
	remote   *fakeRemote
	alerts   *recordingDispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store, err := file.New(t.TempDir(), web3.NewNetworks(web3.ChainDefinitions{}))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	h := &harness{
		store:    store,
		sdk:      newFakeSDK(ownerA),
		remote:   &fakeRemote{},
		alerts:   &recordingDispatcher{},
	}
	h.sessions = &fakeSessions{sdk: h.sdk}
	base := []Option{
		WithRemote(h.remote),
		WithDispatcher(h.alerts),
		WithClock(func() time.Time { return fixedNow }),
	}
	h.service = NewService(store, h.sessions, append(base, opts...)...)
	return h
}

func (h *harness) target() Target {
	return Target{ChainID: sepolia, Safe: testSafe}
}

// proposeSignedBy proposes a transfer and signs it with each owner in turn.
func (h *harness) proposeSignedBy(t *testing.T, nonce uint64, owners ...string) *safetx.Transaction {
	t.Helper()
	tx, err := h.service.Propose(context.Background(), ProposeRequest{
		Target: h.target(),
		To:     recipient,
		Value:  "1000",
		Nonce:  &nonce,
		Type:   "transfer",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	for _, owner := range owners {
		h.sdk.setSigner(owner)
		tx, err = h.service.Sign(context.Background(), h.target(), tx.Hash, SignOptions{})
		if err != nil {
			t.Fatalf("sign as %s: %v", owner, err)
		}
	}
	return tx
}

func (h *harness) reload(t *testing.T, hash string) *safetx.Transaction {
	t.Helper()
	tx, err := h.store.Load(context.Background(), hash, safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia})
	if err != nil {
		t.Fatalf("reload %s: %v", hash, err)
	}
	return tx
}

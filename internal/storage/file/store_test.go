package file

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/web3"
)

const (
	testSafe  = "0x5afe000000000000000000000000000000000001"
	otherSafe = "0x5afe000000000000000000000000000000000002"
	recipient = "0x00000000000000000000000000000000000000d0"
	sepolia   = safetx.ChainID(11155111)
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), web3.NewNetworks(web3.ChainDefinitions{}), WithLockTimeout(time.Second))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func makeTx(t *testing.T, safe string, nonce uint64, suffix string) *safetx.Transaction {
	t.Helper()
	hash := "0x" + strings.Repeat("0", 56) + suffix
	tx, err := safetx.New(hash, safetx.Params{To: recipient, Value: "1", Nonce: nonce, ChainID: sepolia},
		safetx.Metadata{Type: "transfer", SafeAddress: safe},
		time.Date(2024, 5, 1, 10, int(nonce), 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	return tx
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	tx := makeTx(t, testSafe, 3, "c0ffee00").AddSignature(recipient, "0x"+strings.Repeat("11", 64)+"1b")

	path, err := store.Save(ctx, tx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := filepath.Join(store.Root(), "0x5afE000000000000000000000000000000000001", "sepolia", "3-c0ffee00.json")
	if !strings.EqualFold(path, want) {
		t.Fatalf("unexpected path %s", path)
	}

	loaded, err := store.Load(ctx, tx.Hash, safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(tx, loaded) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, tx)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Fatalf("temporary file left behind: %s", entry.Name())
		}
	}
}

func TestSaveOverwritesWithoutMerge(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	tx := makeTx(t, testSafe, 1, "aaaa0001").AddSignature(recipient, "0x01")
	if _, err := store.Save(ctx, tx); err != nil {
		t.Fatalf("save: %v", err)
	}
	updated := tx.WithStatus(safetx.StatusSubmitted)
	if _, err := store.Save(ctx, updated); err != nil {
		t.Fatalf("save update: %v", err)
	}
	loaded, err := store.Load(ctx, "1", safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != safetx.StatusSubmitted {
		t.Fatalf("expected overwritten status, got %s", loaded.Status)
	}
}

func TestLoadNonceAmbiguityAndSuffix(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	first := makeTx(t, testSafe, 5, "aaaaaaaa")
	second := makeTx(t, testSafe, 5, "bbbbbbbb")
	for _, tx := range []*safetx.Transaction{first, second} {
		if _, err := store.Save(ctx, tx); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	scope := safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia}

	_, err := store.Load(ctx, "5", scope)
	if !stdErrors.Is(err, xerrors.ErrConflict) {
		t.Fatalf("expected ambiguous nonce conflict, got %v", err)
	}
	if e, ok := xerrors.From(err); !ok || e.Metadata()["candidates"] != "5-aaaaaaaa.json,5-bbbbbbbb.json" {
		t.Fatalf("expected candidates in error metadata, got %v", err)
	}

	got, err := store.Load(ctx, "aaaaaaaa", scope)
	if err != nil {
		t.Fatalf("load by suffix: %v", err)
	}
	if got.Hash != first.Hash {
		t.Fatalf("suffix lookup returned %s", got.Hash)
	}
}

func TestLoadFullHashFallsBackToSuffix(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	tx := makeTx(t, testSafe, 2, "12345678")
	path, err := store.Save(ctx, tx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	// A full hash that is not stored in any file but shares the suffix.
	lookalike := "0x" + strings.Repeat("f", 56) + "12345678"
	got, err := store.Load(ctx, lookalike, safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia})
	if err != nil || got.Hash != tx.Hash {
		t.Fatalf("suffix fallback failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "9-deadbeef.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if got, err := store.Load(ctx, tx.Hash, safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia}); err != nil || got.Hash != tx.Hash {
		t.Fatalf("corrupt sibling must not break hash scan: %v", err)
	}
}

func TestLoadDirectoryOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	flat := makeTx(t, "", 7, "f1a7f1a7")
	if _, err := store.Save(ctx, flat); err != nil {
		t.Fatalf("save flat: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "7-f1a7f1a7.json")); err != nil {
		t.Fatalf("expected flat file in root: %v", err)
	}
	scoped := makeTx(t, otherSafe, 8, "5c09ed00")
	if _, err := store.Save(ctx, scoped); err != nil {
		t.Fatalf("save scoped: %v", err)
	}

	// Flat fallback from a scoped lookup.
	got, err := store.Load(ctx, "7", safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia})
	if err != nil || got.Hash != flat.Hash {
		t.Fatalf("expected flat fallback, got %v", err)
	}
	// Without a safe every scoped directory is searched.
	got, err = store.Load(ctx, "8", safetx.LoadOptions{})
	if err != nil || got.Hash != scoped.Hash {
		t.Fatalf("expected scoped search without safe, got %v", err)
	}
	// With a different safe the other safe's directory is not searched.
	if _, err := store.Load(ctx, "8", safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia}); !stdErrors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	var notFound *xerrors.NotFoundError
	_, err = store.Load(ctx, "0xdeadbeefcafe", safetx.LoadOptions{})
	if !stdErrors.As(err, &notFound) || notFound.Identifier != "0xdeadbeefcafe" {
		t.Fatalf("expected NotFoundError carrying the identifier, got %v", err)
	}
}

func TestFuzzyPrefersHighestNonce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, tx := range []*safetx.Transaction{makeTx(t, testSafe, 3, "abcd0003"), makeTx(t, testSafe, 11, "abcd0011"), makeTx(t, testSafe, 4, "abcd0004")} {
		if _, err := store.Save(ctx, tx); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := store.Load(ctx, "ABCD", safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia})
	if err != nil {
		t.Fatalf("fuzzy load: %v", err)
	}
	if got.Nonce != 11 {
		t.Fatalf("expected highest nonce, got %d", got.Nonce)
	}
	if _, err := store.Load(ctx, "abc", safetx.LoadOptions{}); !stdErrors.Is(err, xerrors.ErrInvalidParameter) {
		t.Fatalf("expected short fragment to be rejected, got %v", err)
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	txs := []*safetx.Transaction{
		makeTx(t, testSafe, 1, "00000001"),
		makeTx(t, testSafe, 2, "00000002").WithStatus(safetx.StatusSuccessful),
		makeTx(t, testSafe, 3, "00000003"),
		makeTx(t, otherSafe, 4, "00000004"),
	}
	for _, tx := range txs {
		if _, err := store.Save(ctx, tx); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(store.Root(), "junk.json"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].Nonce != 4 || all[3].Nonce != 1 {
		t.Fatalf("unexpected default listing: %d entries", len(all))
	}

	pending, err := store.List(ctx, safetx.WithSafe(testSafe), safetx.WithChain(sepolia), safetx.WithStatuses(safetx.StatusPending), safetx.WithSort(safetx.SortByCreateDate, true))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].Nonce != 1 || pending[1].Nonce != 3 {
		t.Fatalf("unexpected pending listing: %+v", pending)
	}
}

func TestConcurrentSavesAreSerialised(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := makeTx(t, testSafe, 9, "99999999")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := base.WithMetadata(func(m *safetx.Metadata) {
				m.Labels = map[string]string{"writer": strings.Repeat("x", i+1)}
			})
			if _, err := store.Save(ctx, tx); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent save: %v", err)
	}
	got, err := store.Load(ctx, base.Hash, safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia})
	if err != nil {
		t.Fatalf("load after concurrent writes: %v", err)
	}
	if got.Metadata.Labels["writer"] == "" {
		t.Fatal("expected one complete write to win")
	}
}

func TestFuzzyIgnoresFileExtension(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.Save(ctx, makeTx(t, testSafe, 5, "aaaa0005")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Load(ctx, "json", safetx.LoadOptions{SafeAddress: testSafe, ChainID: sepolia}); !stdErrors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("expected extension fragment to match nothing, got %v", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenSafe-Chain/internal/auth"
	"OpenSafe-Chain/internal/lifecycle"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/storage/file"
	"OpenSafe-Chain/internal/web3"
)

const (
	testSafe  = "0x5afe000000000000000000000000000000000001"
	recipient = "0x00000000000000000000000000000000000000d0"
	sepolia   = safetx.ChainID(11155111)
)

func newTestServer(t *testing.T) (*httptest.Server, *file.Store) {
	t.Helper()
	networks := web3.NewNetworks(web3.ChainDefinitions{})
	store, err := file.New(t.TempDir(), networks)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc := lifecycle.NewService(store, nil)
	srv := httptest.NewServer(NewServer(":0", svc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func seed(t *testing.T, store *file.Store, nonce uint64, suffix string, status safetx.Status) *safetx.Transaction {
	t.Helper()
	tx, err := safetx.New("0x"+strings.Repeat("0", 56)+suffix,
		safetx.Params{To: recipient, Value: "1", Nonce: nonce, ChainID: sepolia},
		safetx.Metadata{Type: "transfer", SafeAddress: testSafe},
		time.Date(2024, 5, 1, 10, int(nonce), 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	tx = tx.WithStatus(status)
	if _, err := store.Save(context.Background(), tx); err != nil {
		t.Fatalf("save: %v", err)
	}
	return tx
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestListTransactions(t *testing.T) {
	srv, store := newTestServer(t)
	seed(t, store, 1, "00000001", safetx.StatusPending)
	seed(t, store, 2, "00000002", safetx.StatusSuccessful)
	seed(t, store, 3, "00000003", safetx.StatusPending)

	resp, body := get(t, srv.URL+"/api/v1/transactions?safe="+testSafe+"&chain=11155111&status=pending")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var got listResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Count != 2 {
		t.Fatalf("expected 2 pending transactions, got %d", got.Count)
	}
	first, err := safetx.UnmarshalEnvelope(got.Transactions[0])
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if first.Nonce != 3 {
		t.Fatalf("expected highest nonce first, got %d", first.Nonce)
	}
}

func TestTransactionDetail(t *testing.T) {
	srv, store := newTestServer(t)
	tx := seed(t, store, 5, "aaaaaaaa", safetx.StatusPending)

	resp, body := get(t, srv.URL+"/api/v1/transactions/aaaaaaaa?safe="+testSafe+"&chain=11155111")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	got, err := safetx.UnmarshalEnvelope(body)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if got.Hash != tx.Hash {
		t.Fatalf("unexpected hash %s", got.Hash)
	}
}

func TestTransactionDetailErrors(t *testing.T) {
	srv, store := newTestServer(t)
	seed(t, store, 5, "aaaaaaaa", safetx.StatusPending)
	seed(t, store, 5, "bbbbbbbb", safetx.StatusPending)

	cases := []struct {
		name string
		path string
		code int
	}{
		{"not found", "/api/v1/transactions/99?safe=" + testSafe + "&chain=11155111", http.StatusNotFound},
		{"ambiguous nonce", "/api/v1/transactions/5?safe=" + testSafe + "&chain=11155111", http.StatusConflict},
		{"bad chain", "/api/v1/transactions/5?chain=abc", http.StatusBadRequest},
		{"bad status", "/api/v1/transactions?status=DONE", http.StatusBadRequest},
		{"unknown path", "/api/v1/transactions/5/extra", http.StatusNotFound},
		{"no sessions", "/api/v1/transactions/aaaaaaaa/signatures?safe=" + testSafe + "&chain=11155111", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := get(t, srv.URL+tc.path)
			if resp.StatusCode != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, resp.StatusCode, body)
			}
			var payload errorResponse
			if err := json.Unmarshal(body, &payload); err != nil || payload.Code == "" {
				t.Fatalf("expected coded error body, got %s", body)
			}
		})
	}

	resp, err := http.Post(srv.URL+"/api/v1/transactions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	srv, store := newTestServer(t)
	seed(t, store, 1, "00000001", safetx.StatusPending)
	seed(t, store, 2, "00000002", safetx.StatusFailed)

	resp, body := get(t, srv.URL+"/api/v1/transactions/stats?safe="+testSafe)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var stats safetx.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[safetx.StatusFailed] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp, body = get(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `opensafe_http_requests_total{code="200",handler="/api/v1/transactions/",method="GET"}`) {
		t.Fatalf("request metrics missing from exposition")
	}
}

func TestAuthProtectsTransactionRoutes(t *testing.T) {
	networks := web3.NewNetworks(web3.ChainDefinitions{})
	store, err := file.New(t.TempDir(), networks)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	seed(t, store, 1, "00000001", safetx.StatusPending)
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.ModeToken,
		Tokens: []auth.Token{
			{Name: "reader", Secret: "reader-token", Permissions: []string{auth.PermissionReadTransactions}},
		},
	})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	srv := httptest.NewServer(NewServer(":0", lifecycle.NewService(store, nil), nil, WithAuth(authSvc)).Handler())
	defer srv.Close()

	call := func(path, token string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := call("/api/v1/transactions", ""); code != http.StatusUnauthorized {
		t.Fatalf("anonymous list: expected 401, got %d", code)
	}
	if code := call("/api/v1/transactions?safe="+testSafe, "reader-token"); code != http.StatusOK {
		t.Fatalf("reader list: expected 200, got %d", code)
	}
	if code := call("/api/v1/transactions/00000001/signatures?safe="+testSafe, "reader-token"); code != http.StatusForbidden {
		t.Fatalf("signatures without permission: expected 403, got %d", code)
	}
	if code := call("/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", code)
	}
}

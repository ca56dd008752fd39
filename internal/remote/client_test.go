package remote

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

const testCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func remoteTx(t *testing.T) *safetx.Transaction {
	t.Helper()
	tx, err := safetx.New("0x"+strings.Repeat("ab", 32),
		safetx.Params{To: "0x00000000000000000000000000000000000000d0", Value: "1000", Nonce: 12, ChainID: 11155111},
		safetx.Metadata{Type: "transfer", SafeAddress: "0x5afe000000000000000000000000000000000001"},
		time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return tx
}

func envelopeServer(t *testing.T, body []byte, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != "/"+testCID {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRetrieveFallsBackAcrossGateways(t *testing.T) {
	tx := remoteTx(t)
	envelope, err := safetx.MarshalEnvelope(tx)
	require.NoError(t, err)

	var failHits, garbageHits, okHits int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&failHits, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer failing.Close()
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&garbageHits, 1)
		_, _ = w.Write([]byte("<html>rate limited</html>"))
	}))
	defer garbage.Close()
	healthy := envelopeServer(t, envelope, &okHits)

	client := New(Config{Fallbacks: []string{failing.URL, garbage.URL + "/", healthy.URL}})
	got, err := client.Retrieve(context.Background(), URIScheme+testCID)
	require.NoError(t, err)
	require.Equal(t, tx.Hash, got.Hash)
	require.Equal(t, uint64(12), got.Nonce)
	require.Equal(t, int32(1), atomic.LoadInt32(&failHits))
	require.Equal(t, int32(1), atomic.LoadInt32(&garbageHits))
	require.Equal(t, int32(1), atomic.LoadInt32(&okHits))
}

func TestBadContentDoesNotTripGatewayBreaker(t *testing.T) {
	tx := remoteTx(t)
	envelope, err := safetx.MarshalEnvelope(tx)
	require.NoError(t, err)
	badCID := "QmNotATransaction" + strings.Repeat("x", 29)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + badCID:
			_, _ = w.Write([]byte(`{"hello":"world"}`))
		case "/" + testCID:
			_, _ = w.Write(envelope)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := New(Config{Gateway: srv.URL, Fallbacks: []string{}, BreakerFailures: 2})
	for i := 0; i < 4; i++ {
		_, err := client.Retrieve(context.Background(), badCID)
		require.ErrorIs(t, err, xerrors.ErrNotFound)
	}
	got, err := client.Retrieve(context.Background(), testCID)
	require.NoError(t, err)
	require.Equal(t, tx.Hash, got.Hash)
}

func TestRetrieveAllGatewaysFail(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer failing.Close()

	client := New(Config{Gateway: failing.URL, Fallbacks: []string{}})
	_, err := client.Retrieve(context.Background(), testCID)
	var notFound *xerrors.NotFoundError
	require.True(t, stdErrors.As(err, &notFound), "unexpected error %v", err)
	require.Equal(t, testCID, notFound.Identifier)
	require.ErrorContains(t, notFound.Cause, "status 404")
	require.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestRetrieveNormalisesPayloadShapes(t *testing.T) {
	tx := remoteTx(t)
	envelope, err := safetx.MarshalEnvelope(tx)
	require.NoError(t, err)
	var wrapper safetx.Envelope
	require.NoError(t, json.Unmarshal(envelope, &wrapper))
	asString, err := json.Marshal(string(envelope))
	require.NoError(t, err)

	for name, body := range map[string][]byte{
		"envelope": envelope,
		"string":   asString,
		"bare":     wrapper.Data,
	} {
		t.Run(name, func(t *testing.T) {
			var hits int32
			srv := envelopeServer(t, body, &hits)
			got, err := New(Config{Gateway: srv.URL, Fallbacks: []string{}}).Retrieve(context.Background(), srv.URL+"/ipfs/"+testCID)
			require.NoError(t, err)
			require.Equal(t, tx.Hash, got.Hash)
			require.Equal(t, tx.ChainID, got.ChainID)
		})
	}
}

func TestRetrieveUsesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	tx := remoteTx(t)
	envelope, err := safetx.MarshalEnvelope(tx)
	require.NoError(t, err)
	var hits int32
	srv := envelopeServer(t, envelope, &hits)

	client := New(Config{Gateway: srv.URL, Fallbacks: []string{}}, WithCache(NewRedisCache(rdb, "test:", time.Hour)))
	first, err := client.Retrieve(context.Background(), testCID)
	require.NoError(t, err)
	require.True(t, mr.Exists("test:"+testCID))

	second, err := client.Retrieve(context.Background(), testCID)
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits), "second retrieval should be served from cache")
}

func TestPublishRecordsRemoteReference(t *testing.T) {
	tx := remoteTx(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("pinata_api_key") != "key" || r.Header.Get("pinata_secret_api_key") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		if header.Filename != "12-abababab.json" || !strings.Contains(string(body), tx.Hash) {
			http.Error(w, "unexpected upload", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"IpfsHash": testCID, "PinSize": len(body)})
	}))
	defer srv.Close()

	publishedAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	client := New(Config{APIKey: "key", APISecret: "secret", PinEndpoint: srv.URL, Gateway: "https://gw.example/ipfs/"},
		WithClock(func() time.Time { return publishedAt }))
	published, err := client.Publish(context.Background(), tx)
	require.NoError(t, err)
	require.NotNil(t, published.Metadata.Remote)
	require.Equal(t, safetx.RemoteReference{
		ContentID:   testCID,
		URI:         "ipfs://" + testCID,
		GatewayURL:  "https://gw.example/ipfs/" + testCID,
		PublishedAt: publishedAt,
	}, *published.Metadata.Remote)
	require.Nil(t, tx.Metadata.Remote, "input transaction must not be mutated")
}

func TestPublishRequiresCredentials(t *testing.T) {
	tx := remoteTx(t)
	got, err := New(Config{APIKey: "key"}).Publish(context.Background(), tx)
	require.ErrorIs(t, err, xerrors.ErrConfiguration)
	require.Same(t, tx, got)
}

func TestPublishRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(Config{APIKey: "k", APISecret: "s", PinEndpoint: srv.URL}).Publish(context.Background(), remoteTx(t))
	require.ErrorIs(t, err, xerrors.ErrRemote)
	require.ErrorContains(t, err, "429")
}

func TestParseIdentifierFromURI(t *testing.T) {
	cases := map[string]string{
		"ipfs://" + testCID:                             testCID,
		"ipfs://" + testCID + "/tx.json":                testCID,
		"https://ipfs.io/ipfs/" + testCID:               testCID,
		"https://gw.example/ipfs/" + testCID + "?x=1":   testCID,
		"  " + testCID + " ":                            testCID,
	}
	for input, want := range cases {
		got, err := ParseIdentifierFromURI(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
	for _, bad := range []string{"", "ipfs://", "https://example.com/file.json", "not a cid"} {
		_, err := ParseIdentifierFromURI(bad)
		require.ErrorIs(t, err, xerrors.ErrInvalidParameter, bad)
	}
}

func TestGatewaysOrderAndDedup(t *testing.T) {
	client := New(Config{Gateway: "https://ipfs.io/ipfs/"})
	gateways := client.Gateways()
	require.Equal(t, "https://ipfs.io/ipfs", gateways[0])
	require.Len(t, gateways, len(DefaultGateways))
}

// Package remote publishes transactions to a content-addressed network
// through a pinning service and retrieves them from a list of gateways.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/observability/metrics"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/pkg/logger"
)

const (
	// DefaultPinEndpoint is the pinning API upload endpoint.
	DefaultPinEndpoint = "https://api.pinata.cloud/pinning/pinFileToIPFS"
	// DefaultRequestTimeout bounds each gateway or pinning request.
	DefaultRequestTimeout = 10 * time.Second

	maxPayloadBytes = 4 << 20
)

// DefaultGateways are tried after the configured gateway.
var DefaultGateways = []string{
	"https://gateway.pinata.cloud/ipfs",
	"https://ipfs.io/ipfs",
	"https://cloudflare-ipfs.com/ipfs",
	"https://dweb.link/ipfs",
}

// Config 描述远端存储的凭据与网关。
type Config struct {
	APIKey      string
	APISecret   string
	PinEndpoint string
	// Gateway is tried first when set.
	Gateway string
	// Fallbacks replaces DefaultGateways when non-nil.
	Fallbacks       []string
	RequestTimeout  time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client talks to the pinning API and the gateways.
type Client struct {
	cfg      Config
	http     *http.Client
	cache    Cache
	log      *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Per-request timeouts still apply.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache enables caching of retrieved envelopes.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithClock overrides the time source used for PublishedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建远端存储客户端。
func New(cfg Config, opts ...Option) *Client {
	if cfg.PinEndpoint == "" {
		cfg.PinEndpoint = DefaultPinEndpoint
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		log:      logger.Named("remote"),
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Gateways returns the ordered, de-duplicated gateway list.
func (c *Client) Gateways() []string {
	fallbacks := c.cfg.Fallbacks
	if fallbacks == nil {
		fallbacks = DefaultGateways
	}
	seen := make(map[string]struct{}, len(fallbacks)+1)
	var out []string
	for _, gw := range append([]string{c.cfg.Gateway}, fallbacks...) {
		gw = strings.TrimRight(strings.TrimSpace(gw), "/")
		if gw == "" {
			continue
		}
		if _, dup := seen[gw]; dup {
			continue
		}
		seen[gw] = struct{}{}
		out = append(out, gw)
	}
	return out
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Publish uploads the envelope of tx and returns tx with Metadata.Remote
// set. The caller persists the returned transaction. On failure the input
// transaction is returned unchanged together with the error.
func (c *Client) Publish(ctx context.Context, tx *safetx.Transaction) (*safetx.Transaction, error) {
	if tx == nil {
		return nil, xerrors.Parameter("交易不能为空")
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" || strings.TrimSpace(c.cfg.APISecret) == "" {
		return tx, xerrors.Configuration("未配置远端存储凭据 (api key / secret)")
	}
	payload, err := safetx.MarshalEnvelope(tx)
	if err != nil {
		return tx, err
	}
	fileName := safetx.FileName(tx.Nonce, tx.Hash)
	body, contentType, err := multipartBody(fileName, payload, tx)
	if err != nil {
		return tx, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.PinEndpoint, body)
	if err != nil {
		return tx, xerrors.Wrap(xerrors.CodeConfiguration, err, "构造上传请求失败")
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("pinata_api_key", c.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", c.cfg.APISecret)
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RemoteRequests.WithLabelValues("pin", metrics.OutcomeError).Inc()
		return tx, xerrors.Wrap(xerrors.CodeRemoteFailure, err, "上传到远端存储失败")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RemoteRequests.WithLabelValues("pin", metrics.OutcomeError).Inc()
		return tx, xerrors.New(xerrors.CodeRemoteFailure,
			fmt.Sprintf("远端存储返回状态 %d: %s", resp.StatusCode, snippet(raw)),
			xerrors.WithMetadata("request_id", requestID))
	}
	var pinned pinResponse
	if err := json.Unmarshal(raw, &pinned); err != nil || pinned.IpfsHash == "" {
		metrics.RemoteRequests.WithLabelValues("pin", metrics.OutcomeError).Inc()
		return tx, xerrors.Wrap(xerrors.CodeRemoteFailure, err, "远端存储响应缺少内容标识: "+snippet(raw))
	}
	metrics.RemoteRequests.WithLabelValues("pin", metrics.OutcomeOK).Inc()

	ref := safetx.RemoteReference{
		ContentID:   pinned.IpfsHash,
		URI:         URIScheme + pinned.IpfsHash,
		PublishedAt: c.now().UTC(),
	}
	if gateways := c.Gateways(); len(gateways) > 0 {
		ref.GatewayURL = gateways[0] + "/" + pinned.IpfsHash
	}
	c.log.Info("交易已发布到远端存储", "safe_tx_hash", tx.Hash, "cid", ref.ContentID, "request_id", requestID)
	return tx.WithMetadata(func(m *safetx.Metadata) { m.Remote = &ref }), nil
}

func multipartBody(fileName string, payload []byte, tx *safetx.Transaction) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeUnknown, err, "构造上传表单失败")
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeUnknown, err, "写入上传表单失败")
	}
	meta, _ := json.Marshal(map[string]any{
		"name": fileName,
		"keyvalues": map[string]string{
			"safeTxHash": tx.Hash,
			"chainId":    tx.ChainID.String(),
		},
	})
	if err := writer.WriteField("pinataMetadata", string(meta)); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeUnknown, err, "写入上传元数据失败")
	}
	if err := writer.Close(); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeUnknown, err, "关闭上传表单失败")
	}
	return buf, writer.FormDataContentType(), nil
}

// Retrieve fetches a transaction by content id or URI, trying each gateway
// in order. Every gateway failing yields a NotFoundError with the last cause.
func (c *Client) Retrieve(ctx context.Context, identifier string) (*safetx.Transaction, error) {
	cid, err := ParseIdentifierFromURI(identifier)
	if err != nil {
		return nil, err
	}
	if tx := c.fromCache(ctx, cid); tx != nil {
		return tx, nil
	}

	var lastErr error
	for _, gateway := range c.Gateways() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// only transport and status failures count against the breaker.
		result, err := c.breaker(gateway).Execute(func() (interface{}, error) {
			return c.fetch(ctx, gateway, cid)
		})
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", gateway, err)
			metrics.RemoteRequests.WithLabelValues(gateway, metrics.OutcomeError).Inc()
			c.log.Warn("网关获取失败，尝试下一个", "gateway", gateway, "cid", cid, "error", err)
			continue
		}
		tx, envelope, err := decodePayload(result.([]byte))
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", gateway, err)
			metrics.RemoteRequests.WithLabelValues(gateway, metrics.OutcomeError).Inc()
			c.log.Warn("网关返回的内容不是交易", "gateway", gateway, "cid", cid, "error", err)
			continue
		}
		metrics.RemoteRequests.WithLabelValues(gateway, metrics.OutcomeOK).Inc()
		if c.cache != nil {
			if err := c.cache.Set(ctx, cid, envelope); err != nil {
				c.log.Warn("缓存远端内容失败", "cid", cid, "error", err)
			}
		}
		return tx, nil
	}
	return nil, xerrors.NotFound(cid, lastErr)
}

func (c *Client) fetch(ctx context.Context, gateway, cid string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, gateway+"/"+cid, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body))
	}
	return body, nil
}

func (c *Client) fromCache(ctx context.Context, cid string) *safetx.Transaction {
	if c.cache == nil {
		return nil
	}
	payload, ok, err := c.cache.Get(ctx, cid)
	if err != nil {
		c.log.Warn("读取远端内容缓存失败", "cid", cid, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	tx, err := safetx.UnmarshalEnvelope(payload)
	if err != nil {
		c.log.Warn("缓存内容无法解析，改为从网关获取", "cid", cid, "error", err)
		return nil
	}
	metrics.RemoteCacheHits.Inc()
	return tx
}

func (c *Client) breaker(gateway string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[gateway]; ok {
		return cb
	}
	failures := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-" + gateway,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Info("网关熔断状态变化", "gateway", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[gateway] = cb
	return cb
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenSafe-Chain/internal/auth"
	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/lifecycle"
	"OpenSafe-Chain/internal/observability/metrics"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/pkg/logger"
)

const transactionsPath = "/api/v1/transactions"

// TransactionReader is the read-only subset of the lifecycle service the
// API exposes.
type TransactionReader interface {
	Get(ctx context.Context, identifier string, opts safetx.LoadOptions) (*safetx.Transaction, error)
	List(ctx context.Context, opts ...safetx.ListOption) ([]*safetx.Transaction, error)
	Stats(ctx context.Context, opts ...safetx.ListOption) (safetx.Stats, error)
	SignatureStatus(ctx context.Context, target lifecycle.Target, identifier string) (safetx.SignatureReport, *safetx.Transaction, error)
}

// ChainResolver turns a chain name or id from the query string into an id.
type ChainResolver func(ref string) (safetx.ChainID, error)

// Server 负责暴露只读 REST 接口与 /metrics。
type Server struct {
	addr    string
	service TransactionReader
	chains  ChainResolver
	auth    *auth.Service
}

// Option customises the server.
type Option func(*Server)

// WithAuth protects the transaction routes. /healthz and /metrics stay open.
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service TransactionReader, chains ChainResolver, opts ...Option) *Server {
	if chains == nil {
		chains = safetx.ParseChainID
	}
	s := &Server{addr: addr, service: service, chains: chains}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	protect := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionReadTransactions}},
		AuditEvent:          "transactions",
	})
	mux := http.NewServeMux()
	mux.Handle(transactionsPath, instrument(transactionsPath, protect(http.HandlerFunc(s.handleListTransactions))))
	mux.Handle(transactionsPath+"/", instrument(transactionsPath+"/", protect(http.HandlerFunc(s.handleTransactionDetail))))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("API 服务已启动", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type listResponse struct {
	Count        int               `json:"count"`
	Transactions []json.RawMessage `json:"transactions"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.Parameter("仅支持 GET"))
		return
	}
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.Configuration("服务未初始化"))
		return
	}
	opts, err := s.listOptions(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	txs, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := listResponse{Count: len(txs), Transactions: make([]json.RawMessage, 0, len(txs))}
	for _, tx := range txs {
		payload, err := safetx.MarshalEnvelope(tx)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp.Transactions = append(resp.Transactions, payload)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTransactionDetail serves /{id}, /{id}/signatures and /stats.
func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.Parameter("仅支持 GET"))
		return
	}
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.Configuration("服务未初始化"))
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, transactionsPath), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, xerrors.Parameter("缺少交易标识"))
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != "signatures") {
		writeError(w, http.StatusNotFound, xerrors.New(xerrors.CodeNotFound, "未知的路径"))
		return
	}

	if parts[0] == "stats" && len(parts) == 1 {
		opts, err := s.listOptions(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		stats, err := s.service.Stats(r.Context(), opts...)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	target, err := s.target(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(parts) == 2 {
		if err := s.authorize(r, auth.PermissionReadSignatures); err != nil {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		report, _, err := s.service.SignatureStatus(r.Context(), target, parts[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	tx, err := s.service.Get(r.Context(), parts[0], safetx.LoadOptions{SafeAddress: target.Safe, ChainID: target.ChainID})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	payload, err := safetx.MarshalEnvelope(tx)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// authorize 检查已认证主体的附加权限；认证关闭时总是放行。
func (s *Server) authorize(r *http.Request, perm string) error {
	if s.auth.Mode() == auth.ModeDisabled {
		return nil
	}
	return auth.SubjectFromContext(r.Context()).Authorize(perm)
}

func (s *Server) target(r *http.Request) (lifecycle.Target, error) {
	query := r.URL.Query()
	target := lifecycle.Target{Safe: strings.TrimSpace(query.Get("safe"))}
	if raw := strings.TrimSpace(query.Get("chain")); raw != "" {
		chainID, err := s.chains(raw)
		if err != nil {
			return target, err
		}
		target.ChainID = chainID
	}
	return target, nil
}

func (s *Server) listOptions(r *http.Request) ([]safetx.ListOption, error) {
	target, err := s.target(r)
	if err != nil {
		return nil, err
	}
	query := r.URL.Query()
	opts := []safetx.ListOption{safetx.WithSafe(target.Safe), safetx.WithChain(target.ChainID)}

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		var statuses []safetx.Status
		for _, part := range strings.Split(raw, ",") {
			status, err := safetx.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, safetx.WithStatuses(statuses...))
	}
	if kind := query.Get("type"); kind != "" {
		opts = append(opts, safetx.WithType(kind))
	}
	field, ok := safetx.ParseSortField(query.Get("sort"))
	if !ok {
		return nil, xerrors.Parameter("未知的排序字段: %q", query.Get("sort"))
	}
	ascending, _ := strconv.ParseBool(query.Get("asc"))
	opts = append(opts, safetx.WithSort(field, ascending))

	limit := 50
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, xerrors.Parameter("无效的 limit: %q", raw)
		}
		limit = parsed
	}
	return append(opts, safetx.WithLimit(limit)), nil
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, xerrors.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, xerrors.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, xerrors.ErrConfiguration):
		status = http.StatusServiceUnavailable
	case errors.Is(err, xerrors.ErrRemote), errors.Is(err, xerrors.ErrTimeout):
		status = http.StatusBadGateway
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Metadata = e.Metadata()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个请求的状态码与耗时。
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

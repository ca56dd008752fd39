package lifecycle

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/observability/alerting"
	"OpenSafe-Chain/internal/observability/metrics"
	"OpenSafe-Chain/internal/remote"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/web3"
	"OpenSafe-Chain/internal/web3/provider"
	"OpenSafe-Chain/internal/web3/safe"
	"OpenSafe-Chain/pkg/logger"
)

// NativeToken labels balance errors for plain value transfers.
const NativeToken = "ETH"

// SessionProvider hands out Safe SDK sessions.
type SessionProvider interface {
	Get(ctx context.Context, key provider.Key) (web3.SafeSDK, error)
}

// ChainInvalidator is implemented by session providers that can drop a
// chain's cached connection.
type ChainInvalidator interface {
	InvalidateChain(chainID safetx.ChainID)
}

// RemoteStore publishes and retrieves transactions by content id.
type RemoteStore interface {
	Publish(ctx context.Context, tx *safetx.Transaction) (*safetx.Transaction, error)
	Retrieve(ctx context.Context, identifier string) (*safetx.Transaction, error)
}

// Target names one Safe on one chain.
type Target struct {
	ChainID safetx.ChainID
	Safe    string
}

func (t Target) key(readOnly bool) (provider.Key, error) {
	if t.ChainID == 0 {
		return provider.Key{}, xerrors.Configuration("未指定链 ID")
	}
	address, err := provider.ParseSafeAddress(t.Safe)
	if err != nil {
		return provider.Key{}, err
	}
	return provider.Key{ChainID: t.ChainID, Safe: address, ReadOnly: readOnly}, nil
}

func (t Target) loadOptions() safetx.LoadOptions {
	return safetx.LoadOptions{SafeAddress: t.Safe, ChainID: t.ChainID}
}

// ProposeRequest describes a new transaction. A nil Nonce takes the Safe's
// current on-chain nonce.
type ProposeRequest struct {
	Target
	To             string
	Value          string
	Data           string
	Operation      safetx.Operation
	SafeTxGas      string
	BaseGas        string
	GasPrice       string
	GasToken       string
	RefundReceiver string
	Nonce          *uint64
	Type           string
	Counterparts   []string
	Labels         map[string]string
}

// SignOptions controls the optional execute step after signing.
type SignOptions struct {
	Execute bool
	Gas     GasPolicy
}

// Service 负责 Safe 交易的提议、签名、执行与导入导出。
type Service struct {
	store    safetx.Store
	sessions SessionProvider
	remote   RemoteStore
	alerts   alerting.Dispatcher
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// Option customises the service.
type Option func(*Service)

// WithRemote enables Push and Pull.
func WithRemote(r RemoteStore) Option {
	return func(s *Service) { s.remote = r }
}

// WithDispatcher routes execution alerts.
func WithDispatcher(d alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = d }
}

// WithExecutionTimeout bounds the confirmation wait.
func WithExecutionTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造生命周期服务。
func NewService(store safetx.Store, sessions SessionProvider, opts ...Option) *Service {
	s := &Service{
		store:    store,
		sessions: sessions,
		timeout:  DefaultConfirmationTimeout,
		now:      time.Now,
		log:      logger.Named("lifecycle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) ready() error {
	if s.store == nil {
		return xerrors.Configuration("交易存储未初始化")
	}
	return nil
}

func (s *Service) session(ctx context.Context, target Target, readOnly bool) (web3.SafeSDK, error) {
	if s.sessions == nil {
		return nil, xerrors.Configuration("未配置链会话")
	}
	key, err := target.key(readOnly)
	if err != nil {
		return nil, err
	}
	return s.sessions.Get(ctx, key)
}

// Propose validates req, computes the SafeTx hash and persists a PENDING
// transaction.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (tx *safetx.Transaction, err error) {
	defer func() { metrics.ObserveOperation("propose", web3.NetworkName(req.ChainID), err) }()
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(strings.TrimSpace(req.To)) {
		return nil, xerrors.Parameter("无效的目标地址: %q", req.To)
	}
	value, err := safe.ParseAmount(req.Value)
	if err != nil {
		return nil, err
	}
	for _, addr := range []string{req.GasToken, req.RefundReceiver} {
		if addr != "" && !common.IsHexAddress(addr) {
			return nil, xerrors.Parameter("无效的地址: %q", addr)
		}
	}
	sdk, err := s.session(ctx, req.Target, true)
	if err != nil {
		return nil, err
	}

	params := safetx.Params{
		To:             common.HexToAddress(req.To).Hex(),
		Value:          value.String(),
		Data:           req.Data,
		Operation:      req.Operation,
		SafeTxGas:      req.SafeTxGas,
		BaseGas:        req.BaseGas,
		GasPrice:       req.GasPrice,
		GasToken:       req.GasToken,
		RefundReceiver: req.RefundReceiver,
		ChainID:        sdk.ChainID(),
	}.WithDefaults()
	if req.Nonce != nil {
		params.Nonce = *req.Nonce
	} else if params.Nonce, err = sdk.GetNonce(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "读取 Safe nonce 失败")
	}

	if isNativeTransfer(params) && value.Sign() > 0 {
		balance, err := sdk.GetBalance(ctx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecution, err, "读取 Safe 余额失败")
		}
		if balance.Cmp(value) < 0 {
			return nil, &xerrors.BalanceError{Available: balance.String(), Required: value.String(), Token: NativeToken}
		}
	}

	hash, err := sdk.GetTransactionHash(ctx, params)
	if err != nil {
		return nil, err
	}
	tx, err = safetx.New(hash, params, safetx.Metadata{
		Type:         strings.TrimSpace(req.Type),
		SafeAddress:  sdk.SafeAddress().Hex(),
		Counterparts: req.Counterparts,
		Labels:       req.Labels,
	}, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, nil, tx, "交易已提议"); err != nil {
		return tx, err
	}
	return tx, nil
}

func isNativeTransfer(p safetx.Params) bool {
	data := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(p.Data)), "0x")
	return p.Operation == safetx.OperationCall && data == ""
}

// Sign adds the session signer's signature and, when opts.Execute is set
// and the threshold is reachable with the signer as executor, executes.
func (s *Service) Sign(ctx context.Context, target Target, identifier string, opts SignOptions) (tx *safetx.Transaction, err error) {
	defer func() { metrics.ObserveOperation("sign", web3.NetworkName(target.ChainID), err) }()
	if err := s.ready(); err != nil {
		return nil, err
	}
	tx, err = s.store.Load(ctx, identifier, target.loadOptions())
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		return tx, xerrors.Newf(xerrors.CodeConflict, "交易 %s 已处于终态 %s，不能再签名", tx.Hash, tx.Status)
	}
	target = targetOf(tx, target)
	sdk, err := s.session(ctx, target, false)
	if err != nil {
		return tx, err
	}
	signer := sdk.Signer()
	if signer == "" {
		return tx, xerrors.Configuration("会话未配置签名器")
	}

	owners, err := sdk.GetOwners(ctx)
	if err != nil {
		return tx, xerrors.Wrap(xerrors.CodeExecution, err, "读取 Safe owner 失败")
	}
	threshold, err := sdk.GetThreshold(ctx)
	if err != nil {
		return tx, xerrors.Wrap(xerrors.CodeExecution, err, "读取 Safe 阈值失败")
	}
	if !containsAddress(owners, signer) {
		return tx, &xerrors.SignatureError{Current: tx.SignatureCount(), Required: threshold, Reason: signer + " 不是 Safe owner"}
	}
	if tx.IsSignedBy(signer) {
		return tx, &xerrors.SignatureError{Current: tx.SignatureCount(), Required: threshold, Reason: signer + " 已经签名"}
	}
	hash, err := sdk.GetTransactionHash(ctx, tx.Params())
	if err != nil {
		return tx, err
	}
	if !strings.EqualFold(hash, tx.Hash) {
		return tx, &xerrors.SignatureError{Reason: "交易哈希与链上计算结果不一致: " + hash}
	}

	signature, err := sdk.SignTransactionHash(ctx, tx.Params())
	if err != nil {
		return tx, xerrors.Wrap(xerrors.CodeSignature, err, "签名失败")
	}
	signedAt := s.now().UTC()
	signed := tx.AddSignature(signer, signature).WithMetadata(func(m *safetx.Metadata) {
		if m.SignedAt == nil {
			m.SignedAt = map[string]time.Time{}
		}
		m.SignedAt[signer] = signedAt
	})
	if err := s.persist(ctx, tx, signed, "交易已签名"); err != nil {
		return signed, err
	}
	if !opts.Execute {
		return signed, nil
	}
	if !signed.HasEnoughSignatures(threshold, signer) {
		s.log.Info("签名数量未达到阈值，跳过执行", "safe_tx_hash", signed.Hash, "count", signed.SignatureCount(), "threshold", threshold)
		return signed, nil
	}
	return s.execute(ctx, signed, sdk, threshold, opts.Gas)
}

// Execute broadcasts a stored transaction and persists the final state,
// including partial progress when an error is returned.
func (s *Service) Execute(ctx context.Context, target Target, identifier string, gas GasPolicy) (tx *safetx.Transaction, err error) {
	defer func() { observeExecution(target.ChainID, tx, err) }()
	if err := s.ready(); err != nil {
		return nil, err
	}
	tx, err = s.store.Load(ctx, identifier, target.loadOptions())
	if err != nil {
		return nil, err
	}
	if err := CheckExecutable(tx); err != nil {
		return tx, err
	}
	sdk, err := s.session(ctx, targetOf(tx, target), false)
	if err != nil {
		return tx, err
	}
	threshold, err := sdk.GetThreshold(ctx)
	if err != nil {
		return tx, xerrors.Wrap(xerrors.CodeExecution, err, "读取 Safe 阈值失败")
	}
	return s.execute(ctx, tx, sdk, threshold, gas)
}

func (s *Service) execute(ctx context.Context, tx *safetx.Transaction, sdk web3.SafeSDK, threshold int, gas GasPolicy) (*safetx.Transaction, error) {
	orchestrator := NewOrchestrator(
		WithConfirmationTimeout(s.timeout),
		WithOrchestratorClock(s.now),
		WithAlerts(s.alerts),
		WithCheckpoint(func(ctx context.Context, submitted *safetx.Transaction) error {
			return s.persist(ctx, tx, submitted, "交易已广播")
		}),
	)
	result, execErr := orchestrator.Execute(ctx, tx, sdk, threshold, gas)
	if result == nil || result == tx {
		return tx, execErr
	}
	if execErr != nil && broadcastFailed(result) {
		s.resetChain(result.ChainID)
	}

	// the wait may outlive ctx; the final state is still written.
	saveCtx := ctx
	if ctx.Err() != nil {
		saveCtx = context.WithoutCancel(ctx)
	}
	if err := s.persist(saveCtx, tx, result, executionEvent(result)); err != nil {
		if execErr != nil {
			return result, stdErrors.Join(execErr, err)
		}
		return result, err
	}
	return result, execErr
}

func broadcastFailed(tx *safetx.Transaction) bool {
	return tx.Status == safetx.StatusPending && tx.Metadata.LastError != nil &&
		tx.Metadata.LastError.Kind == safetx.ErrorKindBroadcast
}

// resetChain drops cached sessions so the next attempt redials the node.
func (s *Service) resetChain(chainID safetx.ChainID) {
	invalidator, ok := s.sessions.(ChainInvalidator)
	if !ok {
		return
	}
	invalidator.InvalidateChain(chainID)
	s.log.Info("广播失败，已重置链连接", "chain_id", uint64(chainID))
}

func observeExecution(chainID safetx.ChainID, tx *safetx.Transaction, err error) {
	network := web3.NetworkName(chainID)
	if err == nil && tx != nil && tx.Status == safetx.StatusPending && tx.Metadata.Warning != "" {
		metrics.LifecycleOperations.WithLabelValues("execute", network, metrics.OutcomeUncertain).Inc()
		return
	}
	metrics.ObserveOperation("execute", network, err)
}

func executionEvent(tx *safetx.Transaction) string {
	switch {
	case tx.Status == safetx.StatusSuccessful:
		return "交易执行成功"
	case tx.Status == safetx.StatusFailed:
		return "交易执行失败"
	case tx.Status == safetx.StatusSubmitted:
		return "交易确认超时"
	case tx.Metadata.Warning != "":
		return "交易状态未知"
	default:
		return "交易广播失败"
	}
}

// SignatureStatus reports the signing progress against the on-chain owner
// set and threshold.
func (s *Service) SignatureStatus(ctx context.Context, target Target, identifier string) (safetx.SignatureReport, *safetx.Transaction, error) {
	if err := s.ready(); err != nil {
		return safetx.SignatureReport{}, nil, err
	}
	tx, err := s.store.Load(ctx, identifier, target.loadOptions())
	if err != nil {
		return safetx.SignatureReport{}, nil, err
	}
	sdk, err := s.session(ctx, targetOf(tx, target), true)
	if err != nil {
		return safetx.SignatureReport{}, tx, err
	}
	owners, err := sdk.GetOwners(ctx)
	if err != nil {
		return safetx.SignatureReport{}, tx, xerrors.Wrap(xerrors.CodeExecution, err, "读取 Safe owner 失败")
	}
	threshold, err := sdk.GetThreshold(ctx)
	if err != nil {
		return safetx.SignatureReport{}, tx, xerrors.Wrap(xerrors.CodeExecution, err, "读取 Safe 阈值失败")
	}
	return safetx.CheckSignatureStatus(tx, threshold, owners), tx, nil
}

// Push publishes a stored transaction and re-persists it with the remote
// reference.
func (s *Service) Push(ctx context.Context, target Target, identifier string) (tx *safetx.Transaction, err error) {
	defer func() { metrics.ObserveOperation("push", web3.NetworkName(target.ChainID), err) }()
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.remote == nil {
		return nil, xerrors.Configuration("未配置远程存储")
	}
	tx, err = s.store.Load(ctx, identifier, target.loadOptions())
	if err != nil {
		return nil, err
	}
	published, err := s.remote.Publish(ctx, tx)
	if err != nil {
		return tx, err
	}
	if err := s.persist(ctx, tx, published, "交易已发布"); err != nil {
		return published, err
	}
	return published, nil
}

// Pull retrieves a transaction by content id or URI. Signatures already held
// locally are kept, and the copy further along the lattice provides status.
func (s *Service) Pull(ctx context.Context, uri string) (tx *safetx.Transaction, err error) {
	defer func() {
		network := ""
		if tx != nil {
			network = web3.NetworkName(tx.ChainID)
		}
		metrics.ObserveOperation("pull", network, err)
	}()
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.remote == nil {
		return nil, xerrors.Configuration("未配置远程存储")
	}
	cid, err := remote.ParseIdentifierFromURI(uri)
	if err != nil {
		return nil, err
	}
	fetched, err := s.remote.Retrieve(ctx, cid)
	if err != nil {
		return nil, err
	}
	merged := fetched
	local, err := s.store.Load(ctx, fetched.Hash, safetx.LoadOptions{SafeAddress: fetched.SafeAddress(), ChainID: fetched.ChainID})
	switch {
	case err == nil:
		if merged, err = mergeCopies(local, fetched); err != nil {
			return local, err
		}
	case !stdErrors.Is(err, xerrors.ErrNotFound):
		return fetched, err
	}
	merged = merged.WithMetadata(func(m *safetx.Metadata) {
		if m.Remote == nil || m.Remote.ContentID != cid {
			m.Remote = &safetx.RemoteReference{ContentID: cid, URI: remote.URIScheme + cid, PublishedAt: s.now().UTC()}
		}
	})
	if err := s.persist(ctx, local, merged, "交易已导入"); err != nil {
		return merged, err
	}
	return merged, nil
}

func lifecycleRank(status safetx.Status) int {
	switch {
	case status.IsTerminal():
		return 2
	case status == safetx.StatusPending:
		return 0
	default:
		return 1
	}
}

// mergeCopies takes status and metadata from the copy further along the
// lattice. Local signatures are never replaced; the fetched copy only adds
// owners that have not signed locally.
func mergeCopies(local, fetched *safetx.Transaction) (*safetx.Transaction, error) {
	for _, c := range fetched.Confirmations() {
		held, ok := local.SignatureOf(c.Owner)
		if ok && !strings.EqualFold(strings.TrimSpace(held), strings.TrimSpace(c.Signature)) {
			return local, &xerrors.SignatureError{
				Current:  local.SignatureCount(),
				Required: fetched.SignatureCount(),
				Reason:   c.Owner + " 的远端签名与本地签名不一致",
			}
		}
	}

	base := fetched
	if lifecycleRank(local.Status) > lifecycleRank(fetched.Status) {
		base = local
	}
	merged := base.WithMetadata(func(m *safetx.Metadata) {
		signedAt := make(map[string]time.Time, len(local.Metadata.SignedAt)+len(fetched.Metadata.SignedAt))
		for owner, at := range fetched.Metadata.SignedAt {
			signedAt[owner] = at
		}
		for owner, at := range local.Metadata.SignedAt {
			signedAt[owner] = at
		}
		if len(signedAt) == 0 {
			signedAt = nil
		}
		m.SignedAt = signedAt
	})
	merged.Signatures = make(map[string]string, len(local.Signatures)+len(fetched.Signatures))
	for owner, signature := range local.Signatures {
		merged.Signatures[owner] = signature
	}
	for _, c := range fetched.Confirmations() {
		merged = merged.AddSignature(c.Owner, c.Signature)
	}
	return merged, nil
}

// Get resolves an identifier in the store.
func (s *Service) Get(ctx context.Context, identifier string, opts safetx.LoadOptions) (*safetx.Transaction, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Load(ctx, identifier, opts)
}

// List returns stored transactions.
func (s *Service) List(ctx context.Context, opts ...safetx.ListOption) ([]*safetx.Transaction, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, opts...)
}

// Stats counts stored transactions per status.
func (s *Service) Stats(ctx context.Context, opts ...safetx.ListOption) (safetx.Stats, error) {
	list, err := s.List(ctx, append(opts, safetx.WithLimit(0))...)
	if err != nil {
		return safetx.Stats{}, err
	}
	return safetx.CollectStats(list), nil
}

// Close 释放存储资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) persist(ctx context.Context, prev, tx *safetx.Transaction, event string) error {
	location, err := s.store.Save(ctx, tx)
	if err != nil {
		s.log.Error("保存交易失败", "safe_tx_hash", tx.Hash, "status", tx.Status, "error", err)
		return err
	}
	network := web3.NetworkName(tx.ChainID)
	if prev == nil || prev.Status != tx.Status {
		metrics.StatusTransitions.WithLabelValues(network, string(tx.Status)).Inc()
	}
	logger.Audit().Info(event,
		slog.String("safe_tx_hash", tx.Hash),
		slog.String("safe", tx.SafeAddress()),
		slog.Uint64("chain_id", uint64(tx.ChainID)),
		slog.Uint64("nonce", tx.Nonce),
		slog.String("status", string(tx.Status)),
		slog.Int("signatures", tx.SignatureCount()),
		slog.String("location", location),
	)
	return nil
}

// targetOf fills missing target fields from the stored transaction.
func targetOf(tx *safetx.Transaction, target Target) Target {
	if strings.TrimSpace(target.Safe) == "" {
		target.Safe = tx.SafeAddress()
	}
	if target.ChainID == 0 {
		target.ChainID = tx.ChainID
	}
	return target
}

func containsAddress(list []string, address string) bool {
	for _, candidate := range list {
		if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(address)) {
			return true
		}
	}
	return false
}

package lifecycle

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/observability/alerting"
	"OpenSafe-Chain/internal/observability/metrics"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/web3"
	"OpenSafe-Chain/pkg/logger"
)

// DefaultConfirmationTimeout bounds the wait for a receipt.
const DefaultConfirmationTimeout = 120 * time.Second

// Checkpoint persists an intermediate state.
type Checkpoint func(ctx context.Context, tx *safetx.Transaction) error

// Orchestrator drives one transaction through broadcast and confirmation.
//
//	PENDING --broadcast error--> PENDING (+lastError)
//	PENDING --no response-----> PENDING (+warning)
//	PENDING --response--------> SUBMITTED --receipt ok------> SUCCESSFUL
//	                                      --receipt revert--> FAILED
//	                                      --timeout/error---> SUBMITTED (+confirmationError)
type Orchestrator struct {
	timeout    time.Duration
	checkpoint Checkpoint
	alerts     alerting.Dispatcher
	now        func() time.Time
	log        *slog.Logger
}

// OrchestratorOption customises the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConfirmationTimeout overrides DefaultConfirmationTimeout.
func WithConfirmationTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithCheckpoint persists the SUBMITTED state before waiting.
func WithCheckpoint(fn Checkpoint) OrchestratorOption {
	return func(o *Orchestrator) { o.checkpoint = fn }
}

// WithAlerts sends failed, reverted and uncertain outcomes to a dispatcher.
func WithAlerts(d alerting.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithOrchestratorClock overrides the time source.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator 创建执行编排器。
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		timeout: DefaultConfirmationTimeout,
		now:     time.Now,
		log:     logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// CheckExecutable refuses terminal transactions. EXECUTED passes with a
// warning because older records used it ambiguously.
func CheckExecutable(tx *safetx.Transaction) error {
	switch tx.Status {
	case safetx.StatusSuccessful, safetx.StatusFailed, safetx.StatusCancelled:
		return xerrors.Newf(xerrors.CodeConflict, "交易 %s 已处于终态 %s，拒绝再次执行", tx.Hash, tx.Status)
	}
	return nil
}

// Execute runs the state machine. The returned transaction is the
// best-known state and is non-nil whenever tx is.
func (o *Orchestrator) Execute(ctx context.Context, tx *safetx.Transaction, sdk web3.SafeSDK, threshold int, policy GasPolicy) (*safetx.Transaction, error) {
	if tx == nil {
		return nil, xerrors.Parameter("交易不能为空")
	}
	if err := CheckExecutable(tx); err != nil {
		return tx, err
	}
	log := o.log.With("safe_tx_hash", tx.Hash, "nonce", tx.Nonce, "chain_id", uint64(tx.ChainID))
	if tx.Status == safetx.StatusExecuted {
		log.Warn("交易处于遗留的 EXECUTED 状态，继续执行")
	}

	executor := sdk.Signer()
	if !tx.HasEnoughSignatures(threshold, executor) {
		return tx, &xerrors.SignatureError{Current: tx.SignatureCount(), Required: threshold}
	}

	opts, err := policy.Resolve(ctx, sdk)
	if err != nil {
		log.Error("解析 gas 参数失败", "error", err)
		return tx, &ExecutionError{Tx: tx, Cause: err}
	}

	result, err := sdk.ExecuteTransaction(ctx, tx, opts)
	if err != nil {
		kind := safetx.ErrorKindBroadcast
		if web3.IsInsufficientSignatures(err) {
			kind = safetx.ErrorKindInsufficientSignatures
		}
		failed := o.backToPending(tx).WithMetadata(func(m *safetx.Metadata) {
			m.LastError = &safetx.ErrorAnnotation{Kind: kind, Message: err.Error(), At: o.now().UTC()}
		})
		log.Error("广播交易失败", "kind", kind, "error", err)
		o.alert(ctx, failed, err, "广播交易失败")
		return failed, &ExecutionError{Tx: failed, Cause: err}
	}

	if result.Response == nil {
		uncertain := o.backToPending(tx).WithMetadata(func(m *safetx.Metadata) {
			m.Warning = safetx.WarningStatusUncertain
			if result.Hash != "" {
				m.Execution = &safetx.ExecutionRecord{TxHash: result.Hash, Executor: executor, SubmittedAt: o.now().UTC()}
			}
		})
		log.Warn("广播未返回交易句柄，状态未知", "tx_hash", result.Hash)
		o.alert(ctx, uncertain, xerrors.New(xerrors.CodeExecution, safetx.WarningStatusUncertain), safetx.WarningStatusUncertain)
		return uncertain, nil
	}

	response := result.Response
	submittedAt := o.now()
	submitted := o.mustTransition(tx, safetx.StatusSubmitted).WithMetadata(func(m *safetx.Metadata) {
		m.Execution = &safetx.ExecutionRecord{TxHash: response.Hash(), Executor: executor, SubmittedAt: submittedAt.UTC()}
		m.Warning = ""
		m.LastError = nil
		m.ConfirmationError = ""
	})
	log.Info("交易已广播，等待确认", "tx_hash", response.Hash(), "timeout", o.timeout)
	if o.checkpoint != nil {
		if err := o.checkpoint(ctx, submitted); err != nil {
			log.Warn("保存 SUBMITTED 状态失败，继续等待确认", "error", err)
		}
	}

	receipt, err := o.waitReceipt(ctx, response)
	if err == nil && receipt == nil {
		err = stdErrors.New("empty receipt")
	}
	if err != nil {
		message := err.Error()
		code := xerrors.CodeExecution
		if stdErrors.Is(err, context.DeadlineExceeded) {
			message = fmt.Sprintf("等待确认超时 (%s): %v", o.timeout, err)
			code = xerrors.CodeTimeout
		}
		pending := submitted.WithMetadata(func(m *safetx.Metadata) { m.ConfirmationError = message })
		log.Warn("未能确认交易，保持 SUBMITTED", "error", err)
		o.alert(ctx, pending, xerrors.Wrap(code, err, "等待确认失败"), message)
		return pending, nil
	}

	metrics.ConfirmationLatency.WithLabelValues(web3.NetworkName(tx.ChainID)).Observe(o.now().Sub(submittedAt).Seconds())
	record := func(m *safetx.Metadata) {
		m.Execution = &safetx.ExecutionRecord{
			TxHash:      receipt.TxHash,
			Executor:    executor,
			BlockNumber: receipt.BlockNumber,
			GasUsed:     receipt.GasUsed,
			SubmittedAt: submittedAt.UTC(),
		}
	}
	if receipt.Successful {
		done := o.mustTransition(submitted, safetx.StatusSuccessful).WithMetadata(record).WithExecutionDate(o.now())
		log.Info("交易执行成功", "tx_hash", receipt.TxHash, "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
		return done, nil
	}

	reverted := o.mustTransition(submitted, safetx.StatusFailed).WithMetadata(record).WithMetadata(func(m *safetx.Metadata) {
		m.LastError = &safetx.ErrorAnnotation{Kind: safetx.ErrorKindReverted, Message: "transaction reverted on chain", At: o.now().UTC()}
	}).WithExecutionDate(o.now())
	cause := xerrors.New(xerrors.CodeExecution, "交易在链上回滚: "+receipt.TxHash)
	log.Error("交易在链上回滚", "tx_hash", receipt.TxHash, "block", receipt.BlockNumber)
	o.alert(ctx, reverted, cause, cause.Message())
	return reverted, &ExecutionError{Tx: reverted, Cause: cause}
}

type waitOutcome struct {
	receipt *web3.Receipt
	err     error
}

// waitReceipt races response.Wait against the confirmation timer. A Wait
// that ignores its context is abandoned when the timer fires.
func (o *Orchestrator) waitReceipt(ctx context.Context, response web3.TransactionResponse) (*web3.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	done := make(chan waitOutcome, 1)
	go func() {
		receipt, err := response.Wait(waitCtx)
		done <- waitOutcome{receipt: receipt, err: err}
	}()
	select {
	case outcome := <-done:
		return outcome.receipt, outcome.err
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}

func (o *Orchestrator) backToPending(tx *safetx.Transaction) *safetx.Transaction {
	return o.mustTransition(tx, safetx.StatusPending)
}

// mustTransition applies a lattice move that the state machine guarantees
// is legal, falling back to an unchecked change if it is not.
func (o *Orchestrator) mustTransition(tx *safetx.Transaction, next safetx.Status) *safetx.Transaction {
	out, err := tx.Transition(next)
	if err != nil {
		o.log.Error("非预期的状态变更", "from", tx.Status, "to", next, "error", err)
		return tx.WithStatus(next)
	}
	return out
}

func (o *Orchestrator) alert(ctx context.Context, tx *safetx.Transaction, err error, message string) {
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.NewEvent(err, message)
	event.SafeTxHash = tx.Hash
	event.SafeAddress = tx.SafeAddress()
	event.ChainID = uint64(tx.ChainID)
	event.Nonce = tx.Nonce
	event.Status = string(tx.Status)
	if notifyErr := o.alerts.Notify(ctx, event); notifyErr != nil {
		o.log.Warn("发送告警失败", "error", notifyErr)
	}
}

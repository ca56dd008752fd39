package lifecycle

import (
	"fmt"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

// ExecutionError wraps a fee lookup, broadcast or confirmation failure. Tx is the
// best-known state of the transaction after the failure and is always set.
type ExecutionError struct {
	Tx    *safetx.Transaction
	Cause error
}

func (e *ExecutionError) Error() string {
	hash := ""
	if e.Tx != nil {
		hash = e.Tx.Hash
	}
	return fmt.Sprintf("[%s] 交易 %s 执行失败: %v", xerrors.CodeExecution, hash, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return xerrors.Wrap(xerrors.CodeExecution, e.Cause, "交易执行失败")
}

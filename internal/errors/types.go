package errors

import (
	"fmt"
	"strings"
)

// Parameter 表示调用方提供的参数不合法（地址、金额等），不应重试。
func Parameter(format string, args ...any) *Error {
	return Newf(CodeInvalidParameter, format, args...)
}

// Configuration 表示缺少链 ID、RPC 地址或远程存储凭证等配置。
func Configuration(format string, args ...any) *Error {
	return Newf(CodeConfiguration, format, args...)
}

// NotFoundError 表示交易或远程内容不存在，携带原始查询标识。
type NotFoundError struct {
	Identifier string
	Cause      error
}

// NotFound 构造 NotFoundError。
func NotFound(identifier string, cause error) *NotFoundError {
	return &NotFoundError{Identifier: identifier, Cause: cause}
}

func (e *NotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] 未找到 %q: %v", CodeNotFound, e.Identifier, e.Cause)
	}
	return fmt.Sprintf("[%s] 未找到 %q", CodeNotFound, e.Identifier)
}

func (e *NotFoundError) Unwrap() error {
	return Wrap(CodeNotFound, e.Cause, "未找到 "+e.Identifier)
}

// BalanceError 表示余额不足。
type BalanceError struct {
	Available string
	Required  string
	Token     string
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("[%s] %s 余额不足: 可用 %s, 需要 %s", CodeInsufficientBalance, e.Token, e.Available, e.Required)
}

func (e *BalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// SignatureError 表示重复签名、非 owner 签名或签名数量未达到阈值。
type SignatureError struct {
	Current  int
	Required int
	Reason   string
}

func (e *SignatureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", CodeSignature)
	if e.Reason != "" {
		b.WriteString(e.Reason)
	} else {
		b.WriteString("签名数量不足")
	}
	if e.Required > 0 {
		fmt.Fprintf(&b, " (当前 %d, 需要 %d)", e.Current, e.Required)
	}
	return b.String()
}

func (e *SignatureError) Unwrap() error {
	return ErrSignature
}

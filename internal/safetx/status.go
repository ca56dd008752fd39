package safetx

import (
	"strings"

	xerrors "OpenSafe-Chain/internal/errors"
)

// Status 表示 Safe 交易在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	// StatusConfirmed is reserved; nothing in this module assigns it.
	StatusConfirmed Status = "CONFIRMED"
	// StatusExecuted is the legacy "sent" marker kept for files written by
	// older tooling. It is neither terminal nor proof of success.
	StatusExecuted   Status = "EXECUTED"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
	// StatusCancelled is reserved for nonce replacement flows.
	StatusCancelled Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusPending,
	StatusSubmitted,
	StatusConfirmed,
	StatusExecuted,
	StatusSuccessful,
	StatusFailed,
	StatusCancelled,
}

// ParseStatus 不区分大小写地解析状态字符串。
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, status := range allStatuses {
		if status == candidate {
			return status, nil
		}
	}
	return "", xerrors.Parameter("未知的交易状态: %q", raw)
}

// IsValid 检查状态是否为支持的枚举值。
func (s Status) IsValid() bool {
	for _, status := range allStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes the status lattice:
//
//	PENDING -> PENDING | SUBMITTED | SUCCESSFUL | FAILED | CANCELLED
//	SUBMITTED, CONFIRMED, EXECUTED -> PENDING | SUBMITTED | CONFIRMED | SUCCESSFUL | FAILED
//	SUCCESSFUL, FAILED, CANCELLED -> (none)
//
// The only backwards edge is to PENDING, taken when a broadcast attempt fails.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		switch next {
		case StatusPending, StatusSubmitted, StatusSuccessful, StatusFailed, StatusCancelled:
			return true
		}
	case StatusSubmitted, StatusConfirmed, StatusExecuted:
		switch next {
		case StatusPending, StatusSubmitted, StatusConfirmed, StatusSuccessful, StatusFailed:
			return true
		}
	}
	return false
}

package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("disk full"), "写入交易失败")
	if !stdErrors.Is(err, ErrStorage) {
		t.Fatalf("expected storage code match: %v", err)
	}
	if stdErrors.Is(err, ErrNotFound) {
		t.Fatal("unexpected match against a different code")
	}
	if !RetryableError(fmt.Errorf("outer: %w", err)) {
		t.Fatal("storage failures should be retryable")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
}

func TestTypedErrorsUnwrapToCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		target error
	}{
		{"not found", NotFound("0xabc", nil), ErrNotFound},
		{"balance", &BalanceError{Available: "1", Required: "2", Token: "ETH"}, ErrInsufficientBalance},
		{"signature", &SignatureError{Current: 1, Required: 2}, ErrSignature},
		{"parameter", Parameter("地址无效: %s", "0x1"), ErrInvalidParameter},
		{"configuration", Configuration("缺少链 ID"), ErrConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !stdErrors.Is(tc.err, tc.target) {
				t.Fatalf("%v does not match %v", tc.err, tc.target)
			}
		})
	}
}

func TestSignatureErrorMessage(t *testing.T) {
	err := &SignatureError{Current: 1, Required: 2}
	if got := err.Error(); got != "[SIGNATURE] 签名数量不足 (当前 1, 需要 2)" {
		t.Fatalf("unexpected message: %s", got)
	}
	var target *SignatureError
	if !stdErrors.As(fmt.Errorf("wrapped: %w", err), &target) || target.Required != 2 {
		t.Fatalf("expected to recover SignatureError, got %+v", target)
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeConflict, "ambiguous", WithMetadata("candidates", "a,b"))
	md := err.Metadata()
	md["candidates"] = "changed"
	if err.Metadata()["candidates"] != "a,b" {
		t.Fatal("metadata should be returned as a copy")
	}
}

package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "workflow not found")
	err := fmt.Errorf("load: %w", New(CodeNotFound, "other message"))
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeConflict, "")) {
		t.Fatalf("unexpected match for different code")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeStorageFailure, cause, "")
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if err.Message() != "storage failure" {
		t.Fatalf("unexpected default message: %s", err.Message())
	}
	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("storage failure should be retryable and alert")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeUpstreamFailure, "rpc down", WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("chain", "base"))
	if err.Retryable() {
		t.Fatalf("retryable override ignored")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("severity override ignored")
	}
	if err.Metadata()["chain"] != "base" {
		t.Fatalf("metadata missing")
	}
}

func TestRegisterAndCodeOf(t *testing.T) {
	code := Code("TEST_ONLY")
	Register(code, Attributes{Message: "test only", Severity: SeverityWarning, Retryable: true})
	err := fmt.Errorf("outer: %w", New(code, ""))
	if CodeOf(err) != code {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !HasCode(err, code) {
		t.Fatalf("HasCode should report registered code")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(CodeInvalidArgument, "edge %s has invalid handle %q", "e1", "maybe")
	if err.Message() != `edge e1 has invalid handle "maybe"` {
		t.Fatalf("unexpected message: %s", err.Message())
	}
	if CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
}

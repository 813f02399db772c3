package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	base := stdErrors.New("unexpected end of JSON input")
	err := fmt.Errorf("read state: %w", Wrap(CodeMalformed, base, "state file malformed", WithMetadata("path", "/tmp/state.json")))

	if got := CodeOf(err); got != CodeMalformed {
		t.Fatalf("unexpected code: got %s want %s", got, CodeMalformed)
	}
	if !stdErrors.Is(err, New(CodeMalformed, "")) {
		t.Fatalf("errors.Is should match by code")
	}
	if stdErrors.Is(err, New(CodeNotFound, "")) {
		t.Fatalf("malformed must not match not found")
	}
	if !stdErrors.Is(err, base) {
		t.Fatalf("cause should stay reachable")
	}
	e, ok := From(err)
	if !ok {
		t.Fatalf("expected unified error")
	}
	if e.Metadata()["path"] != "/tmp/state.json" {
		t.Fatalf("unexpected metadata: %+v", e.Metadata())
	}
}

func TestAttributesFallback(t *testing.T) {
	if got := AttributesOf(Code("NOPE")); got.Message != "unknown error" {
		t.Fatalf("unexpected fallback: %+v", got)
	}
	if !AttributesOf(CodeMalformed).Retryable || AttributesOf(CodeNotFound).Retryable {
		t.Fatalf("unexpected retryable attributes")
	}
	Register(Code("TEST_CODE"), Attributes{Message: "test", Severity: SeverityCritical, Alert: true})
	if got := New(Code("TEST_CODE"), ""); got.Error() != "[TEST_CODE] test" {
		t.Fatalf("registered message not used: %s", got.Error())
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to unknown")
	}
}

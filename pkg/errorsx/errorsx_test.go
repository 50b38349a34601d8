package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSubmissionFailure)
	if Reason(err) != ReasonSubmissionFailure {
		t.Fatalf("expected reason %s, got %s", ReasonSubmissionFailure, Reason(err))
	}
	if !HasReason(err, ReasonSubmissionFailure) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonPermissionDenied)
	second := Wrap(first, ReasonProbeFailure)
	if Reason(second) != ReasonPermissionDenied {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("probe: %w", Wrap(assertErr{}, ReasonProbeFailure))
	if Reason(err) != ReasonProbeFailure {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(err))
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestErrorfKeepsCause(t *testing.T) {
	err := Errorf(ReasonSubmissionFailure, "translate: %w", assertErr{})
	if !HasReason(err, ReasonSubmissionFailure) {
		t.Fatalf("expected submission failure, got %s", Reason(err))
	}
	if err.Error() != "translate: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	var cause assertErr
	if !errors.As(err, &cause) {
		t.Fatalf("expected cause reachable")
	}
}

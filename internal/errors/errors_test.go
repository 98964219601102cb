package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/dres-dev/DRES-sub000/internal/errors"
)

// TestConstructorKinds tests that each constructor tags the right kind
func TestConstructorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want errors.Kind
	}{
		{errors.WrongState("run not active"), errors.ErrWrongState},
		{errors.WrongStatef("task %s already running", "t1"), errors.ErrWrongState},
		{errors.UnknownEntity("no such run"), errors.ErrUnknownEntity},
		{errors.UnknownEntityf("no run %q", "r1"), errors.ErrUnknownEntity},
		{errors.Rejected("duplicate submission"), errors.ErrRejected},
		{errors.Rejectedf("limit of %d reached", 3), errors.ErrRejected},
		{errors.InvalidArgument("missing team"), errors.ErrInvalidArgument},
		{errors.InvalidArgumentf("bad index %d", -1), errors.ErrInvalidArgument},
		{errors.Forbidden("admins only"), errors.ErrForbidden},
		{errors.Forbiddenf("role %s not allowed", "VIEWER"), errors.ErrForbidden},
		{errors.Internal(fmt.Errorf("disk full")), errors.ErrInternal},
		{errors.Internalf("save failed after %d attempts", 3), errors.ErrInternal},
	}
	for _, tc := range cases {
		if got := errors.KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%q) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

// TestKindOfForeignError tests that arbitrary errors classify as internal
func TestKindOfForeignError(t *testing.T) {
	if got := errors.KindOf(fmt.Errorf("plain error")); got != errors.ErrInternal {
		t.Errorf("KindOf(plain) = %d, want ErrInternal", got)
	}
}

// TestWrapPreservesCause tests wrapping and unwrapping
func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := errors.Wrap(cause, errors.ErrUnknownEntity, "loading run")

	if got := errors.KindOf(err); got != errors.ErrUnknownEntity {
		t.Errorf("KindOf = %d, want ErrUnknownEntity", got)
	}
	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
	if want := "loading run: connection reset"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

// TestMessageWithoutCause tests the message-only formatting
func TestMessageWithoutCause(t *testing.T) {
	err := errors.Rejected("rate limit exceeded")
	if err.Error() != "rate limit exceeded" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Unwrap() != nil {
		t.Error("expected no underlying error")
	}
}

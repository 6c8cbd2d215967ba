package corerr

import (
	"errors"
	"testing"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(KindInvalid, "bad filter")
	if err.Error() != "invalid: bad filter" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestNewWithoutMessageFallsBackToKind(t *testing.T) {
	err := New(KindTimeout, "")
	if err.Error() != "timeout" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Wrap(KindStorage, cause, "saving event")
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find wrapped cause")
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := New(KindRateExceeded, "too fast")
	if !Is(err, KindRateExceeded) {
		t.Fatal("expected Is to match on kind")
	}
	if Is(err, KindTimeout) {
		t.Fatal("expected Is to reject mismatched kind")
	}
}

func TestIsRejectsPlainErrors(t *testing.T) {
	if Is(errors.New("plain"), KindInvalid) {
		t.Fatal("expected Is to reject unclassified errors")
	}
}

func TestSentinelsCarryExpectedKinds(t *testing.T) {
	cases := []struct {
		err  *Error
		kind Kind
	}{
		{ErrDuplicateSubscription, KindDuplicateSubscription},
		{ErrSubscriptionNotFound, KindSubscriptionNotFound},
		{ErrStreamClosed, KindStreamClosed},
		{ErrNotConnected, KindNotConnected},
	}
	for _, tc := range cases {
		if tc.err.Kind != tc.kind {
			t.Fatalf("expected kind %v, got %v", tc.kind, tc.err.Kind)
		}
	}
}

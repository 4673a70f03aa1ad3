package xerror_test

import (
	"errors"
	"testing"

	"github.com/openfwa/isochd/internal/xerror"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := xerror.New(xerror.Busy, "Stream.configure")
	if !errors.Is(err, xerror.ErrBusy) {
		t.Fatalf("expected errors.Is to match Busy kind, got %v", err)
	}
	if errors.Is(err, xerror.ErrTimeout) {
		t.Fatalf("expected errors.Is to not match Timeout kind")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if xerror.Wrap(xerror.BusIO, "op", nil) != nil {
		t.Fatalf("expected Wrap(nil) to return nil")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := xerror.Wrap(xerror.OutOfMemory, "BufferAllocator.Allocate", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable via errors.Is")
	}
}

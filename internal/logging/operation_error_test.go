package logging

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("repository.save", "req-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("connection refused")

	err := NewOperationError("cache.get.result", "req-1", base)
	if got, want := err.Error(), "cache.get.result (request_id=req-1): connection refused"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to match the wrapped error")
	}

	err = NewOperationError("grpcclient.dial", "", base)
	if got, want := err.Error(), "grpcclient.dial: connection refused"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
}

func TestErrorFields(t *testing.T) {
	fields := ErrorFields(errors.New("plain"))
	if len(fields) != 1 {
		t.Fatalf("expected only the error field, got %d", len(fields))
	}

	err := fmt.Errorf("handler: %w", NewOperationError("usecase.preprocess", "req-9", errors.New("empty image")))
	fields = ErrorFields(err)
	if len(fields) != 2 {
		t.Fatalf("expected error and operation fields, got %d", len(fields))
	}
	if fields[1].Key != "failed_operation" || fields[1].String != "usecase.preprocess" {
		t.Fatalf("unexpected operation field: %+v", fields[1])
	}
}

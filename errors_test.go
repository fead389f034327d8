package ecoshop

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatching(t *testing.T) {
	t.Run("sentinel matches by code", func(t *testing.T) {
		err := NewError(CodeNotFound, "no such product")
		if !errors.Is(err, ErrNotFound) {
			t.Error("errors.Is failed on matching code")
		}
		if errors.Is(err, ErrNetwork) {
			t.Error("errors.Is matched a different code")
		}
	})

	t.Run("code survives wrapping", func(t *testing.T) {
		inner := NewError(CodeNotFound, "missing")
		wrapped := fmt.Errorf("query products: %w", inner)
		if !IsNotFound(wrapped) {
			t.Error("IsNotFound failed through fmt wrapping")
		}
	})

	t.Run("outermost code wins", func(t *testing.T) {
		err := WrapError(CodeUpload, "upload failed", ErrNetwork)
		if !IsCode(err, CodeUpload) {
			t.Error("outer code not reported")
		}
		if IsNetwork(err) {
			t.Error("errors.As should stop at the outermost *Error")
		}
		if !errors.Is(err, ErrNetwork) {
			t.Error("the cause should still match via errors.Is")
		}
	})

	t.Run("with details", func(t *testing.T) {
		err := ErrNotFound.WithDetails(map[string]interface{}{"id": "p1"})
		if !IsNotFound(err) {
			t.Error("details copy lost the code")
		}
		if ErrNotFound.Details != nil {
			t.Error("WithDetails mutated the sentinel")
		}
	})
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) != nil")
	}

	e := AsError(errors.New("plain"))
	if e.Code != CodeUnknown {
		t.Errorf("code = %s, want UNKNOWN_ERROR", e.Code)
	}

	orig := NewError(CodeStock, "out of stock")
	if got := AsError(fmt.Errorf("add item: %w", orig)); got != orig {
		t.Error("AsError should unwrap to the original *Error")
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsRetryable(ErrNetwork) {
		t.Error("network errors are retryable")
	}
	if IsRetryable(ErrNotFound) {
		t.Error("not-found is not retryable")
	}
	if !IsPermanent(NewError(CodeValidation, "bad input")) {
		t.Error("validation failures are permanent")
	}
	if IsPermanent(ErrNetwork) {
		t.Error("network failures are not permanent")
	}
}

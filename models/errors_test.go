package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsScrapeErrorFindsWrappedCode(t *testing.T) {
	base := NewScrapeError(ErrCodeTimeout, "navigation wait expired", nil)
	wrapped := fmt.Errorf("attempt 3: %w", base)

	se := AsScrapeError(wrapped)
	if se.Code != ErrCodeTimeout {
		t.Errorf("Code = %q, want %q for a wrapped ScrapeError", se.Code, ErrCodeTimeout)
	}

	se = AsScrapeError(base)
	if se != base {
		t.Error("a top-level ScrapeError must be returned as-is")
	}
}

func TestAsScrapeErrorDefaultsToInternal(t *testing.T) {
	se := AsScrapeError(errors.New("boom"))
	if se.Code != ErrCodeInternal {
		t.Errorf("Code = %q, want %q for an untyped error", se.Code, ErrCodeInternal)
	}
	if se.Message != "boom" {
		t.Errorf("Message = %q, want the original error text", se.Message)
	}
}

func TestScrapeErrorUnwrap(t *testing.T) {
	inner := errors.New("net::ERR_TIMED_OUT")
	se := NewScrapeError(ErrCodeNavigation, "navigation failed", inner)
	if !errors.Is(se, inner) {
		t.Error("ScrapeError must unwrap to its inner error")
	}
}

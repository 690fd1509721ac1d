package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTransientClassification(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatal("Transient(nil) must be nil")
	}
	base := errors.New("connection reset")
	te := Transient(base)
	if !IsTransient(te) {
		t.Fatal("wrapped error should be transient")
	}
	if !errors.Is(te, base) {
		t.Fatal("Transient must preserve the cause")
	}
	if IsTransient(base) {
		t.Fatal("plain error must not be transient")
	}
}

func TestWithRetryRetriesTransientOnly(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 3}

	attempts := 0
	err := WithRetry(context.Background(), zerolog.Nop(), policy, "op", func() error {
		attempts++
		if attempts < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	attempts = 0
	permanent := errors.New("constraint violation")
	err = WithRetry(context.Background(), zerolog.Nop(), policy, "op", func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("permanent error was retried %d times", attempts)
	}
}

func TestWithRetryGivesUpAfterBudget(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 2}
	attempts := 0
	err := WithRetry(context.Background(), zerolog.Nop(), policy, "op", func() error {
		attempts++
		return Transient(errors.New("still down"))
	})
	if err == nil {
		t.Fatal("expected failure after retry budget")
	}
	if attempts != 3 { // initial try + 2 retries
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

package state

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrTransient, true},
		{"wrapped sentinel", fmt.Errorf("create task: %w", ErrTransient), true},
		{"locked message", errors.New("database is locked"), true},
		{"busy message", errors.New("step: SQLITE_BUSY"), true},
		{"constraint", errors.New("UNIQUE constraint failed: tasks.id"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_RetriesTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := p.do(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do returned %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicy_GivesUpWithErrTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	err := p.do(func() error {
		calls++
		return errors.New("database is locked")
	})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicy_PermanentErrorNotRetried(t *testing.T) {
	p := DefaultRetryPolicy()
	permanent := errors.New("no such table: nope")

	calls := 0
	err := p.do(func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_BackoffBounded(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for retry := 1; retry <= 8; retry++ {
		for i := 0; i < 20; i++ {
			if d := p.Backoff(retry); d < 0 || d > p.MaxDelay {
				t.Fatalf("Backoff(%d) = %v, outside [0, %v]", retry, d, p.MaxDelay)
			}
		}
	}
}

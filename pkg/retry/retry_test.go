package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, WithMaxAttempts(3))

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithExponentialBackoff(5, time.Millisecond, 5*time.Millisecond)...)

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ReturnsErrorAfterExhaustingAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	}, WithExponentialBackoff(3, time.Millisecond, time.Millisecond)...)

	if err == nil {
		t.Fatal("Do: expected error after exhausting attempts, got nil")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do error = %v, want wrapping %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("fail")
	}, WithExponentialBackoff(5, 50*time.Millisecond, 50*time.Millisecond)...)

	if err == nil {
		t.Fatal("Do: expected error for canceled context")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_OnRetryCalledBetweenAttempts(t *testing.T) {
	var seenAttempts []int
	calls := 0

	opts := append(WithExponentialBackoff(3, time.Millisecond, time.Millisecond),
		WithOnRetry(func(attempt int, err error, next time.Duration) {
			seenAttempts = append(seenAttempts, attempt)
		}),
	)

	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("retry me")
		}
		return nil
	}, opts...)

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(seenAttempts) != 1 || seenAttempts[0] != 1 {
		t.Fatalf("seenAttempts = %v, want [1]", seenAttempts)
	}
}

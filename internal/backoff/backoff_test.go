package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialCapsAtMax(t *testing.T) {
	t.Parallel()
	e := NewExponential(100*time.Millisecond, time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitteredStaysInBand(t *testing.T) {
	t.Parallel()
	j := NewJittered(100*time.Millisecond, time.Second)
	for i := 0; i < 100; i++ {
		d := j.Delay(2)
		if d < 200*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within [200ms, 240ms]", d)
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	retried := 0
	err := Retry(context.Background(), 5, NewExponential(time.Millisecond, time.Millisecond), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(int, time.Duration, error) { retried++ })
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 || retried != 2 {
		t.Fatalf("calls=%d retried=%d, want 3 and 2", calls, retried)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	t.Parallel()
	want := errors.New("still down")
	calls := 0
	err := Retry(context.Background(), 2, NewExponential(time.Millisecond, time.Millisecond), func(context.Context) error {
		calls++
		return want
	}, nil)
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryHonorsCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 10, NewExponential(time.Hour, time.Hour), func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

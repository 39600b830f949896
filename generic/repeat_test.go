package generic

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRepeatCount(t *testing.T) {
	count := 0
	f := func(ctx context.Context, tm time.Time) error {
		count++
		return nil
	}
	if err := Repeat(context.Background(), f, time.Millisecond, 5); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 runs, got %d", count)
	}
}

func TestRepeatStopsOnError(t *testing.T) {
	count := 0
	f := func(ctx context.Context, tm time.Time) error {
		count++
		if count == 2 {
			return errors.New("boom")
		}
		return nil
	}
	if err := Repeat(context.Background(), f, time.Millisecond, -1); err == nil {
		t.Fatalf("expected the function error to propagate")
	}
	if count != 2 {
		t.Fatalf("expected the loop to stop after the error, got %d runs", count)
	}
}

func TestRepeatCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := func(ctx context.Context, tm time.Time) error {
		cancel()
		return nil
	}
	if err := Repeat(ctx, f, time.Hour, -1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

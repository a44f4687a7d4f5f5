package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

func counter(stopAt int) (func(context.Context) (int, error), func(int) bool) {
	n := 0
	return func(context.Context) (int, error) {
			n++
			return n, nil
		}, func(v int) bool {
			return stopAt > 0 && v >= stopAt
		}
}

func TestUntilReturnsWhenDone(t *testing.T) {
	fetch, done := counter(3)
	v, err := Until(context.Background(), fetch, done, Options{Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("Until: %v", err)
	}
	if v != 3 {
		t.Errorf("v = %d, want 3", v)
	}
}

func TestUntilMaxAttempts(t *testing.T) {
	fetch, done := counter(0)
	v, err := Until(context.Background(), fetch, done, Options{Interval: time.Millisecond, MaxAttempts: 4})
	if !errors.Is(err, migration.ErrClientTimeout) {
		t.Fatalf("err = %v, want ErrClientTimeout", err)
	}
	if v != 4 {
		t.Errorf("last value = %d, want 4", v)
	}
}

func TestUntilTimeout(t *testing.T) {
	fetch, done := counter(0)
	start := time.Now()
	_, err := Until(context.Background(), fetch, done, Options{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	if !errors.Is(err, migration.ErrClientTimeout) {
		t.Fatalf("err = %v, want ErrClientTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not honoured")
	}
}

func TestUntilFetchErrorStops(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Until(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, boom
	}, func(int) bool { return false }, Options{Interval: time.Millisecond})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times", calls)
	}
}

func TestUntilContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetch, done := counter(0)
	_, err := Until(ctx, fetch, done, Options{Interval: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

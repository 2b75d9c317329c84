package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/notify-relay/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

func TestSendWindowCountEvictsOldSends(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	w, err := NewSendWindow(rdb, "", time.Minute)
	if err != nil {
		t.Fatalf("NewSendWindow() error = %v", err)
	}

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for _, offset := range []time.Duration{0, 10 * time.Second, 10 * time.Second, 30 * time.Second} {
		if err := w.Add(ctx, base.Add(offset)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	got, err := w.Count(ctx, base.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if got != 4 {
		t.Fatalf("Count() = %d, want 4 (same-millisecond sends are distinct)", got)
	}

	got, err = w.Count(ctx, base.Add(60*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if got != 3 {
		t.Fatalf("Count() = %d, want 3 after oldest send expired", got)
	}

	got, err = w.Count(ctx, base.Add(91*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}

func TestSendWindowSetsExpiry(t *testing.T) {
	t.Parallel()

	rdb, mr := newTestRedisClient(t)
	w, err := NewSendWindow(rdb, "relay:test", time.Minute)
	if err != nil {
		t.Fatalf("NewSendWindow() error = %v", err)
	}

	if err := w.Add(context.Background(), time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if ttl := mr.TTL("relay:test"); ttl != 2*time.Minute {
		t.Fatalf("TTL = %s, want 2m", ttl)
	}
}

func TestSendWindowBacksLimiter(t *testing.T) {
	t.Parallel()

	rdb, _ := newTestRedisClient(t)
	w, err := NewSendWindow(rdb, "", time.Minute)
	if err != nil {
		t.Fatalf("NewSendWindow() error = %v", err)
	}

	now := time.Unix(1_700_000_500, 0)
	l := ratelimit.NewLimiter(
		ratelimit.Config{GlobalLimit: 2},
		ratelimit.WithSendWindow(w),
		ratelimit.WithClock(func() time.Time { return now }),
	)

	ctx := context.Background()
	l.RecordSend(ctx)
	l.RecordSend(ctx)
	if l.CanSendGlobally(ctx) {
		t.Fatal("CanSendGlobally() = true at ceiling")
	}

	now = now.Add(61 * time.Second)
	if !l.CanSendGlobally(ctx) {
		t.Fatal("CanSendGlobally() = false after window passed")
	}
}

func TestNewSendWindowRequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := NewSendWindow(nil, "", time.Minute); err == nil {
		t.Fatal("NewSendWindow(nil) error = nil")
	}
}

func newTestRedisClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb, mr
}

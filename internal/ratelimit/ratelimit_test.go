package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestTakeDrainsBucket(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// Capacity 3 with a very slow refill: exactly three takes succeed.
	for i := 0; i < 3; i++ {
		ok, _, err := l.Take(ctx, "channel:test", 3, 0.001)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("take %d denied, want allowed", i)
		}
	}
	ok, retry, err := l.Take(ctx, "channel:test", 3, 0.001)
	if err != nil {
		t.Fatalf("take 4: %v", err)
	}
	if ok {
		t.Fatal("take 4 allowed, want denied")
	}
	if retry <= 0 {
		t.Fatalf("retry = %v, want positive", retry)
	}
}

func TestTakeIndependentBuckets(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if ok, _, _ := l.Take(ctx, "a", 1, 0.001); !ok {
		t.Fatal("bucket a first take denied")
	}
	if ok, _, _ := l.Take(ctx, "a", 1, 0.001); ok {
		t.Fatal("bucket a second take allowed")
	}
	if ok, _, _ := l.Take(ctx, "b", 1, 0.001); !ok {
		t.Fatal("bucket b should be untouched")
	}
}

func TestRecordInWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	window := time.Hour

	for i, want := range []int{1, 2, 3} {
		n, err := l.RecordInWindow(ctx, "div:carscout:bmw:320", string(rune('a'+i)), window)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if n != want {
			t.Fatalf("count = %d, want %d", n, want)
		}
	}

	n, err := l.WindowCount(ctx, "div:carscout:bmw:320", window)
	if err != nil {
		t.Fatalf("window count: %v", err)
	}
	if n != 3 {
		t.Fatalf("window count = %d, want 3", n)
	}
}

// Re-recording the same member keeps one reservation: a retried delivery
// re-claims its own slot instead of taking a second one.
func TestRecordInWindowSameMemberOnce(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		n, err := l.RecordInWindow(ctx, "div:carscout:bmw:320", "listing-1", time.Hour)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("count = %d, want 1", n)
		}
	}
}

func TestRemoveFromWindowFreesSlot(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for _, m := range []string{"a", "b"} {
		if _, err := l.RecordInWindow(ctx, "div:x", m, time.Hour); err != nil {
			t.Fatalf("record %s: %v", m, err)
		}
	}
	if err := l.RemoveFromWindow(ctx, "div:x", "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	n, err := l.WindowCount(ctx, "div:x", time.Hour)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	// Removing an absent member changes nothing.
	if err := l.RemoveFromWindow(ctx, "div:x", "ghost"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
}

func TestWindowCountEmpty(t *testing.T) {
	l, _ := newTestLimiter(t)
	n, err := l.WindowCount(context.Background(), "div:none", time.Hour)
	if err != nil {
		t.Fatalf("window count: %v", err)
	}
	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestDailyCounter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	day := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	for want := 1; want <= 3; want++ {
		n, err := l.IncrDaily(ctx, "user:u1", day)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != want {
			t.Fatalf("n = %d, want %d", n, want)
		}
	}

	n, err := l.DailyCount(ctx, "user:u1", day)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	// A different UTC day starts from zero.
	next := day.Add(24 * time.Hour)
	n, err = l.DailyCount(ctx, "user:u1", next)
	if err != nil {
		t.Fatalf("count next day: %v", err)
	}
	if n != 0 {
		t.Fatalf("next day count = %d, want 0", n)
	}
}

func TestAddDailyReleasesReservation(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	day := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	if _, err := l.IncrDaily(ctx, "user:u1", day); err != nil {
		t.Fatalf("incr: %v", err)
	}
	n, err := l.IncrDaily(ctx, "user:u1", day)
	if err != nil || n != 2 {
		t.Fatalf("second incr = %d, %v", n, err)
	}

	n, err = l.AddDaily(ctx, "user:u1", day, -1)
	if err != nil || n != 1 {
		t.Fatalf("release = %d, %v", n, err)
	}
	n, err = l.DailyCount(ctx, "user:u1", day)
	if err != nil || n != 1 {
		t.Fatalf("count after release = %d, %v", n, err)
	}

	// A batch add seeds a fresh counter in one call.
	n, err = l.AddDaily(ctx, "user:u2", day, 5)
	if err != nil || n != 5 {
		t.Fatalf("batch add = %d, %v", n, err)
	}
}

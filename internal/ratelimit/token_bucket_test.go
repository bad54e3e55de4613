package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, capacity, refill, time.Minute)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "tenant")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "tenant")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "tenant")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("retry after = %s, want 1s", d.RetryAfter)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 0.5)

	if d, _ := bucket.Allow(ctx, "tenant"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "tenant"); d.Allowed {
		t.Fatalf("expected empty bucket")
	}

	*clock = clock.Add(2 * time.Second)
	if d, _ := bucket.Allow(ctx, "tenant"); !d.Allowed {
		t.Fatalf("expected token after refill")
	}
}

func TestTokenBucketIsolatesTenants(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0.1)

	if d, _ := bucket.Allow(ctx, "a"); !d.Allowed {
		t.Fatalf("expected tenant a allowed")
	}
	if d, _ := bucket.Allow(ctx, "b"); !d.Allowed {
		t.Fatalf("tenant b throttled by tenant a")
	}
}

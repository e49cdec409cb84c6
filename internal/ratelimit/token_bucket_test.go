package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, remaining, err := bucket.Allow(ctx, "ada")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 token remaining got %v", remaining)
	}
	allowed, _, _ = bucket.Allow(ctx, "ada")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "ada")
	if allowed {
		t.Fatalf("expected third request rejected")
	}

	// Buckets are per caller; a drained bucket must not throttle others.
	allowed, _, err = bucket.Allow(ctx, "bob")
	if err != nil || !allowed {
		t.Fatalf("expected fresh caller allowed got allowed=%v err=%v", allowed, err)
	}

	// Refill cannot be tested with miniredis.FastForward because the script
	// takes its clock from the caller, not from Redis.
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newMemoryLimiter(t *testing.T) *Limiter {
	t.Helper()
	limiter, err := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return limiter
}

func TestConsumeWithinLimit(t *testing.T) {
	limiter := newMemoryLimiter(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		decision := limiter.Consume(ctx, "client-a", 5, 60)
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if decision.CurrentCount != i {
			t.Errorf("request %d: count %d", i, decision.CurrentCount)
		}
		if !decision.ResetAt.After(time.Now()) {
			t.Error("reset time should be in the future")
		}
	}
}

func TestConsumeDeniesOverLimit(t *testing.T) {
	limiter := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Consume(ctx, "client-a", 3, 60)
	}

	decision := limiter.Consume(ctx, "client-a", 3, 60)
	if decision.Allowed {
		t.Error("fourth request against a limit of 3 should be denied")
	}
	if decision.CurrentCount != 4 {
		t.Errorf("count should keep advancing, got %d", decision.CurrentCount)
	}
}

func TestConsumeKeysAreIndependent(t *testing.T) {
	limiter := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.Consume(ctx, "client-a", 3, 60)
	}
	if decision := limiter.Consume(ctx, "client-b", 3, 60); !decision.Allowed {
		t.Error("an exhausted key must not affect other keys")
	}
}

func TestConsumeWindowReset(t *testing.T) {
	limiter := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Consume(ctx, "client-a", 1, 60)
	}
	if decision := limiter.Consume(ctx, "client-a", 1, 60); decision.Allowed {
		t.Fatal("window should be exhausted")
	}

	// Force the window to expire instead of sleeping.
	limiter.mu.Lock()
	limiter.memory["client-a"].resetAt = time.Now().Add(-time.Second)
	limiter.mu.Unlock()

	decision := limiter.Consume(ctx, "client-a", 1, 60)
	if !decision.Allowed {
		t.Error("a fresh window should admit the request")
	}
	if decision.CurrentCount != 1 {
		t.Errorf("fresh window should restart the count, got %d", decision.CurrentCount)
	}
}

func TestRequireDistributedWithoutRedis(t *testing.T) {
	_, err := New(Config{RequireDistributed: true})
	if !errors.Is(err, ErrDistributedRequired) {
		t.Errorf("expected ErrDistributedRequired, got %v", err)
	}
}

func TestPruneDropsExpiredWindows(t *testing.T) {
	limiter := newMemoryLimiter(t)
	ctx := context.Background()

	// Fill past the prune threshold with already-expired windows.
	limiter.mu.Lock()
	for i := 0; i < memoryPruneThreshold; i++ {
		limiter.memory[fmt.Sprintf("stale-%d", i)] = &memoryWindow{
			count:   1,
			resetAt: time.Now().Add(-time.Minute),
		}
	}
	limiter.mu.Unlock()

	limiter.Consume(ctx, "fresh", 10, 60)

	limiter.mu.Lock()
	size := len(limiter.memory)
	limiter.mu.Unlock()
	if size != 1 {
		t.Errorf("expired windows should be swept, %d entries remain", size)
	}
}

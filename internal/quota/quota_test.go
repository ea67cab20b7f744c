package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lggm33/AFP-Project/internal/cache"
	"github.com/lggm33/AFP-Project/internal/domain"
)

type countingSuggester struct {
	calls int
}

func (s *countingSuggester) SuggestStrategies(ctx context.Context, content string, hint string) (map[domain.Field][]domain.ExtractionStrategy, error) {
	s.calls++
	return map[domain.Field][]domain.ExtractionStrategy{
		domain.FieldAmount: {{Kind: domain.KindPattern, Instruction: `Monto:\s*([\d,.]+)`, Weight: 0.8}},
	}, nil
}

func TestLimiter(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	ctx := context.Background()

	t.Run("WithinBudget", func(t *testing.T) {
		limiter := NewLimiter(lruCache, 2, time.Hour)
		for i := 0; i < 2; i++ {
			ok, err := limiter.Allow(ctx, "tenant-within")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !ok {
				t.Errorf("call %d should be allowed", i+1)
			}
		}

		ok, _ := limiter.Allow(ctx, "tenant-within")
		if ok {
			t.Error("third call should exceed the budget")
		}
	})

	t.Run("TenantsAreIsolated", func(t *testing.T) {
		limiter := NewLimiter(lruCache, 1, time.Hour)
		limiter.Allow(ctx, "tenant-x")
		ok, _ := limiter.Allow(ctx, "tenant-y")
		if !ok {
			t.Error("budget of another tenant must not be charged")
		}
	})

	t.Run("WindowResets", func(t *testing.T) {
		limiter := NewLimiter(lruCache, 1, 20*time.Millisecond)
		limiter.Allow(ctx, "tenant-window")
		time.Sleep(40 * time.Millisecond)
		ok, _ := limiter.Allow(ctx, "tenant-window")
		if !ok {
			t.Error("expected a fresh window")
		}
	})

	t.Run("DisabledLimit", func(t *testing.T) {
		limiter := NewLimiter(lruCache, 0, time.Hour)
		for i := 0; i < 10; i++ {
			if ok, _ := limiter.Allow(ctx, "tenant-unlimited"); !ok {
				t.Fatal("disabled limiter must allow every call")
			}
		}
	})

	t.Run("MissingTenant", func(t *testing.T) {
		limiter := NewLimiter(lruCache, 1, time.Hour)
		_, err := limiter.Allow(ctx, "")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestGuard(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	inner := &countingSuggester{}
	guard := NewGuard(inner, NewLimiter(lruCache, 1, time.Hour))
	ctx := domain.WithTenant(context.Background(), "tenant-guard")

	got, err := guard.SuggestStrategies(ctx, "Monto: 1.000,00", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got[domain.FieldAmount]) != 1 {
		t.Errorf("expected suggestion to pass through, got %+v", got)
	}

	_, err = guard.SuggestStrategies(ctx, "Monto: 1.000,00", "")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 forwarded call, got %d", inner.calls)
	}

	t.Run("NoTenantInContext", func(t *testing.T) {
		_, err := guard.SuggestStrategies(context.Background(), "x", "")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

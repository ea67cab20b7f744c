// Package quota caps how many strategy suggestions a tenant may request
// per time window.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// ErrBudgetExceeded is returned when a tenant has used its suggestion budget.
var ErrBudgetExceeded = errors.New("suggestion budget exceeded")

const counterKey = "suggest:budget"

// Limiter counts calls per tenant in fixed windows backed by the cache.
type Limiter struct {
	cache  domain.Cache
	limit  int64
	window time.Duration
}

// NewLimiter creates a limiter. A limit of 0 or less disables it.
func NewLimiter(cache domain.Cache, limit int64, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{
		cache:  cache,
		limit:  limit,
		window: window,
	}
}

// Allow consumes one unit of the tenant's budget and reports whether the
// call may proceed.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if l.limit <= 0 || l.cache == nil {
		return true, nil
	}

	count, err := l.cache.IncrementCounter(ctx, tenantID, counterKey, l.window)
	if err != nil {
		return false, fmt.Errorf("failed to count suggestion calls: %w", err)
	}
	return count <= l.limit, nil
}

// suggester mirrors extract.Suggester.
type suggester interface {
	SuggestStrategies(ctx context.Context, content string, hint string) (map[domain.Field][]domain.ExtractionStrategy, error)
}

// Guard wraps a suggester so every call is charged to the tenant found in
// the context.
type Guard struct {
	next    suggester
	limiter *Limiter
}

// NewGuard creates a budget-enforcing suggester.
func NewGuard(next suggester, limiter *Limiter) *Guard {
	return &Guard{next: next, limiter: limiter}
}

// SuggestStrategies forwards to the wrapped suggester when budget remains.
func (g *Guard) SuggestStrategies(ctx context.Context, content string, hint string) (map[domain.Field][]domain.ExtractionStrategy, error) {
	tenantID := domain.TenantFromContext(ctx)

	ok, err := g.limiter.Allow(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		slog.Warn("suggestion budget exhausted", "tenant_id", tenantID)
		return nil, ErrBudgetExceeded
	}

	return g.next.SuggestStrategies(ctx, content, hint)
}

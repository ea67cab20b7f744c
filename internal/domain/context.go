package domain

import "context"

type contextKey string

const tenantKey contextKey = "tenantID"

// WithTenant returns a context carrying the tenant ID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFromContext returns the tenant ID stored by WithTenant, or "".
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

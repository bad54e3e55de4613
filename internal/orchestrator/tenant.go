package orchestrator

import "context"

type tenantKey struct{}

// WithTenant scopes orchestrator lookups to one tenant. Work items owned by another
// tenant are reported as not found.
func WithTenant(ctx context.Context, tenant string) context.Context {
	if tenant == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFrom returns the tenant set by WithTenant, or "".
func TenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey{}).(string)
	return v
}

package api

import (
	"context"

	"centinela/internal/model"
)

type contextKey int

const (
	tenantKey contextKey = iota
	apiKeyKey
)

// TenantFromContext returns the authenticated tenant, if any.
func TenantFromContext(ctx context.Context) (model.Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(model.Tenant)
	return t, ok
}

// KeyFromContext returns the API key the request authenticated with.
func KeyFromContext(ctx context.Context) (model.APIKey, bool) {
	k, ok := ctx.Value(apiKeyKey).(model.APIKey)
	return k, ok
}

func withAuth(ctx context.Context, tenant model.Tenant, key model.APIKey) context.Context {
	ctx = context.WithValue(ctx, tenantKey, tenant)
	return context.WithValue(ctx, apiKeyKey, key)
}

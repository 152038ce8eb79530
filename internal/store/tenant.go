package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"centinela/internal/model"
)

// CreateTenant inserts a tenant, generating its ID.
func (s *Store) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "active"
	}
	if t.PlanTier == "" {
		t.PlanTier = "free"
	}
	if t.DefaultLocale == "" {
		t.DefaultLocale = "en"
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, status, plan_tier, default_locale, timezone)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Status, t.PlanTier, t.DefaultLocale, t.Timezone)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

// GetTenant loads one tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (model.Tenant, error) {
	var t model.Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT id, name, status, plan_tier, default_locale, timezone
		 FROM tenants WHERE id = $1`, id)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

// TenantsWithOpenDetections returns tenants holding at least one detection
// not yet batched into a digest. The batcher iterates this set each tick.
func (s *Store) TenantsWithOpenDetections(ctx context.Context) ([]model.Tenant, error) {
	var tenants []model.Tenant
	err := s.db.SelectContext(ctx, &tenants,
		`SELECT t.id, t.name, t.status, t.plan_tier, t.default_locale, t.timezone
		 FROM tenants t
		 WHERE EXISTS (
		     SELECT 1 FROM detections d
		     WHERE d.tenant_id = t.id AND d.reported_digest_id IS NULL
		 )
		 ORDER BY t.id`)
	if err != nil {
		return nil, fmt.Errorf("tenants with open detections: %w", err)
	}
	return tenants, nil
}

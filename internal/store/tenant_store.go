package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateTenant inserts a tenant row.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO tenants (id, status, messaging_channel, onboarding_status, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		t.ID, t.Status, t.MessagingChannel, t.Onboarding, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant fetches one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.pool.Reader().GetContext(ctx, &t, s.rebind(`
		SELECT id, status, messaging_channel, onboarding_status, created_at
		FROM tenants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// SetTenantStatus flips a tenant between ACTIVE and SUSPENDED.
func (s *Store) SetTenantStatus(ctx context.Context, id string, status TenantStatus) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE tenants SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("set tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTenantOnboarding updates the onboarding status.
func (s *Store) SetTenantOnboarding(ctx context.Context, id string, status OnboardingStatus) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE tenants SET onboarding_status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("set tenant onboarding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

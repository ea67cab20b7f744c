package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// SaveReviewRule stores or replaces a review rule with tenant isolation.
func (r *SQLRepository) SaveReviewRule(ctx context.Context, tenantID string, rule *domain.ReviewRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO review_rules (
			id, tenant_id, name, description, expression, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Expression, rule.Reason, boolToInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rule.TenantID = tenantID
	return nil
}

// ListReviewRules retrieves every review rule of a tenant, enabled or not.
func (r *SQLRepository) ListReviewRules(ctx context.Context, tenantID string) ([]*domain.ReviewRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, reason, enabled, created_at, updated_at
		FROM review_rules
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ReviewRule
	for rows.Next() {
		var rule domain.ReviewRule
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &description,
			&rule.Expression, &rule.Reason, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

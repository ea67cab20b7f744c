package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lggm33/AFP-Project/internal/domain"
)

const correctionColumns = `
	id, tenant_id, transaction_id, review_item_id, template_id, email_id,
	field, old_value, new_value, template_updated, similar_updated,
	accuracy_before, accuracy_after, confidence_improvement, created_at
`

// SaveCorrection appends a correction to the audit trail.
func (r *SQLRepository) SaveCorrection(ctx context.Context, tenantID string, c *domain.Correction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO corrections (` + correctionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.TransactionID, c.ReviewItemID, c.TemplateID, c.EmailID,
		string(c.Field), c.OldValue, c.NewValue, boolToInt(c.TemplateUpdated), c.SimilarUpdated,
		c.AccuracyBefore, c.AccuracyAfter, c.ConfidenceImprovement, c.CreatedAt,
	)
	return err
}

// ListCorrections returns corrections newest first. An empty templateID
// lists every correction of the tenant.
func (r *SQLRepository) ListCorrections(ctx context.Context, tenantID string, templateID string) ([]*domain.Correction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + correctionColumns + ` FROM corrections WHERE tenant_id = ?`
	args := []any{tenantID}
	if templateID != "" {
		query += ` AND template_id = ?`
		args = append(args, templateID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var corrections []*domain.Correction
	for rows.Next() {
		var c domain.Correction
		var field string
		var updated int

		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.TransactionID, &c.ReviewItemID, &c.TemplateID, &c.EmailID,
			&field, &c.OldValue, &c.NewValue, &updated, &c.SimilarUpdated,
			&c.AccuracyBefore, &c.AccuracyAfter, &c.ConfidenceImprovement, &c.CreatedAt,
		); err != nil {
			return nil, err
		}

		c.Field = domain.Field(field)
		c.TemplateUpdated = updated == 1
		corrections = append(corrections, &c)
	}

	return corrections, rows.Err()
}

const improvementColumns = `
	id, tenant_id, template_id, correction_id, field, old_strategies, new_strategies,
	reason, accuracy_before, accuracy_after, sample_size, from_version, to_version,
	ai_assisted, created_at
`

// SaveImprovement records one template mutation.
func (r *SQLRepository) SaveImprovement(ctx context.Context, tenantID string, imp *domain.TemplateImprovement) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	oldStrategies, err := marshalJSON(imp.OldStrategies)
	if err != nil {
		return err
	}
	newStrategies, err := marshalJSON(imp.NewStrategies)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO template_improvements (` + improvementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		imp.ID, tenantID, imp.TemplateID, imp.CorrectionID, string(imp.Field),
		oldStrategies, newStrategies, imp.Reason,
		imp.AccuracyBefore, imp.AccuracyAfter, imp.SampleSize,
		imp.FromVersion, imp.ToVersion, boolToInt(imp.AIAssisted), imp.CreatedAt,
	)
	return err
}

// ListImprovements returns a template's improvement history, newest first.
func (r *SQLRepository) ListImprovements(ctx context.Context, tenantID string, templateID string) ([]*domain.TemplateImprovement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + improvementColumns + `
		FROM template_improvements
		WHERE tenant_id = ? AND template_id = ?
		ORDER BY to_version DESC, created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var improvements []*domain.TemplateImprovement
	for rows.Next() {
		var imp domain.TemplateImprovement
		var field, oldStrategies, newStrategies string
		var ai int

		if err := rows.Scan(
			&imp.ID, &imp.TenantID, &imp.TemplateID, &imp.CorrectionID, &field,
			&oldStrategies, &newStrategies, &imp.Reason,
			&imp.AccuracyBefore, &imp.AccuracyAfter, &imp.SampleSize,
			&imp.FromVersion, &imp.ToVersion, &ai, &imp.CreatedAt,
		); err != nil {
			return nil, err
		}

		imp.Field = domain.Field(field)
		imp.AIAssisted = ai == 1
		if err := json.Unmarshal([]byte(oldStrategies), &imp.OldStrategies); err != nil {
			return nil, fmt.Errorf("failed to parse improvement %s: %w", imp.ID, err)
		}
		if err := json.Unmarshal([]byte(newStrategies), &imp.NewStrategies); err != nil {
			return nil, fmt.Errorf("failed to parse improvement %s: %w", imp.ID, err)
		}
		improvements = append(improvements, &imp)
	}

	return improvements, rows.Err()
}

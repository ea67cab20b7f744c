package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

const templateColumns = `
	id, tenant_id, bank_name, name, version, active,
	sender_patterns, subject_patterns, required_keywords,
	fields, required_fields, transaction_type, confidence_threshold,
	success_count, failure_count, last_used_at, created_at, updated_at
`

// SaveTemplate stores a new template with tenant isolation.
func (r *SQLRepository) SaveTemplate(ctx context.Context, tenantID string, tpl *domain.BankTemplate) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tpl.ID == "" {
		return fmt.Errorf("%w: template id is required", ErrInvalidInput)
	}

	args, err := templateArgs(tpl)
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}

	now := time.Now().UTC()
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now
	if tpl.Version <= 0 {
		tpl.Version = 1
	}

	query := `
		INSERT INTO templates (` + templateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tpl.ID, tenantID, tpl.BankName, tpl.Name, tpl.Version, boolToInt(tpl.Active),
		args.senders, args.subjects, args.keywords,
		args.fields, args.required, string(tpl.TransactionType), tpl.ConfidenceThreshold,
		tpl.SuccessCount, tpl.FailureCount, nullTime(tpl.LastUsedAt), tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return err
	}
	tpl.TenantID = tenantID
	return nil
}

// GetTemplate retrieves a template by ID with tenant isolation.
func (r *SQLRepository) GetTemplate(ctx context.Context, tenantID string, templateID string) (*domain.BankTemplate, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + templateColumns + ` FROM templates WHERE tenant_id = ? AND id = ?`

	tpl, err := scanTemplate(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

// ListTemplates retrieves the tenant's templates, optionally active only.
func (r *SQLRepository) ListTemplates(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.BankTemplate, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + templateColumns + ` FROM templates WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY bank_name, name, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*domain.BankTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}

	return templates, rows.Err()
}

// UpdateTemplate overwrites the template if the stored version still equals
// expectedVersion. tpl.Version must already carry the new, higher version.
func (r *SQLRepository) UpdateTemplate(ctx context.Context, tenantID string, tpl *domain.BankTemplate, expectedVersion int) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tpl.Version <= expectedVersion {
		return fmt.Errorf("%w: new version %d must exceed %d", ErrInvalidInput, tpl.Version, expectedVersion)
	}

	args, err := templateArgs(tpl)
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}
	tpl.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE templates SET
			bank_name = ?, name = ?, version = ?, active = ?,
			sender_patterns = ?, subject_patterns = ?, required_keywords = ?,
			fields = ?, required_fields = ?, transaction_type = ?,
			confidence_threshold = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		tpl.BankName, tpl.Name, tpl.Version, boolToInt(tpl.Active),
		args.senders, args.subjects, args.keywords,
		args.fields, args.required, string(tpl.TransactionType),
		tpl.ConfidenceThreshold, tpl.UpdatedAt,
		tenantID, tpl.ID, expectedVersion,
	)
	if err != nil {
		return err
	}

	if err := affected(result); errors.Is(err, ErrNotFound) {
		// Distinguish a missing template from a stale version.
		if _, getErr := r.GetTemplate(ctx, tenantID, tpl.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: template %s is no longer at version %d", ErrVersionConflict, tpl.ID, expectedVersion)
	} else if err != nil {
		return err
	}
	return nil
}

// DeactivateTemplate soft-deletes a template by setting active = 0.
func (r *SQLRepository) DeactivateTemplate(ctx context.Context, tenantID string, templateID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE templates
		SET active = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, templateID)
	if err != nil {
		return err
	}
	return affected(result)
}

// IncrementTemplateCounter atomically bumps the success or failure counter.
// Counters do not change the template version.
func (r *SQLRepository) IncrementTemplateCounter(ctx context.Context, tenantID string, templateID string, success bool) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	column := "failure_count"
	if success {
		column = "success_count"
	}

	query := `UPDATE templates SET ` + column + ` = ` + column + ` + 1, last_used_at = ? WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, templateID)
	if err != nil {
		return err
	}
	return affected(result)
}

type encodedTemplate struct {
	senders, subjects, keywords, fields, required string
}

func templateArgs(tpl *domain.BankTemplate) (*encodedTemplate, error) {
	var enc encodedTemplate
	var err error

	if enc.senders, err = marshalJSON(nonNil(tpl.SenderPatterns)); err != nil {
		return nil, err
	}
	if enc.subjects, err = marshalJSON(nonNil(tpl.SubjectPatterns)); err != nil {
		return nil, err
	}
	if enc.keywords, err = marshalJSON(nonNil(tpl.RequiredKeywords)); err != nil {
		return nil, err
	}

	fields := tpl.Fields
	if fields == nil {
		fields = map[domain.Field][]domain.ExtractionStrategy{}
	}
	if enc.fields, err = marshalJSON(fields); err != nil {
		return nil, err
	}

	required := tpl.RequiredFields
	if required == nil {
		required = []domain.Field{}
	}
	if enc.required, err = marshalJSON(required); err != nil {
		return nil, err
	}
	return &enc, nil
}

func scanTemplate(s scanner) (*domain.BankTemplate, error) {
	var tpl domain.BankTemplate
	var active int
	var senders, subjects, keywords, fields, required, txType string
	var lastUsed sql.NullTime

	if err := s.Scan(
		&tpl.ID, &tpl.TenantID, &tpl.BankName, &tpl.Name, &tpl.Version, &active,
		&senders, &subjects, &keywords,
		&fields, &required, &txType, &tpl.ConfidenceThreshold,
		&tpl.SuccessCount, &tpl.FailureCount, &lastUsed, &tpl.CreatedAt, &tpl.UpdatedAt,
	); err != nil {
		return nil, err
	}

	tpl.Active = active == 1
	tpl.TransactionType = domain.TransactionType(txType)
	tpl.LastUsedAt = timePtr(lastUsed)

	for _, col := range []struct {
		raw  string
		dest any
	}{
		{senders, &tpl.SenderPatterns},
		{subjects, &tpl.SubjectPatterns},
		{keywords, &tpl.RequiredKeywords},
		{fields, &tpl.Fields},
		{required, &tpl.RequiredFields},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", tpl.ID, err)
		}
	}

	return &tpl, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

const emailColumns = `
	id, tenant_id, external_id, sender, subject, body, mime_type, received_at,
	status, attempts, last_error, template_id, processed_at
`

// SaveEmail stores a source email with tenant isolation.
func (r *SQLRepository) SaveEmail(ctx context.Context, tenantID string, email *domain.Email) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if email.Status == "" {
		email.Status = domain.EmailPending
	}

	query := `
		INSERT INTO emails (` + emailColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		email.ID, tenantID, email.ExternalID, email.Sender, email.Subject, email.Body,
		email.MIMEType, email.ReceivedAt, string(email.Status), email.Attempts,
		email.LastError, email.TemplateID, nullTime(email.ProcessedAt),
	)
	if err != nil {
		return err
	}
	email.TenantID = tenantID
	return nil
}

// GetEmail retrieves an email by ID with tenant isolation.
func (r *SQLRepository) GetEmail(ctx context.Context, tenantID string, emailID string) (*domain.Email, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + emailColumns + ` FROM emails WHERE tenant_id = ? AND id = ?`

	email, err := scanEmail(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, emailID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return email, nil
}

// UpdateEmail persists the processing state of an email.
func (r *SQLRepository) UpdateEmail(ctx context.Context, tenantID string, email *domain.Email) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE emails SET
			status = ?, attempts = ?, last_error = ?, template_id = ?, processed_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(email.Status), email.Attempts, email.LastError, email.TemplateID,
		nullTime(email.ProcessedAt), tenantID, email.ID,
	)
	if err != nil {
		return err
	}
	return affected(result)
}

// ClaimEmail is a conditional status update, so of two concurrent callers
// only one sees a row affected. claimed_at holds unix milliseconds.
func (r *SQLRepository) ClaimEmail(ctx context.Context, tenantID string, emailID string, lease time.Duration) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	now := time.Now()
	query := `
		UPDATE emails SET status = ?, claimed_at = ?
		WHERE tenant_id = ? AND id = ?
		AND (status IN (?, ?) OR (status = ? AND claimed_at < ?))
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(domain.EmailProcessing), now.UnixMilli(), tenantID, emailID,
		string(domain.EmailPending), string(domain.EmailFailed),
		string(domain.EmailProcessing), now.Add(-lease).UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListEmailsByTemplate returns the most recent emails processed by a template.
func (r *SQLRepository) ListEmailsByTemplate(ctx context.Context, tenantID string, templateID string, limit int) ([]*domain.Email, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT ` + emailColumns + `
		FROM emails
		WHERE tenant_id = ? AND template_id = ?
		ORDER BY received_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, templateID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []*domain.Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}

	return emails, rows.Err()
}

func scanEmail(s scanner) (*domain.Email, error) {
	var email domain.Email
	var status string
	var processed sql.NullTime

	if err := s.Scan(
		&email.ID, &email.TenantID, &email.ExternalID, &email.Sender, &email.Subject, &email.Body,
		&email.MIMEType, &email.ReceivedAt, &status, &email.Attempts,
		&email.LastError, &email.TemplateID, &processed,
	); err != nil {
		return nil, err
	}

	email.Status = domain.EmailStatus(status)
	email.ProcessedAt = timePtr(processed)
	return &email, nil
}
